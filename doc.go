// Package msgq provides a bounded, typed message queue broker for Go.
//
// Callers push byte payloads tagged with a positive message type; other
// callers pop payloads selectively by type, optionally blocking until a
// matching message (or free space) is available. Channels are identified by
// an integer key: every caller that opens the same key attaches to the same
// channel.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New())
//	q, err := eng.Open(ctx, 42, msgq.WithPerm(0o600))
//	defer q.Close()
//
//	err = q.Push(ctx, []byte("hello"), msgq.DefaultType)
//	payload, err := q.Pop(ctx, msgq.AnyType, 0)
//
// # Architecture
//
// The engine package implements the queue contract on top of a pluggable
// store (memory, redis, postgres). Each store performs push and pop
// atomically and publishes a change signal per key that the engine uses to
// wake blocked callers. The dwp package exposes the same operations over
// WebSocket frames and the client package turns them back into a Queue, so a
// remote handle behaves exactly like a local one, down to errors.Is checks.
//
// Closing a handle releases it locally. Destroying a handle removes the
// channel for every handle in every process.
package msgq
