// Package engine implements the msgq.Queue contract on top of a store.Store.
//
// The store holds channel state and answers every operation without
// waiting. The engine adds what a caller of a message queue expects on
// top of that: handles, blocking waits, error classification, the
// middleware chain and the extension registry.
//
// # Building an Engine
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Timeout(logger, 30*time.Second)),
//	)
//
// # Handles
//
// Open attaches to the channel for a key, creating it when absent. Each
// Open returns a new Handle; handles on the same key share one channel.
//
//	h, err := eng.Open(ctx, 42, msgq.WithPerm(0o600))
//	defer h.Close()
//
//	_ = h.Push(ctx, []byte("hello"), 1)
//	payload, err := h.Pop(ctx, msgq.AnyType, 0)
//
// A handle is blocking by default. In blocking mode Push waits for space
// and Pop waits for a matching message until the context ends, the handle
// is closed or the channel is destroyed. SetBlocking changes the mode for
// calls that start afterwards on that handle only.
//
// # Waiting
//
// Blocked calls wake on the store's change notifications and also re-check
// on the configured wait strategy, so a missed notification costs at most
// one re-check interval.
//
// # Shutdown
//
// Engine.Close closes every handle, emits the Shutdown hook and closes the
// store. Channels survive in stores that persist them.
package engine
