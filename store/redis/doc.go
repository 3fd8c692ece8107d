// Package redis implements store.Store on Redis so that several msgqd
// brokers can share channels.
//
// Every mutation runs as a Lua script, which makes each push, pop and
// destroy atomic. All keys share one hash tag so the scripts also run on a
// Redis Cluster, where the whole store lives in a single slot. Writers
// publish on msgq:notify:<key> and every store instance pattern-subscribes
// to those channels to wake its blocked callers.
//
// The caller owns the client lifecycle:
//
//	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(rdb)
//	defer s.Close()
package redis
