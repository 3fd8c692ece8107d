package redis

import goredis "github.com/redis/go-redis/v9"

// Script status codes.
const (
	statusGone     = -1
	statusTooSmall = -2
	statusTooMany  = -3
	statusExists   = -4
	statusRetry    = 0
	statusOK       = 1
)

// openScript creates or attaches to a channel.
//
// KEYS: meta, index
// ARGV: key, id, perm, capacity, max_size, created_at, exclusive, max_channels
var openScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	if ARGV[7] == '1' then
		return {-4}
	end
	local m = redis.call('HMGET', KEYS[1], 'id', 'perm', 'capacity', 'max_size', 'created_at')
	return {0, m[1], m[2], m[3], m[4], m[5]}
end
local limit = tonumber(ARGV[8])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
	return {-3}
end
redis.call('HSET', KEYS[1],
	'id', ARGV[2], 'perm', ARGV[3], 'capacity', ARGV[4], 'max_size', ARGV[5],
	'created_at', ARGV[6], 'bytes', 0, 'count', 0, 'seq', 0)
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
return {1}
`)

// pushScript appends a message.
//
// KEYS: meta, order, payloads, types
// ARGV: id, type, payload, type_list_prefix, notify_channel
var pushScript = goredis.NewScript(`
local m = redis.call('HMGET', KEYS[1], 'id', 'capacity', 'max_size', 'bytes', 'count')
if m[1] ~= ARGV[1] then
	return -1
end
local size = string.len(ARGV[3])
local capacity = tonumber(m[2])
if size > tonumber(m[3]) or size > capacity then
	return -2
end
if tonumber(m[4]) + size > capacity or tonumber(m[5]) + 1 > capacity then
	return 0
end
local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('HINCRBY', KEYS[1], 'bytes', size)
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('ZADD', KEYS[2], seq, seq)
redis.call('HSET', KEYS[3], seq, ARGV[3])
redis.call('HSET', KEYS[4], seq, ARGV[2])
redis.call('RPUSH', ARGV[4] .. ARGV[2], seq)
redis.call('PUBLISH', ARGV[5], 'push')
return 1
`)

// popScript removes the oldest message of a type, or of any type when the
// type is 0. A message longer than max_length stays queued.
//
// KEYS: meta, order, payloads, types
// ARGV: id, type, max_length, type_list_prefix, notify_channel
var popScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return {-1}
end
local typ = ARGV[2]
local seq
if typ == '0' then
	local head = redis.call('ZRANGE', KEYS[2], 0, 0)
	if #head == 0 then
		return {0}
	end
	seq = head[1]
	typ = redis.call('HGET', KEYS[4], seq)
else
	seq = redis.call('LINDEX', ARGV[4] .. typ, 0)
	if not seq then
		return {0}
	end
end
local payload = redis.call('HGET', KEYS[3], seq)
local size = string.len(payload)
if size > tonumber(ARGV[3]) then
	return {-2, size}
end
redis.call('LPOP', ARGV[4] .. typ)
redis.call('ZREM', KEYS[2], seq)
redis.call('HDEL', KEYS[3], seq)
redis.call('HDEL', KEYS[4], seq)
redis.call('HINCRBY', KEYS[1], 'bytes', -size)
redis.call('HINCRBY', KEYS[1], 'count', -1)
redis.call('PUBLISH', ARGV[5], 'pop')
return {1, typ, payload}
`)

// destroyScript removes a channel and all of its messages.
//
// KEYS: meta, order, payloads, types, index
// ARGV: id, key, type_list_prefix, notify_channel
var destroyScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return -1
end
local seen = {}
for _, typ in ipairs(redis.call('HVALS', KEYS[4])) do
	if not seen[typ] then
		seen[typ] = true
		redis.call('DEL', ARGV[3] .. typ)
	end
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('PUBLISH', ARGV[4], 'destroy')
return 1
`)
