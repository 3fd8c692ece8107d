package redis

import (
	"strconv"
	"strings"

	"github.com/xraph/msgq"
)

// Redis key naming conventions. Every key starts with the hash-tagged
// prefix, e.g. "{msgq}:chan:42:meta".

// keys names the Redis keys of one store instance.
type keys struct {
	prefix string
	notify string
}

func newKeys(namespace string) keys {
	return keys{
		prefix: "{" + namespace + "}:",
		notify: namespace + ":notify:",
	}
}

func keyString(k msgq.Key) string { return strconv.FormatInt(int64(k), 10) }

// index is the Sorted Set of live channel keys.
func (k keys) index() string { return k.prefix + "channels" }

// channel returns the key prefix for one channel: {msgq}:chan:<key>:
func (k keys) channel(key msgq.Key) string { return k.prefix + "chan:" + keyString(key) + ":" }

// meta is the Hash holding channel info and counters.
func (k keys) meta(key msgq.Key) string { return k.channel(key) + "meta" }

// order is the Sorted Set of message sequence numbers in arrival order.
func (k keys) order(key msgq.Key) string { return k.channel(key) + "order" }

// payloads is the Hash of sequence number to payload.
func (k keys) payloads(key msgq.Key) string { return k.channel(key) + "payloads" }

// types is the Hash of sequence number to message type.
func (k keys) types(key msgq.Key) string { return k.channel(key) + "types" }

// typeList is the prefix of the per-type Lists of sequence numbers.
func (k keys) typeList(key msgq.Key) string { return k.channel(key) + "type:" }

// notifyChannel is the pub/sub channel announcing changes to key.
func (k keys) notifyChannel(key msgq.Key) string { return k.notify + keyString(key) }

// notifyPattern matches every notify channel.
func (k keys) notifyPattern() string { return k.notify + "*" }

// parseNotify extracts the channel key from a notify channel name.
func (k keys) parseNotify(channel string) (msgq.Key, bool) {
	rest, ok := strings.CutPrefix(channel, k.notify)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return msgq.Key(n), true
}
