package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNamespace sets the key namespace. Stores sharing a namespace share
// channels. Defaults to "msgq".
func WithNamespace(ns string) Option {
	return func(s *Store) { s.keys = newKeys(ns) }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keys
	logger *slog.Logger
	signal *store.Signal
	now    func() time.Time

	closed atomic.Bool
	pubsub *goredis.PubSub
	done   chan struct{}
	once   sync.Once
}

// New creates a Redis-backed store and starts listening for change
// notifications. The caller owns the Redis client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   newKeys("msgq"),
		logger: slog.Default(),
		signal: store.NewSignal(),
		now:    func() time.Time { return time.Now().UTC() },
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.pubsub = client.PSubscribe(context.Background(), s.keys.notifyPattern())
	go s.listen()
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// listen turns notify messages from every store instance into local wakeups.
func (s *Store) listen() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		if key, ok := s.keys.parseNotify(msg.Channel); ok {
			s.signal.Notify(key)
		}
	}
	s.logger.Debug("msgq redis change listener stopped", slog.String("pattern", s.keys.notifyPattern()))
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return msgq.ErrStoreClosed
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("msgq/redis: ping: %w", err)
	}
	return nil
}

// Close stops the notification listener and wakes all waiters. It does
// not close the Redis client.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.pubsub.Close()
		<-s.done
		s.signal.NotifyAll()
	})
	if err != nil {
		return fmt.Errorf("msgq/redis: close pubsub: %w", err)
	}
	return nil
}

// Changes implements store.Store.
func (s *Store) Changes(key msgq.Key) <-chan struct{} {
	return s.signal.Changes(key)
}

// Open attaches to or creates the channel for p.Key.
func (s *Store) Open(ctx context.Context, p store.OpenParams) (msgq.Info, bool, error) {
	if s.closed.Load() {
		return msgq.Info{}, false, msgq.ErrStoreClosed
	}

	info := msgq.Info{
		Key:            p.Key,
		ID:             id.NewChannelID(),
		Perm:           p.Perm,
		Capacity:       p.Capacity,
		MaxMessageSize: p.MaxMessageSize,
		CreatedAt:      s.now(),
	}
	exclusive := "0"
	if p.Exclusive {
		exclusive = "1"
	}

	res, err := openScript.Run(ctx, s.client,
		[]string{s.keys.meta(p.Key), s.keys.index()},
		keyString(p.Key), info.ID.String(), info.Perm, info.Capacity, info.MaxMessageSize,
		info.CreatedAt.UnixNano(), exclusive, p.MaxChannels,
	).Slice()
	if err != nil {
		return msgq.Info{}, false, fmt.Errorf("msgq/redis: open: %w", err)
	}

	switch status(res) {
	case statusOK:
		return info, true, nil
	case statusExists:
		return msgq.Info{}, false, fmt.Errorf("%w: key %s", msgq.ErrExists, p.Key)
	case statusTooMany:
		return msgq.Info{}, false, fmt.Errorf("%w: limit %d", msgq.ErrTooManyChannels, p.MaxChannels)
	}

	existing, err := infoFromFields(p.Key, res[1:])
	if err != nil {
		return msgq.Info{}, false, fmt.Errorf("msgq/redis: open: %w", err)
	}
	return existing, false, nil
}

// Push appends a message if the channel has room for it.
func (s *Store) Push(ctx context.Context, ref store.Ref, typ msgq.Type, payload []byte) error {
	if s.closed.Load() {
		return msgq.ErrStoreClosed
	}

	n, err := pushScript.Run(ctx, s.client, s.channelKeys(ref.Key),
		ref.ID.String(), int64(typ), payload, s.keys.typeList(ref.Key), s.keys.notifyChannel(ref.Key),
	).Int()
	if err != nil {
		return fmt.Errorf("msgq/redis: push: %w", err)
	}

	switch n {
	case statusGone:
		return msgq.ErrChannelGone
	case statusTooSmall:
		return fmt.Errorf("%w: %d bytes", msgq.ErrMessageTooLarge, len(payload))
	case statusRetry:
		return msgq.ErrWouldBlock
	}
	s.signal.Notify(ref.Key)
	return nil
}

// Pop removes the oldest message matching typ.
func (s *Store) Pop(ctx context.Context, ref store.Ref, typ msgq.Type, maxLength int64) (msgq.Message, error) {
	if s.closed.Load() {
		return msgq.Message{}, msgq.ErrStoreClosed
	}

	res, err := popScript.Run(ctx, s.client, s.channelKeys(ref.Key),
		ref.ID.String(), int64(typ), maxLength, s.keys.typeList(ref.Key), s.keys.notifyChannel(ref.Key),
	).Slice()
	if err != nil {
		return msgq.Message{}, fmt.Errorf("msgq/redis: pop: %w", err)
	}

	switch status(res) {
	case statusGone:
		return msgq.Message{}, msgq.ErrChannelGone
	case statusRetry:
		return msgq.Message{}, msgq.ErrNoMessage
	case statusTooSmall:
		size, _ := res[1].(int64) //nolint:errcheck // integer reply
		return msgq.Message{}, fmt.Errorf("%w: %d > %d bytes", msgq.ErrBufferTooSmall, size, maxLength)
	}

	if len(res) != 3 {
		return msgq.Message{}, fmt.Errorf("msgq/redis: pop: unexpected reply %v", res)
	}
	t, err := strconv.ParseInt(str(res[1]), 10, 64)
	if err != nil {
		return msgq.Message{}, fmt.Errorf("msgq/redis: pop: parse type: %w", err)
	}
	s.signal.Notify(ref.Key)
	return msgq.Message{Type: msgq.Type(t), Payload: []byte(str(res[2]))}, nil
}

// Stats returns the pending message and byte counts.
func (s *Store) Stats(ctx context.Context, ref store.Ref) (msgq.Stats, error) {
	if s.closed.Load() {
		return msgq.Stats{}, msgq.ErrStoreClosed
	}

	vals, err := s.client.HMGet(ctx, s.keys.meta(ref.Key), "id", "count", "bytes").Result()
	if err != nil {
		return msgq.Stats{}, fmt.Errorf("msgq/redis: stats: %w", err)
	}
	if str(vals[0]) != ref.ID.String() {
		return msgq.Stats{}, msgq.ErrChannelGone
	}

	count, err := parseInt(vals[1])
	if err != nil {
		return msgq.Stats{}, fmt.Errorf("msgq/redis: stats: %w", err)
	}
	bytes, err := parseInt(vals[2])
	if err != nil {
		return msgq.Stats{}, fmt.Errorf("msgq/redis: stats: %w", err)
	}
	return msgq.Stats{Messages: count, Bytes: bytes}, nil
}

// Destroy removes the channel and its messages.
func (s *Store) Destroy(ctx context.Context, ref store.Ref) error {
	if s.closed.Load() {
		return msgq.ErrStoreClosed
	}

	ks := append(s.channelKeys(ref.Key), s.keys.index())
	n, err := destroyScript.Run(ctx, s.client, ks,
		ref.ID.String(), keyString(ref.Key), s.keys.typeList(ref.Key), s.keys.notifyChannel(ref.Key),
	).Int()
	if err != nil {
		return fmt.Errorf("msgq/redis: destroy: %w", err)
	}
	if n == statusGone {
		return msgq.ErrChannelGone
	}
	s.signal.Notify(ref.Key)
	return nil
}

// List returns every channel ordered by key.
func (s *Store) List(ctx context.Context) ([]msgq.Info, error) {
	if s.closed.Load() {
		return nil, msgq.ErrStoreClosed
	}

	members, err := s.client.ZRange(ctx, s.keys.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("msgq/redis: list: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(members))
	chanKeys := make([]msgq.Key, len(members))
	for i, m := range members {
		n, parseErr := strconv.ParseInt(m, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("msgq/redis: list: bad index member %q", m)
		}
		chanKeys[i] = msgq.Key(n)
		cmds[i] = pipe.HMGet(ctx, s.keys.meta(chanKeys[i]), "id", "perm", "capacity", "max_size", "created_at")
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("msgq/redis: list: %w", err)
		}
	}

	result := make([]msgq.Info, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if fields[0] == nil {
			// Destroyed between the range and the pipeline.
			continue
		}
		info, err := infoFromFields(chanKeys[i], fields)
		if err != nil {
			return nil, fmt.Errorf("msgq/redis: list: %w", err)
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Key < result[k].Key })
	return result, nil
}

func (s *Store) channelKeys(key msgq.Key) []string {
	return []string{s.keys.meta(key), s.keys.order(key), s.keys.payloads(key), s.keys.types(key)}
}

// ── reply helpers ──

func status(res []any) int64 {
	if len(res) == 0 {
		return statusGone
	}
	n, _ := res[0].(int64) //nolint:errcheck // scripts always lead with an integer
	return n
}

func str(v any) string {
	s, _ := v.(string) //nolint:errcheck // nil replies read as ""
	return s
}

func parseInt(v any) (int64, error) {
	s := str(v)
	if s == "" {
		return 0, errors.New("missing field")
	}
	return strconv.ParseInt(s, 10, 64)
}

// infoFromFields builds Info from id, perm, capacity, max_size, created_at.
func infoFromFields(key msgq.Key, fields []any) (msgq.Info, error) {
	if len(fields) != 5 {
		return msgq.Info{}, fmt.Errorf("expected 5 channel fields, got %d", len(fields))
	}
	chID, err := id.ParseChannelID(str(fields[0]))
	if err != nil {
		return msgq.Info{}, err
	}
	nums := make([]int64, 4)
	for i := range nums {
		if nums[i], err = parseInt(fields[i+1]); err != nil {
			return msgq.Info{}, err
		}
	}
	return msgq.Info{
		Key:            key,
		ID:             chID,
		Perm:           uint32(nums[0]), //nolint:gosec // stored from a uint32
		Capacity:       nums[1],
		MaxMessageSize: nums[2],
		CreatedAt:      time.Unix(0, nums[3]).UTC(),
	}, nil
}
