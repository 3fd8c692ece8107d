package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/store"
)

const channelColumns = `key, id, perm, capacity, max_message_size, created_at`

func scanInfo(row pgx.Row) (msgq.Info, error) {
	var (
		info msgq.Info
		key  int64
		chID string
		perm int64
	)
	if err := row.Scan(&key, &chID, &perm, &info.Capacity, &info.MaxMessageSize, &info.CreatedAt); err != nil {
		return msgq.Info{}, err
	}
	parsed, err := id.ParseChannelID(chID)
	if err != nil {
		return msgq.Info{}, fmt.Errorf("parse channel id: %w", err)
	}
	info.Key = msgq.Key(key)
	info.ID = parsed
	info.Perm = uint32(perm) //nolint:gosec // stored from a uint32
	info.CreatedAt = info.CreatedAt.UTC()
	return info, nil
}

// Open attaches to or creates the channel for p.Key. Creation is
// serialized with an advisory lock so the channel limit holds across
// brokers.
func (s *Store) Open(ctx context.Context, p store.OpenParams) (msgq.Info, bool, error) {
	if err := s.checkOpen(); err != nil {
		return msgq.Info{}, false, err
	}

	var (
		info    msgq.Info
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, openLockID); err != nil {
			return err
		}

		existing, err := scanInfo(tx.QueryRow(ctx,
			`SELECT `+channelColumns+` FROM msgq_channels WHERE key = $1`, int64(p.Key)))
		switch {
		case err == nil:
			if p.Exclusive {
				return fmt.Errorf("%w: key %s", msgq.ErrExists, p.Key)
			}
			info = existing
			return nil
		case !isNoRows(err):
			return err
		}

		if p.MaxChannels > 0 {
			var count int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM msgq_channels`).Scan(&count); err != nil {
				return err
			}
			if count >= p.MaxChannels {
				return fmt.Errorf("%w: limit %d", msgq.ErrTooManyChannels, p.MaxChannels)
			}
		}

		info = msgq.Info{
			Key:            p.Key,
			ID:             id.NewChannelID(),
			Perm:           p.Perm,
			Capacity:       p.Capacity,
			MaxMessageSize: p.MaxMessageSize,
			CreatedAt:      s.now(),
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO msgq_channels (key, id, perm, capacity, max_message_size, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			int64(info.Key), info.ID.String(), int64(info.Perm), info.Capacity, info.MaxMessageSize, info.CreatedAt,
		)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return msgq.Info{}, false, wrap("open", err)
	}
	return info, created, nil
}

// lockChannel takes the row lock on the channel addressed by ref.
func lockChannel(ctx context.Context, tx pgx.Tx, ref store.Ref) (capacity, maxSize, messages, bytes int64, err error) {
	var chID string
	err = tx.QueryRow(ctx, `
		SELECT id, capacity, max_message_size, messages, bytes
		FROM msgq_channels WHERE key = $1 FOR UPDATE`,
		int64(ref.Key),
	).Scan(&chID, &capacity, &maxSize, &messages, &bytes)
	if isNoRows(err) || (err == nil && chID != ref.ID.String()) {
		err = msgq.ErrChannelGone
	}
	return capacity, maxSize, messages, bytes, err
}

// Push appends a message if the channel has room for it.
func (s *Store) Push(ctx context.Context, ref store.Ref, typ msgq.Type, payload []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		capacity, maxSize, messages, bytes, err := lockChannel(ctx, tx, ref)
		if err != nil {
			return err
		}

		size := int64(len(payload))
		if size > maxSize || size > capacity {
			return fmt.Errorf("%w: %d bytes", msgq.ErrMessageTooLarge, size)
		}
		if bytes+size > capacity || messages+1 > capacity {
			return msgq.ErrWouldBlock
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO msgq_messages (channel_key, type, payload) VALUES ($1, $2, $3)`,
			int64(ref.Key), int64(typ), payload,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE msgq_channels SET messages = messages + 1, bytes = bytes + $2 WHERE key = $1`,
			int64(ref.Key), size,
		); err != nil {
			return err
		}
		return notify(ctx, tx, ref.Key)
	})
	if err != nil {
		return wrap("push", err)
	}
	s.signal.Notify(ref.Key)
	return nil
}

// Pop removes the oldest message matching typ.
func (s *Store) Pop(ctx context.Context, ref store.Ref, typ msgq.Type, maxLength int64) (msgq.Message, error) {
	if err := s.checkOpen(); err != nil {
		return msgq.Message{}, err
	}

	var msg msgq.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, _, _, _, err := lockChannel(ctx, tx, ref); err != nil {
			return err
		}

		var (
			seq, t int64
			size   int64
		)
		err := tx.QueryRow(ctx, `
			SELECT seq, type, octet_length(payload)
			FROM msgq_messages
			WHERE channel_key = $1 AND ($2::bigint = 0 OR type = $2::bigint)
			ORDER BY seq
			LIMIT 1`,
			int64(ref.Key), int64(typ),
		).Scan(&seq, &t, &size)
		if isNoRows(err) {
			return msgq.ErrNoMessage
		}
		if err != nil {
			return err
		}
		if size > maxLength {
			return fmt.Errorf("%w: %d > %d bytes", msgq.ErrBufferTooSmall, size, maxLength)
		}

		var payload []byte
		if err := tx.QueryRow(ctx,
			`DELETE FROM msgq_messages WHERE seq = $1 RETURNING payload`, seq,
		).Scan(&payload); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE msgq_channels SET messages = messages - 1, bytes = bytes - $2 WHERE key = $1`,
			int64(ref.Key), size,
		); err != nil {
			return err
		}
		if payload == nil {
			payload = []byte{}
		}
		msg = msgq.Message{Type: msgq.Type(t), Payload: payload}
		return notify(ctx, tx, ref.Key)
	})
	if err != nil {
		return msgq.Message{}, wrap("pop", err)
	}
	s.signal.Notify(ref.Key)
	return msg, nil
}

// Stats returns the pending message and byte counts.
func (s *Store) Stats(ctx context.Context, ref store.Ref) (msgq.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return msgq.Stats{}, err
	}

	var (
		chID  string
		stats msgq.Stats
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, messages, bytes FROM msgq_channels WHERE key = $1`, int64(ref.Key),
	).Scan(&chID, &stats.Messages, &stats.Bytes)
	if isNoRows(err) || (err == nil && chID != ref.ID.String()) {
		return msgq.Stats{}, msgq.ErrChannelGone
	}
	if err != nil {
		return msgq.Stats{}, wrap("stats", err)
	}
	return stats, nil
}

// Destroy removes the channel. Its messages go with it by cascade.
func (s *Store) Destroy(ctx context.Context, ref store.Ref) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM msgq_channels WHERE key = $1 AND id = $2`,
			int64(ref.Key), ref.ID.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return msgq.ErrChannelGone
		}
		return notify(ctx, tx, ref.Key)
	})
	if err != nil {
		return wrap("destroy", err)
	}
	s.signal.Notify(ref.Key)
	return nil
}

// List returns every channel ordered by key.
func (s *Store) List(ctx context.Context) ([]msgq.Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM msgq_channels ORDER BY key`)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var result []msgq.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, wrap("list", err)
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return result, nil
}

// notify queues a change notification delivered when tx commits.
func notify(ctx context.Context, tx pgx.Tx, key msgq.Key) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key.String())
	return err
}
