package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/msgq/observability"
	"github.com/xraph/msgq/stream"
)

// StatsReport returns a task that logs broker-wide totals and, when
// broker is non-nil, publishes them on the stream firehose.
func StatsReport(source observability.StatsSource, broker *stream.Broker, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		stats, err := source.Stats(ctx)
		if err != nil {
			return err
		}

		var report stream.StatsEventData
		report.Channels = len(stats)
		for _, cs := range stats {
			report.Messages += cs.Stats.Messages
			report.Bytes += cs.Stats.Bytes
		}

		logger.Info("broker stats",
			slog.Int("channels", report.Channels),
			slog.Int64("messages", report.Messages),
			slog.Int64("bytes", report.Bytes),
		)
		if broker != nil {
			broker.PublishStats(report)
		}
		return nil
	}
}

// IdleSweeper closes sessions that have been idle for at least a duration
// and reports how many it closed.
type IdleSweeper interface {
	CloseIdle(ctx context.Context, idle time.Duration) int
}

// IdleSweep returns a task that closes sessions idle past idle.
func IdleSweep(sweeper IdleSweeper, idle time.Duration, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		if n := sweeper.CloseIdle(ctx, idle); n > 0 {
			logger.Info("closed idle sessions",
				slog.Int("count", n),
				slog.Duration("idle", idle),
			)
		}
		return nil
	}
}
