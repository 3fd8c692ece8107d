package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/cron"
	"github.com/xraph/msgq/dwp"
	"github.com/xraph/msgq/engine"
	mw "github.com/xraph/msgq/middleware"
	"github.com/xraph/msgq/ratelimit"
	"github.com/xraph/msgq/store"
	"github.com/xraph/msgq/store/memory"
	"github.com/xraph/msgq/store/postgres"
	redisstore "github.com/xraph/msgq/store/redis"
	"github.com/xraph/msgq/stream"
)

// ServeCmd runs the broker.
type ServeCmd struct {
	Addr string `name:"addr" help:"HTTP listen address." default:":7480"`
	Path string `name:"path" help:"WebSocket endpoint path." default:"/msgq"`

	Store       string `name:"store" help:"Channel store backend." enum:"memory,redis,postgres" default:"memory"`
	RedisURL    string `name:"redis-url" help:"Redis URL for the redis store." default:"redis://localhost:6379/0"`
	RedisPrefix string `name:"redis-namespace" help:"Key namespace for the redis store." default:"msgq"`
	PostgresURL string `name:"postgres-url" help:"Connection URL for the postgres store."`

	Channel struct {
		Capacity       int64  `name:"capacity" help:"Default channel capacity in bytes." default:"16384"`
		MaxMessageSize int64  `name:"max-message-size" help:"Default largest message in bytes." default:"8192"`
		MaxChannels    int    `name:"max-channels" help:"Most channels that may exist, 0 for no limit." default:"32000"`
		Perm           string `name:"perm" help:"Default permission bits, in octal." default:"0666"`
	} `embed:"" prefix:"channel-"`

	Limit struct {
		Rate               float64 `name:"rate" help:"Per-channel operations per second, 0 for no limit."`
		Burst              int     `name:"burst" help:"Per-channel burst size."`
		MaxInFlight        int     `name:"max-in-flight" help:"Per-channel concurrent operations, 0 for no limit."`
		SessionRate        float64 `name:"session-rate" help:"Per-session operations per second, 0 for no limit."`
		SessionBurst       int     `name:"session-burst" help:"Per-session burst size."`
		SessionMaxInFlight int     `name:"session-max-in-flight" help:"Per-session concurrent operations, 0 for no limit."`
	} `embed:"" prefix:"limit-"`

	OpTimeout       time.Duration `name:"op-timeout" help:"Upper bound on a blocking push or pop wait, 0 disables."`
	StatsSchedule   string        `name:"stats-schedule" help:"Cron schedule for the stats report." default:"@every 1m"`
	IdleTimeout     time.Duration `name:"idle-timeout" help:"Close sessions idle this long, 0 disables." default:"10m"`
	IdleSchedule    string        `name:"idle-schedule" help:"Cron schedule for the idle sweep." default:"@every 1m"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for draining sessions." default:"10s"`
}

// config maps flags onto the broker configuration.
func (cmd *ServeCmd) config() (msgq.Config, error) {
	perm, err := strconv.ParseUint(cmd.Channel.Perm, 8, 32)
	if err != nil {
		return msgq.Config{}, fmt.Errorf("%w: perm %q: %w", msgq.ErrInvalidPerm, cmd.Channel.Perm, err)
	}

	cfg := msgq.DefaultConfig()
	cfg.DefaultCapacity = cmd.Channel.Capacity
	cfg.MaxMessageSize = cmd.Channel.MaxMessageSize
	cfg.MaxChannels = cmd.Channel.MaxChannels
	cfg.DefaultPerm = uint32(perm)
	return cfg, cfg.Validate()
}

// limiter builds the admission limiter, or nil when no limit is set.
func (cmd *ServeCmd) limiter() *ratelimit.Manager {
	l := cmd.Limit
	if l.Rate <= 0 && l.MaxInFlight <= 0 && l.SessionRate <= 0 && l.SessionMaxInFlight <= 0 {
		return nil
	}
	return ratelimit.NewManager(
		ratelimit.WithDefault(ratelimit.Config{
			RateLimit:   l.Rate,
			RateBurst:   l.Burst,
			MaxInFlight: l.MaxInFlight,
		}),
		ratelimit.WithSessionLimits(ratelimit.SessionConfig{
			RateLimit:   l.SessionRate,
			RateBurst:   l.SessionBurst,
			MaxInFlight: l.SessionMaxInFlight,
		}),
	)
}

// openStore connects the selected backend. The returned cleanup releases
// it and any client it created.
func (cmd *ServeCmd) openStore(ctx context.Context, logger *slog.Logger) (store.Store, func(), error) {
	switch cmd.Store {
	case "memory":
		s := memory.New()
		return s, func() { _ = s.Close() }, nil

	case "redis":
		opts, err := goredis.ParseURL(cmd.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redisstore.New(client,
			redisstore.WithNamespace(cmd.RedisPrefix),
			redisstore.WithLogger(logger),
		)
		cleanup := func() {
			_ = s.Close()
			_ = client.Close()
		}
		if err := s.Ping(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		return s, cleanup, nil

	case "postgres":
		if cmd.PostgresURL == "" {
			return nil, nil, errors.New("--postgres-url is required for the postgres store")
		}
		s, err := postgres.New(ctx, cmd.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cmd.Store)
}

// Run starts the broker and blocks until the context ends.
func (cmd *ServeCmd) Run(g *Globals) error {
	return cmd.run(g.ctx, g.logger, nil)
}

// run serves until ctx ends. ready, when set, receives the listen address
// once the broker accepts connections.
func (cmd *ServeCmd) run(ctx context.Context, logger *slog.Logger, ready chan<- string) error {
	cfg, err := cmd.config()
	if err != nil {
		return err
	}

	st, closeStore, err := cmd.openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	broker := stream.NewBroker(logger)
	engOpts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithExtension(broker),
	}
	if cmd.OpTimeout > 0 {
		engOpts = append(engOpts, engine.WithMiddleware(mw.Timeout(logger, cmd.OpTimeout)))
	}
	eng, err := engine.New(st, engOpts...)
	if err != nil {
		return err
	}

	srvOpts := []dwp.Option{dwp.WithLogger(logger), dwp.WithPath(cmd.Path)}
	if limiter := cmd.limiter(); limiter != nil {
		srvOpts = append(srvOpts, dwp.WithRateLimiter(limiter))
	}
	srv := dwp.NewServer(eng, broker, srvOpts...)

	sched := cron.NewScheduler(logger)
	if err := sched.Register("stats-report", cmd.StatsSchedule, cron.StatsReport(eng, broker, logger)); err != nil {
		return err
	}
	if cmd.IdleTimeout > 0 {
		if err := sched.Register("idle-sweep", cmd.IdleSchedule, cron.IdleSweep(srv, cmd.IdleTimeout, logger)); err != nil {
			return err
		}
	}

	listener, err := listen(ctx, cmd.Addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return sched.Start(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		return cmd.shutdown(logger, srv, httpSrv, sched, eng)
	})

	logger.Info("msgq broker listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", srv.Path()),
		slog.String("store", cmd.Store),
		slog.String("version", version),
	)
	if ready != nil {
		ready <- listener.Addr().String()
	}

	return group.Wait()
}

// shutdown drains sessions, stops the HTTP server and scheduler, then
// closes the engine. Handles are closed, never destroyed.
func (cmd *ServeCmd) shutdown(logger *slog.Logger, srv *dwp.Server, httpSrv *http.Server, sched *cron.Scheduler, eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
	defer cancel()

	logger.Info("msgq broker shutting down")
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wire server: %w", err))
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := eng.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	return errors.Join(errs...)
}
