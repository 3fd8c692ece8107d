package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrDuplicateEntry is returned when an entry name is registered twice.
var ErrDuplicateEntry = errors.New("cron: duplicate entry")

// ErrUnknownEntry is returned for operations on an unregistered entry.
var ErrUnknownEntry = errors.New("cron: unknown entry")

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithTaskTimeout bounds each task run. Zero means no bound.
func WithTaskTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.taskTimeout = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type scheduled struct {
	entry    *Entry
	schedule cronlib.Schedule
}

// Scheduler runs registered entries on a tick loop.
type Scheduler struct {
	logger *slog.Logger

	tickInterval time.Duration
	taskTimeout  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduled

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:       logger,
		tickInterval: 1 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		entries:      make(map[string]*scheduled),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds an enabled entry whose first run is the next schedule
// time after now.
func (s *Scheduler) Register(name, expr string, task Task) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("cron: parse %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}
	next := sched.Next(s.now())
	s.entries[name] = &scheduled{
		entry: &Entry{
			Name:      name,
			Schedule:  expr,
			NextRunAt: &next,
			Enabled:   true,
			task:      task,
		},
		schedule: sched,
	}
	return nil
}

// SetEnabled enables or disables an entry.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	sc.entry.Enabled = enabled
	return nil
}

// Entries returns a snapshot of all entries sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, sc := range s.entries {
		out = append(out, *sc.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("cron: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("entries", len(s.Entries())),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for a running task to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick runs every enabled entry due at or before now.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*scheduled
	for _, sc := range s.entries {
		e := sc.entry
		if !e.Enabled || e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		due = append(due, sc)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].entry.Name < due[j].entry.Name })
	for _, sc := range due {
		s.fire(sc, now)
	}
}

func (s *Scheduler) fire(sc *scheduled, now time.Time) {
	ctx := context.Background()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.run(ctx, sc.entry)
	elapsed := time.Since(start)

	s.mu.Lock()
	e := sc.entry
	e.LastRunAt = &now
	next := sc.schedule.Next(now)
	e.NextRunAt = &next
	e.Runs++
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron task failed",
			slog.String("cron_name", e.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("cron fired",
		slog.String("cron_name", e.Name),
		slog.Duration("elapsed", elapsed),
	)
}

// run invokes the task, converting a panic into an error.
func (s *Scheduler) run(ctx context.Context, e *Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: panic in %s: %v", e.Name, r)
		}
	}()
	return e.task(ctx)
}
