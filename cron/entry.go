package cron

import (
	"context"
	"time"
)

// Task is the work an entry runs when it is due.
type Task func(ctx context.Context) error

// Entry is a scheduled task.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
	Enabled   bool       `json:"enabled"`

	task Task
}
