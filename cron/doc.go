// Package cron runs broker maintenance tasks on cron schedules.
//
// Schedules use the standard 5-field syntax or descriptors such as
// "@every 30s" (github.com/robfig/cron/v3). The [Scheduler] evaluates due
// entries on every tick and runs each task synchronously, so a slow task
// delays the next tick instead of overlapping with itself.
//
// # Entry
//
// An [Entry] pairs a name and schedule with a [Task]:
//   - Schedule: cron expression (e.g., "*/5 * * * *")
//   - Task: the function to run when the entry is due
//   - Enabled: whether the entry fires
//   - LastRunAt / NextRunAt: maintained by the scheduler
//
// # Built-in tasks
//
//	sched.Register("stats-report", "@every 1m", cron.StatsReport(eng, broker, logger))
//	sched.Register("idle-sweep", "@every 30s", cron.IdleSweep(server, 5*time.Minute, logger))
package cron
