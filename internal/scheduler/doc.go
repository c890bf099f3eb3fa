// Package scheduler provides in-process background job scheduling with
// interval and cron triggers and cross-instance run deduplication.
//
// Features:
//   - Cron-style scheduling using github.com/robfig/cron/v3 (six-field
//     expressions, evaluated in UTC)
//   - Interval jobs with an optional anchored first fire (StartAt)
//   - Single scheduling goroutine: fires are planned from the minimum
//     next-fire time, registry mutations wake the loop early
//   - At-most-one running instance per distributed job, enforced with a
//     TTL lock in a shared store (Redis in production, in-memory for a
//     single process)
//   - Per-job run policies: coalescing of missed fires, misfire grace,
//     max concurrent instances
//   - Capacity overflows and misfires are skipped and reported as events,
//     never queued
//   - Lifecycle state machine Uninitialized -> Initialized -> Running ->
//     Stopped; Stopped is terminal
//   - Graceful shutdown with a drain deadline (Stop)
//   - Error handling and panic recovery in handlers and listeners
//   - Run events fan out to listeners (history recording, alerting)
//   - Structured logging with slog integration
//
// Basic usage:
//
//	core := scheduler.New(scheduler.Config{
//		Logger: logger,
//		Store:  redisClient,
//	})
//
//	if err := core.Init(ctx); err != nil {
//		return err
//	}
//
//	err := core.AddIntervalJob("cache-warmup",
//		scheduler.IntervalSpec{Minutes: 5},
//		func(ctx context.Context) error {
//			// Your periodic task here
//			return nil
//		},
//		scheduler.JobConfig{Distributed: true})
//
//	err = core.AddCronJob("nightly-report",
//		scheduler.CronSpec{Second: "0", Minute: "0", Hour: "3"},
//		report.Run,
//		scheduler.JobConfig{})
//
//	core.Start()
//	defer core.Stop(context.Background())
//
//	// Control jobs at runtime
//	core.PauseJob("cache-warmup")
//	core.ResumeJob("cache-warmup")
//	core.RemoveJob("nightly-report")
//
// Run policies:
//   - Coalesce: collapse a backlog of missed fires into one catch-up run
//     (default); without it a fire outside the misfire grace is skipped
//   - MaxInstances: cap on concurrent runs of one job within this
//     process, overflow ticks are skipped
//   - MisfireGrace: how late a fire may start and still count as on time
//
// The scheduler ensures that:
//   - A distributed job runs on at most one instance at a time
//   - A lock can only be released by the token that acquired it; an
//     expired lock is reacquirable without any repair step
//   - Next-fire times move strictly forward for a registered job
//   - Skips are observable events, not errors
//   - Panics in handlers and listeners are recovered and logged
//   - Stop waits for in-flight runs up to the drain deadline, then
//     cancels their contexts and reports the forced termination
package scheduler
