// Package schedule runs the periodic sweeps (bus retries, DLQ, saga
// heartbeat) on a shared cron scheduler.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is a periodic job. It receives the runner context, which is
// cancelled by Stop.
type Task func(ctx context.Context)

// Runner owns one cron scheduler. Overlapping runs of the same task are
// skipped and panics are recovered and logged.
type Runner struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped runner.
func New(logger zerolog.Logger) *Runner {
	l := logger.With().Str("component", "schedule").Logger()
	cl := cronLogger{l: l}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger: l,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers task to run at a fixed interval.
func (r *Runner) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("schedule: %s: interval must be positive, got %s", name, interval)
	}
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		start := time.Now()
		task(r.ctx)
		r.logger.Trace().Str("task", name).Dur("took", time.Since(start)).Msg("schedule: task ran")
	})
	if err != nil {
		return fmt.Errorf("schedule: register %s: %w", name, err)
	}
	r.logger.Debug().Str("task", name).Dur("interval", interval).Msg("schedule: task registered")
	return nil
}

// Len returns the number of registered tasks.
func (r *Runner) Len() int { return len(r.cron.Entries()) }

func (r *Runner) Start() { r.cron.Start() }

// Stop cancels the task context and waits for running tasks until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("schedule: stop: %w", ctx.Err())
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
