// Package cron schedules background maintenance for the run history store.
//
// A Trigger wraps a Runnable and executes it according to a cron schedule.
// It is started once and runs until the context is cancelled.
//
// Example usage:
//
//	job := cron.NewRetentionJob(store, 30*24*time.Hour, logger)
//	trigger, err := cron.NewTrigger("0 3 * * *", job, logger)
//	if err != nil {
//	    return err
//	}
//	trigger.Start(ctx)  // Returns immediately, runs in background
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Runnable is implemented by anything that can be triggered by the scheduler.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// Trigger executes a Runnable according to a cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	runnable Runnable
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	done chan struct{}
	once sync.Once
}

// NewTrigger creates a Trigger for the given cron specification.
// The spec follows standard cron format (5 fields: minute, hour, day, month, weekday).
// Returns ErrInvalidCronSpec if the specification cannot be parsed.
func NewTrigger(spec string, runnable Runnable, logger *slog.Logger) (*Trigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}

	return &Trigger{
		spec:     spec,
		schedule: schedule,
		runnable: runnable,
		logger:   logger.With("job", runnable.Name(), "schedule", spec),
		now:      time.Now,
		after:    time.After,
		done:     make(chan struct{}),
	}, nil
}

// Start launches a goroutine that runs the job according to the schedule.
// Returns immediately. The goroutine exits when ctx is cancelled; Done is
// closed once it has.
func (t *Trigger) Start(ctx context.Context) {
	t.once.Do(func() {
		go t.loop(ctx)
	})
}

// Done is closed when the scheduling loop has exited.
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// NextRun returns the next scheduled run time from now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(t.now())
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)
	for {
		nextRun := t.schedule.Next(t.now())
		wait := nextRun.Sub(t.now())

		t.logger.Debug("waiting for next scheduled run",
			"next_run", nextRun,
			"wait_duration", wait,
		)

		select {
		case <-ctx.Done():
			t.logger.Info("cron trigger shutting down")
			return
		case <-t.after(wait):
			t.execute(ctx)
		}
	}
}

func (t *Trigger) execute(ctx context.Context) {
	t.logger.Info("starting scheduled run")

	if err := t.runnable.Run(ctx); err != nil {
		t.logger.Warn("scheduled run completed with error", "error", err)
	} else {
		t.logger.Info("scheduled run completed successfully")
	}
}
