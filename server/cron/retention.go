package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/runledger/runlog"
)

// RetentionJob prunes completed runs older than a maximum age.
type RetentionJob struct {
	store  runlog.Store
	maxAge time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// NewRetentionJob creates a RetentionJob. A maxAge of zero makes Run a no-op.
func NewRetentionJob(store runlog.Store, maxAge time.Duration, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		store:  store,
		maxAge: maxAge,
		logger: logger,
		clock:  time.Now,
	}
}

// Name implements Runnable.
func (j *RetentionJob) Name() string {
	return "retention"
}

// Run deletes every completed run that ended before now minus maxAge.
func (j *RetentionJob) Run(ctx context.Context) error {
	if j.maxAge <= 0 {
		return nil
	}
	cutoff := j.clock().Add(-j.maxAge)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.logger.Info("pruned run history", "removed", n, "cutoff", cutoff)
	return nil
}
