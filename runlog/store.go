// Package runlog records the execution history of the ingestion pipeline.
//
// A run is opened with BeginRun, accumulates units through RecordUnits and is
// closed exactly once with CompleteRun:
//
//	RUNNING --CompleteRun(COMPLETED)--> COMPLETED
//	RUNNING --CompleteRun(FAILED)-----> FAILED
//
// Two Store implementations are provided. MemoryStore keeps history in the
// process and is used by tests and the demo pipeline. SQLiteStore persists
// history to a SQLite database and is what the server runs against.
//
// # Example
//
//	store, err := runlog.OpenSQLite("/var/lib/runledger", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	id, err := store.BeginRun(ctx, "cron")
//	...
//	err = store.RecordUnits(ctx, id, units)
//	...
//	err = store.CompleteRun(ctx, id, runlog.StatusCompleted)
package runlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownRun is returned when a write references a process id that does not exist.
	ErrUnknownRun = errors.New("unknown process run")
	// ErrAlreadyTerminal is returned when writing to a run that already completed.
	ErrAlreadyTerminal = errors.New("process run already terminal")
	// ErrNotFound is returned when a requested run does not exist.
	ErrNotFound = errors.New("process run not found")
	// ErrInvalidStatus is returned when a status is not a valid terminal status.
	ErrInvalidStatus = errors.New("invalid run status")
)

// Store persists runs and their units.
//
// Implementations must be safe for concurrent use. Writes to a single run are
// serialized: a unit batch never lands after the run is marked terminal.
type Store interface {
	// BeginRun creates a RUNNING run starting now and returns its id.
	BeginRun(ctx context.Context, invokedBy string) (int64, error)
	// CompleteRun moves a RUNNING run to a terminal status and sets its end time.
	CompleteRun(ctx context.Context, id int64, status RunStatus) error
	// RecordUnits appends units to a RUNNING run. The batch is all-or-nothing.
	RecordUnits(ctx context.Context, id int64, units []UnitRecord) error
	// QueryRuns returns runs in the range, most recent first. With activeOnly
	// set, runs without units are excluded.
	QueryRuns(ctx context.Context, tr TimeRange, activeOnly bool, lo LimitOffset) (Page[RunRecord], error)
	// GetRun returns a single run or ErrNotFound.
	GetRun(ctx context.Context, id int64) (RunRecord, error)
	// GetUnits returns the units of a run ordered by timestamp ascending.
	GetUnits(ctx context.Context, id int64, lo LimitOffset) (Page[UnitRecord], error)
	// Prune removes terminal runs that ended before the cutoff, with their
	// units, and returns how many runs were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// StoreOption configures a Store implementation.
type StoreOption func(*storeOptions)

type storeOptions struct {
	clock func() time.Time
}

func defaultStoreOptions() storeOptions {
	return storeOptions{clock: time.Now}
}

// WithClock overrides the time source used to stamp runs and units.
func WithClock(clock func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

func validateTerminal(status RunStatus) error {
	if !status.Terminal() {
		return ErrInvalidStatus
	}
	return nil
}
