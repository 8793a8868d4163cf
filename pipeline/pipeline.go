// Package pipeline runs ingestion stages and records their history.
//
// A Pipeline opens a run in the store, executes its stages with bounded
// parallelism and closes the run as COMPLETED or FAILED. Each stage execution
// owns a Batch: unit outcomes are staged in memory and committed to the store
// in one RecordUnits call, either when the stage calls Commit or when it
// returns successfully.
//
// # Example
//
//	parse := pipeline.NewStage("parse", func(ctx context.Context, b *pipeline.Batch) error {
//	    for _, f := range files {
//	        b.Stage(f.Name, runlog.Succeeded())
//	    }
//	    return nil
//	})
//
//	p := pipeline.New(store, logger, []pipeline.Stage{parse}, pipeline.WithParallelism(2))
//	id, err := p.Execute(ctx)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomis52/runledger/ingest"
	"github.com/nomis52/runledger/runlog"
)

// Stage is one step of the ingestion pipeline.
type Stage interface {
	// Name identifies the stage. It is recorded on every unit the stage stages.
	Name() string
	// Process does the stage's work, staging unit outcomes in b.
	Process(ctx context.Context, b *Batch) error
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, b *Batch) error
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Process(ctx context.Context, b *Batch) error { return s.fn(ctx, b) }

// NewStage adapts a function to the Stage interface.
func NewStage(name string, fn func(ctx context.Context, b *Batch) error) Stage {
	return funcStage{name: name, fn: fn}
}

// Pipeline executes stages and records a run for each execution.
type Pipeline struct {
	store       runlog.Store
	logger      *slog.Logger
	stages      []Stage
	parallelism int
	invokedBy   string
	clock       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParallelism sets how many stages may run at once. Defaults to 1, which
// runs stages sequentially in order.
func WithParallelism(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithInvokedBy records who started the runs of this pipeline.
func WithInvokedBy(name string) Option {
	return func(p *Pipeline) {
		p.invokedBy = name
	}
}

// WithClock overrides the time source used to stamp staged units.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// New creates a Pipeline over store.
func New(store runlog.Store, logger *slog.Logger, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		logger:      logger,
		stages:      stages,
		parallelism: 1,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs every stage once and records the run. It returns the run's
// process id and the combined error of all failed stages. The run is
// completed as FAILED if any stage or commit failed.
//
// A failing stage does not stop the others. Its uncommitted units are
// discarded.
func (p *Pipeline) Execute(ctx context.Context) (int64, error) {
	id, err := p.store.BeginRun(ctx, p.invokedBy)
	if err != nil {
		return 0, fmt.Errorf("beginning run: %w", err)
	}

	logger := p.logger.With("process_id", id)
	logger.Info("pipeline run started", "stages", len(p.stages), "parallelism", p.parallelism)
	start := p.clock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for _, stage := range p.stages {
		g.Go(func() error {
			if err := p.runStage(ctx, id, stage, logger); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stage %s: %w", stage.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	runErr := errors.Join(errs...)
	status := runlog.StatusCompleted
	if runErr != nil {
		status = runlog.StatusFailed
	}

	// The run must be closed even if ctx was cancelled mid-way.
	if err := p.store.CompleteRun(context.WithoutCancel(ctx), id, status); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("completing run: %w", err))
	}

	duration := p.clock().Sub(start)
	if runErr != nil {
		logger.Error("pipeline run failed", "error", runErr, "duration", duration)
	} else {
		logger.Info("pipeline run completed", "duration", duration)
	}
	return id, runErr
}

// runStage executes a single stage with its own Batch and commits what it staged.
func (p *Pipeline) runStage(ctx context.Context, id int64, stage Stage, logger *slog.Logger) error {
	logger = logger.With("stage", stage.Name())
	b := newBatch(id, stage.Name(), p.store, p.clock, logger)

	logger.Debug("stage started")
	if err := stage.Process(ctx, b); err != nil {
		logger.Warn("stage failed, discarding uncommitted units", "error", err, "discarded", b.Len())
		logger.Debug("discarded units", "keys", b.discard())
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return err
	}
	logger.Debug("stage finished", "committed", b.Committed())
	return nil
}

// Batch stages the unit outcomes of one stage execution before they are
// committed to the store. A Batch belongs to a single stage and is not safe
// for concurrent use.
type Batch struct {
	processID int64
	stage     string
	store     runlog.Store
	clock     func() time.Time
	logger    *slog.Logger

	buf       *ingest.Buffer[string, runlog.UnitRecord]
	committed int
}

func newBatch(id int64, stage string, store runlog.Store, clock func() time.Time, logger *slog.Logger) *Batch {
	return &Batch{
		processID: id,
		stage:     stage,
		store:     store,
		clock:     clock,
		logger:    logger,
		buf:       ingest.New[string, runlog.UnitRecord](),
	}
}

// Stage stages the outcome for key. Staging the same key again replaces the
// outcome but keeps the unit's original commit position.
func (b *Batch) Stage(key string, outcome runlog.Outcome) {
	b.buf.Set(key, runlog.UnitRecord{
		ProcessID: b.processID,
		UnitKey:   key,
		Stage:     b.stage,
		Outcome:   outcome,
		Timestamp: b.clock(),
	})
}

// Get returns the staged unit for key.
func (b *Batch) Get(key string) (runlog.UnitRecord, bool) {
	return b.buf.Get(key)
}

// Has reports whether key is staged and not yet committed.
func (b *Batch) Has(key string) bool {
	return b.buf.Has(key)
}

// Len returns the number of staged, uncommitted units.
func (b *Batch) Len() int {
	return b.buf.Len()
}

// Committed returns how many units this batch has committed so far.
func (b *Batch) Committed() int {
	return b.committed
}

// Commit writes the staged units to the store in one batch and clears them.
// On error nothing is cleared, so the caller may retry or abort the stage.
func (b *Batch) Commit(ctx context.Context) error {
	if b.buf.Len() == 0 {
		return nil
	}
	units := b.buf.Values()
	if err := b.store.RecordUnits(ctx, b.processID, units); err != nil {
		return fmt.Errorf("committing %d units: %w", len(units), err)
	}
	b.buf.Clear()
	b.committed += len(units)
	b.logger.Debug("committed units", "count", len(units))
	return nil
}

// discard drops the staged units and returns their keys.
func (b *Batch) discard() []string {
	keys := b.buf.Keys()
	b.buf.Clear()
	return keys
}
