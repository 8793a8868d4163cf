// Package query answers run history questions on top of a runlog.Store.
//
// The Engine produces the two read shapes the reporting API serves: a page of
// run summaries, optionally expanded with the first units of each run, and a
// single run with full unit pagination.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/runledger/runlog"
)

const (
	// DefaultRecentWindow is how far back RecentRange looks.
	DefaultRecentWindow = 7 * 24 * time.Hour
	// DefaultDetailUnits is how many units ListRuns attaches to each run in detail mode.
	DefaultDetailUnits = 100
)

// RunSummary is a run without its units.
type RunSummary struct {
	runlog.RunRecord
}

// RunDetail is a run together with a page of its units.
type RunDetail struct {
	runlog.RunRecord
	Units runlog.Page[runlog.UnitRecord] `json:"units"`
}

// RunList is a page of runs in one of two shapes. When Detail is set, Details
// is populated; otherwise Summaries is.
type RunList struct {
	Detail    bool
	Summaries []RunSummary
	Details   []RunDetail
	Total     int
	Limit     int
	Offset    int
}

// Len returns the number of runs on the page regardless of shape.
func (l RunList) Len() int {
	if l.Detail {
		return len(l.Details)
	}
	return len(l.Summaries)
}

// Engine composes Store queries into summary and detail results.
type Engine struct {
	store        runlog.Store
	clock        func() time.Time
	recentWindow time.Duration
	detailUnits  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for default ranges.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithDetailUnits sets how many units are attached per run in detail mode.
func WithDetailUnits(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.detailUnits = n
		}
	}
}

// WithRecentWindow sets how far back RecentRange looks.
func WithRecentWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.recentWindow = d
		}
	}
}

// NewEngine creates an Engine reading from store.
func NewEngine(store runlog.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		clock:        time.Now,
		recentWindow: DefaultRecentWindow,
		detailUnits:  DefaultDetailUnits,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// RecentRange returns [now - window, now).
func (e *Engine) RecentRange() runlog.TimeRange {
	now := e.clock()
	return runlog.NewTimeRange(now.Add(-e.recentWindow), now)
}

// Since returns [from, now).
func (e *Engine) Since(from time.Time) runlog.TimeRange {
	return runlog.NewTimeRange(from, e.clock())
}

// ListRuns returns the runs in tr. Unless full is set, runs without any
// recorded units are left out. With detail set, each run carries its first
// units (DefaultDetailUnits unless configured otherwise).
func (e *Engine) ListRuns(ctx context.Context, tr runlog.TimeRange, full, detail bool, lo runlog.LimitOffset) (RunList, error) {
	page, err := e.store.QueryRuns(ctx, tr, !full, lo)
	if err != nil {
		return RunList{}, fmt.Errorf("querying runs in %s: %w", tr, err)
	}

	list := RunList{
		Detail: detail,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}

	if !detail {
		list.Summaries = make([]RunSummary, 0, len(page.Items))
		for _, run := range page.Items {
			list.Summaries = append(list.Summaries, RunSummary{RunRecord: run})
		}
		return list, nil
	}

	list.Details = make([]RunDetail, 0, len(page.Items))
	for _, run := range page.Items {
		units, err := e.store.GetUnits(ctx, run.ProcessID, runlog.LimitOffset{Limit: e.detailUnits})
		if err != nil {
			return RunList{}, fmt.Errorf("loading units for run %d: %w", run.ProcessID, err)
		}
		list.Details = append(list.Details, RunDetail{RunRecord: run, Units: units})
	}
	return list, nil
}

// GetRunDetail returns a single run with the requested page of its units.
// Returns an error wrapping runlog.ErrNotFound if the run does not exist.
func (e *Engine) GetRunDetail(ctx context.Context, id int64, lo runlog.LimitOffset) (RunDetail, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return RunDetail{}, fmt.Errorf("getting run %d: %w", id, err)
	}

	units, err := e.store.GetUnits(ctx, id, lo)
	if err != nil {
		return RunDetail{}, fmt.Errorf("loading units for run %d: %w", id, err)
	}
	return RunDetail{RunRecord: run, Units: units}, nil
}
