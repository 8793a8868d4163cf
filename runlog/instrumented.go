package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/runledger/metrics"
)

// InstrumentedStore wraps a Store and records operation counts and outcomes.
type InstrumentedStore struct {
	Store

	operations metrics.CounterVec
	completed  metrics.CounterVec
	units      metrics.Counter
	lastPruned metrics.Gauge
}

// NewInstrumentedStore registers the store metrics with reg and returns a
// Store that updates them on every call.
func NewInstrumentedStore(store Store, reg metrics.Registry) (*InstrumentedStore, error) {
	operations, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "store_operations_total",
		Help: "Run history store operations by operation and result.",
	}, []string{"op", "result"})
	if err != nil {
		return nil, err
	}

	completed, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "runs_completed_total",
		Help: "Runs moved to a terminal status, by status.",
	}, []string{"status"})
	if err != nil {
		return nil, err
	}

	units, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "units_recorded_total",
		Help: "Units committed to the run history store.",
	})
	if err != nil {
		return nil, err
	}

	lastPruned, err := reg.NewGauge(prometheus.GaugeOpts{
		Name: "runs_pruned_last",
		Help: "Number of runs removed by the most recent prune.",
	})
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		Store:      store,
		operations: operations,
		completed:  completed,
		units:      units,
		lastPruned: lastPruned,
	}, nil
}

// observe counts one call of op. A missing run on a read is an expected
// outcome and is counted as not_found rather than error.
func (s *InstrumentedStore) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	s.operations.With(prometheus.Labels{"op": op, "result": result}).Inc()
}

// BeginRun implements Store.
func (s *InstrumentedStore) BeginRun(ctx context.Context, invokedBy string) (int64, error) {
	id, err := s.Store.BeginRun(ctx, invokedBy)
	s.observe("begin_run", err)
	return id, err
}

// CompleteRun implements Store.
func (s *InstrumentedStore) CompleteRun(ctx context.Context, id int64, status RunStatus) error {
	err := s.Store.CompleteRun(ctx, id, status)
	s.observe("complete_run", err)
	if err == nil {
		s.completed.With(prometheus.Labels{"status": status.String()}).Inc()
	}
	return err
}

// RecordUnits implements Store.
func (s *InstrumentedStore) RecordUnits(ctx context.Context, id int64, units []UnitRecord) error {
	err := s.Store.RecordUnits(ctx, id, units)
	s.observe("record_units", err)
	if err == nil {
		s.units.Add(float64(len(units)))
	}
	return err
}

// QueryRuns implements Store.
func (s *InstrumentedStore) QueryRuns(ctx context.Context, tr TimeRange, activeOnly bool, lo LimitOffset) (Page[RunRecord], error) {
	page, err := s.Store.QueryRuns(ctx, tr, activeOnly, lo)
	s.observe("query_runs", err)
	return page, err
}

// GetRun implements Store.
func (s *InstrumentedStore) GetRun(ctx context.Context, id int64) (RunRecord, error) {
	run, err := s.Store.GetRun(ctx, id)
	s.observe("get_run", err)
	return run, err
}

// GetUnits implements Store.
func (s *InstrumentedStore) GetUnits(ctx context.Context, id int64, lo LimitOffset) (Page[UnitRecord], error) {
	page, err := s.Store.GetUnits(ctx, id, lo)
	s.observe("get_units", err)
	return page, err
}

// Prune implements Store.
func (s *InstrumentedStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := s.Store.Prune(ctx, before)
	s.observe("prune", err)
	if err != nil {
		return n, fmt.Errorf("pruning runs before %s: %w", before.Format(time.RFC3339), err)
	}
	s.lastPruned.Set(float64(n))
	return n, nil
}
