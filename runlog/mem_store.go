package runlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memRun holds a run and the units recorded against it, in insertion order.
type memRun struct {
	record RunRecord
	units  []UnitRecord
}

// MemoryStore keeps run history in memory only (no persistence).
type MemoryStore struct {
	clock func() time.Time

	mu     sync.RWMutex
	runs   map[int64]*memRun // protected by mu
	lastID int64             // protected by mu
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		clock: o.clock,
		runs:  make(map[int64]*memRun),
	}
}

// BeginRun creates a RUNNING run and returns its id.
func (s *MemoryStore) BeginRun(ctx context.Context, invokedBy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	s.runs[s.lastID] = &memRun{
		record: RunRecord{
			ProcessID: s.lastID,
			InvokedBy: invokedBy,
			StartTime: s.clock(),
			Status:    StatusRunning,
		},
	}
	return s.lastID, nil
}

// CompleteRun sets the terminal status and end time of a RUNNING run.
func (s *MemoryStore) CompleteRun(ctx context.Context, id int64, status RunStatus) error {
	if err := validateTerminal(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("completing run %d: %w", id, ErrUnknownRun)
	}
	if run.record.Status.Terminal() {
		return fmt.Errorf("completing run %d: %w", id, ErrAlreadyTerminal)
	}

	end := s.clock()
	if end.Before(run.record.StartTime) {
		end = run.record.StartTime
	}
	run.record.EndTime = &end
	run.record.Status = status
	return nil
}

// RecordUnits appends units to a RUNNING run.
func (s *MemoryStore) RecordUnits(ctx context.Context, id int64, units []UnitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("recording units for run %d: %w", id, ErrUnknownRun)
	}
	if run.record.Status.Terminal() {
		return fmt.Errorf("recording units for run %d: %w", id, ErrAlreadyTerminal)
	}

	now := s.clock()
	for _, u := range units {
		u.ProcessID = id
		if u.Timestamp.IsZero() {
			u.Timestamp = now
		}
		run.units = append(run.units, u)
	}
	return nil
}

// QueryRuns returns runs in the range, most recent first.
func (s *MemoryStore) QueryRuns(ctx context.Context, tr TimeRange, activeOnly bool, lo LimitOffset) (Page[RunRecord], error) {
	lo = lo.Normalize()
	now := s.clock()

	s.mu.RLock()
	matched := make([]RunRecord, 0)
	for _, run := range s.runs {
		if activeOnly && len(run.units) == 0 {
			continue
		}
		if !tr.Matches(run.record, now) {
			continue
		}
		matched = append(matched, s.snapshot(run))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].ProcessID > matched[j].ProcessID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	return paginate(matched, lo), nil
}

// GetRun returns the run with the given id.
func (s *MemoryStore) GetRun(ctx context.Context, id int64) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return s.snapshot(run), nil
}

// GetUnits returns the units of a run ordered by timestamp ascending.
func (s *MemoryStore) GetUnits(ctx context.Context, id int64, lo LimitOffset) (Page[UnitRecord], error) {
	lo = lo.Normalize()

	s.mu.RLock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.RUnlock()
		return Page[UnitRecord]{Items: []UnitRecord{}, Limit: lo.Limit, Offset: lo.Offset}, nil
	}
	units := make([]UnitRecord, len(run.units))
	copy(units, run.units)
	s.mu.RUnlock()

	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(units, func(i, j int) bool {
		return units[i].Timestamp.Before(units[j].Timestamp)
	})

	return paginate(units, lo), nil
}

// Prune removes terminal runs that ended before the cutoff.
func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, run := range s.runs {
		if run.record.EndTime == nil || !run.record.EndTime.Before(before) {
			continue
		}
		delete(s.runs, id)
		removed++
	}
	return removed, nil
}

// snapshot copies the run record so callers never share the stored end time.
// Must be called with mu held.
func (s *MemoryStore) snapshot(run *memRun) RunRecord {
	rec := run.record
	if rec.EndTime != nil {
		end := *rec.EndTime
		rec.EndTime = &end
	}
	rec.UnitCount = len(run.units)
	return rec
}
