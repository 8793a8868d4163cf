package runlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source shared by a store and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store, clock *fakeClock)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		clock := newFakeClock()
		fn(t, NewMemoryStore(WithClock(clock.Now)), clock)
	})

	t.Run("sqlite", func(t *testing.T) {
		clock := newFakeClock()
		store, err := OpenSQLite(MemoryDSN, discardLogger(), WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store, clock)
	})
}

func unit(key string, ts time.Time) UnitRecord {
	return UnitRecord{UnitKey: key, Outcome: Succeeded(), Timestamp: ts}
}

// startRun begins a run at the clock's current time, records n units and
// optionally completes it after duration d.
func startRun(t *testing.T, store Store, clock *fakeClock, n int, d time.Duration, complete bool) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := store.BeginRun(ctx, "test")
	require.NoError(t, err)

	if n > 0 {
		units := make([]UnitRecord, n)
		for i := range units {
			units[i] = unit(fmt.Sprintf("run%d-unit%d", id, i), clock.Now().Add(time.Duration(i)*time.Millisecond))
		}
		require.NoError(t, store.RecordUnits(ctx, id, units))
	}

	if complete {
		clock.Advance(d)
		require.NoError(t, store.CompleteRun(ctx, id, StatusCompleted))
	}
	return id
}

func TestStore_RunLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		id, err := store.BeginRun(ctx, "cron")
		require.NoError(t, err)

		run, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, run.ProcessID)
		assert.Equal(t, "cron", run.InvokedBy)
		assert.Equal(t, StatusRunning, run.Status)
		assert.Nil(t, run.EndTime)
		assert.True(t, clock.Now().Equal(run.StartTime))

		base := clock.Now()
		u1 := unit("u1", base.Add(1*time.Second))
		u2 := unit("u2", base.Add(2*time.Second))
		// Recorded out of timestamp order on purpose.
		require.NoError(t, store.RecordUnits(ctx, id, []UnitRecord{u2, u1}))

		clock.Advance(time.Minute)
		require.NoError(t, store.CompleteRun(ctx, id, StatusCompleted))

		run, err = store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)
		require.NotNil(t, run.EndTime)
		assert.True(t, clock.Now().Equal(*run.EndTime))
		assert.False(t, run.EndTime.Before(run.StartTime))
		assert.Equal(t, 2, run.UnitCount)

		units, err := store.GetUnits(ctx, id, LimitOffset{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, units.Total)
		require.Len(t, units.Items, 2)
		assert.Equal(t, "u1", units.Items[0].UnitKey)
		assert.Equal(t, "u2", units.Items[1].UnitKey)
		for _, u := range units.Items {
			assert.Equal(t, id, u.ProcessID)
			assert.True(t, u.Outcome.Success)
		}
	})
}

func TestStore_IDsAreMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		var last int64
		for i := 0; i < 5; i++ {
			id, err := store.BeginRun(ctx, "")
			require.NoError(t, err)
			assert.Greater(t, id, last)
			last = id
		}
	})
}

func TestStore_CompleteRunErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		err := store.CompleteRun(ctx, 999, StatusFailed)
		assert.ErrorIs(t, err, ErrUnknownRun)

		id, err := store.BeginRun(ctx, "")
		require.NoError(t, err)

		err = store.CompleteRun(ctx, id, StatusRunning)
		assert.ErrorIs(t, err, ErrInvalidStatus)

		require.NoError(t, store.CompleteRun(ctx, id, StatusCompleted))

		err = store.CompleteRun(ctx, id, StatusCompleted)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		err = store.CompleteRun(ctx, id, StatusFailed)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)

		run, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status, "rejected completion must not change the status")
	})
}

func TestStore_RecordUnitsErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		err := store.RecordUnits(ctx, 999, []UnitRecord{unit("x", clock.Now())})
		assert.ErrorIs(t, err, ErrUnknownRun)

		id, err := store.BeginRun(ctx, "")
		require.NoError(t, err)
		require.NoError(t, store.RecordUnits(ctx, id, nil))
		require.NoError(t, store.CompleteRun(ctx, id, StatusFailed))

		err = store.RecordUnits(ctx, id, []UnitRecord{unit("late", clock.Now())})
		assert.ErrorIs(t, err, ErrAlreadyTerminal)

		units, err := store.GetUnits(ctx, id, Hundred)
		require.NoError(t, err)
		assert.Equal(t, 0, units.Total)
		assert.Empty(t, units.Items)
	})
}

func TestStore_RecordUnitsStampsMissingTimestamp(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		id, err := store.BeginRun(ctx, "")
		require.NoError(t, err)

		now := clock.Advance(time.Second)
		require.NoError(t, store.RecordUnits(ctx, id, []UnitRecord{{UnitKey: "k", Stage: "parse", Outcome: Failed("bad header")}}))

		units, err := store.GetUnits(ctx, id, Hundred)
		require.NoError(t, err)
		require.Len(t, units.Items, 1)
		u := units.Items[0]
		assert.True(t, now.Equal(u.Timestamp))
		assert.Equal(t, "parse", u.Stage)
		assert.False(t, u.Outcome.Success)
		assert.Equal(t, "bad header", u.Outcome.Message)
	})
}

func TestStore_GetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		_, err := store.GetRun(ctx, 12345)
		assert.ErrorIs(t, err, ErrNotFound)

		id := startRun(t, store, clock, 3, time.Minute, true)

		first, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		second, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestStore_QueryRunsActiveOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		from := clock.Now()

		active := startRun(t, store, clock, 2, time.Minute, true)
		clock.Advance(time.Minute)
		idle := startRun(t, store, clock, 0, time.Minute, true)
		clock.Advance(time.Minute)
		runningIdle := startRun(t, store, clock, 0, 0, false)

		tr := NewTimeRange(from, clock.Advance(time.Hour))

		page, err := store.QueryRuns(ctx, tr, true, Hundred)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Items, 1)
		assert.Equal(t, active, page.Items[0].ProcessID)
		for _, run := range page.Items {
			assert.Greater(t, run.UnitCount, 0)
		}

		page, err = store.QueryRuns(ctx, tr, false, Hundred)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		ids := make([]int64, 0, len(page.Items))
		for _, run := range page.Items {
			ids = append(ids, run.ProcessID)
		}
		assert.Equal(t, []int64{runningIdle, idle, active}, ids, "most recent first")
	})
}

func TestStore_QueryRunsRange(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		t0 := clock.Now()

		// [t0, t0+10m) ends before the window.
		before := startRun(t, store, clock, 1, 10*time.Minute, true)
		clock.Advance(5 * time.Minute)

		// [t0+15m, t0+45m) straddles the window start.
		straddle := startRun(t, store, clock, 1, 30*time.Minute, true)

		// [t0+45m, t0+45m) instantaneous, inside the window.
		instant := startRun(t, store, clock, 1, 0, true)
		clock.Advance(5 * time.Minute)

		// Starts at t0+50m and is still running.
		running := startRun(t, store, clock, 1, 0, false)
		clock.Advance(10 * time.Minute)

		// Starts exactly at the window end, t0+60m.
		atEnd := startRun(t, store, clock, 1, time.Minute, true)

		tr := NewTimeRange(t0.Add(20*time.Minute), t0.Add(60*time.Minute))
		page, err := store.QueryRuns(ctx, tr, false, Hundred)
		require.NoError(t, err)

		ids := make(map[int64]bool)
		for _, run := range page.Items {
			ids[run.ProcessID] = true
		}
		assert.False(t, ids[before], "run that ended before the window")
		assert.True(t, ids[straddle], "run that straddles the window start")
		assert.True(t, ids[instant], "instantaneous run inside the window")
		assert.True(t, ids[running], "running run inside the window")
		assert.False(t, ids[atEnd], "run starting at the exclusive end")
		assert.Equal(t, 3, page.Total)

		// A running run started long ago still overlaps a later window.
		later := NewTimeRange(clock.Now().Add(-time.Second), clock.Now().Add(time.Hour))
		page, err = store.QueryRuns(ctx, later, false, Hundred)
		require.NoError(t, err)
		found := false
		for _, run := range page.Items {
			if run.ProcessID == running {
				found = true
				assert.Equal(t, StatusRunning, run.Status)
				assert.Nil(t, run.EndTime)
			}
		}
		assert.True(t, found)
	})
}

func TestStore_QueryRunsRangeBoundaries(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		// Ends exactly at the window start.
		endsAtFrom := startRun(t, store, clock, 1, time.Minute, true)
		from := clock.Now()

		// Zero-length run at the window start.
		instantAtFrom := startRun(t, store, clock, 1, 0, true)

		// Zero-length run one second into the window.
		clock.Advance(time.Second)
		instantInside := startRun(t, store, clock, 1, 0, true)

		page, err := store.QueryRuns(ctx, NewTimeRange(from, from.Add(time.Hour)), false, Hundred)
		require.NoError(t, err)

		ids := make([]int64, 0, len(page.Items))
		for _, run := range page.Items {
			ids = append(ids, run.ProcessID)
		}
		assert.NotContains(t, ids, endsAtFrom)
		assert.NotContains(t, ids, instantAtFrom)
		assert.Equal(t, []int64{instantInside}, ids)
		assert.Equal(t, 1, page.Total)
	})
}

func TestStore_QueryRunsPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		from := clock.Now()

		const runs = 23
		for i := 0; i < runs; i++ {
			startRun(t, store, clock, 1+i%3, time.Second, i%4 != 0)
			clock.Advance(time.Minute)
		}
		tr := NewTimeRange(from, clock.Now())

		full, err := store.QueryRuns(ctx, tr, false, LimitOffset{Limit: MaxLimit})
		require.NoError(t, err)
		require.Len(t, full.Items, runs)

		for _, limit := range []int{1, 5, 7, 23, 50} {
			t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
				var collected []RunRecord
				for offset := 0; ; offset += limit {
					page, err := store.QueryRuns(ctx, tr, false, LimitOffset{Limit: limit, Offset: offset})
					require.NoError(t, err)
					assert.Equal(t, runs, page.Total)
					assert.Equal(t, limit, page.Limit)
					assert.Equal(t, offset, page.Offset)
					if len(page.Items) == 0 {
						break
					}
					assert.LessOrEqual(t, len(page.Items), limit)
					collected = append(collected, page.Items...)
				}
				assert.Equal(t, full.Items, collected)
			})
		}
	})
}

func TestStore_GetUnitsPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()
		id := startRun(t, store, clock, 12, time.Minute, true)

		page, err := store.GetUnits(ctx, id, LimitOffset{Limit: 5, Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 12, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, fmt.Sprintf("run%d-unit10", id), page.Items[0].UnitKey)

		page, err = store.GetUnits(ctx, id, LimitOffset{Limit: 5, Offset: 50})
		require.NoError(t, err)
		assert.Equal(t, 12, page.Total)
		assert.Empty(t, page.Items)

		page, err = store.GetUnits(ctx, 4242, Hundred)
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)
	})
}

func TestStore_Prune(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		old := startRun(t, store, clock, 2, time.Minute, true)
		running := startRun(t, store, clock, 1, 0, false)
		clock.Advance(24 * time.Hour)
		recent := startRun(t, store, clock, 1, time.Minute, true)

		removed, err := store.Prune(ctx, clock.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.GetRun(ctx, old)
		assert.ErrorIs(t, err, ErrNotFound)
		units, err := store.GetUnits(ctx, old, Hundred)
		require.NoError(t, err)
		assert.Equal(t, 0, units.Total)

		_, err = store.GetRun(ctx, running)
		assert.NoError(t, err, "running runs are never pruned")
		_, err = store.GetRun(ctx, recent)
		assert.NoError(t, err)
	})
}

func TestStore_ConcurrentWriters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *fakeClock) {
		ctx := context.Background()

		const (
			runs    = 8
			batches = 10
			perRun  = 5
		)

		ids := make([]int64, runs)
		for i := range ids {
			id, err := store.BeginRun(ctx, "")
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			id := id
			wg.Add(2)
			go func() {
				defer wg.Done()
				for b := 0; b < batches; b++ {
					units := make([]UnitRecord, perRun)
					for i := range units {
						units[i] = unit(fmt.Sprintf("%d-%d-%d", id, b, i), time.Time{})
					}
					if err := store.RecordUnits(ctx, id, units); err != nil {
						assert.ErrorIs(t, err, ErrAlreadyTerminal)
						return
					}
				}
			}()
			go func() {
				defer wg.Done()
				run, err := store.GetRun(ctx, id)
				if assert.NoError(t, err) {
					assert.Equal(t, run.Status == StatusRunning, run.EndTime == nil)
				}
				assert.NoError(t, store.CompleteRun(ctx, id, StatusCompleted))
			}()
		}
		wg.Wait()

		for _, id := range ids {
			run, err := store.GetRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, run.Status)
			require.NotNil(t, run.EndTime)
			// Batches are all-or-nothing.
			assert.Zero(t, run.UnitCount%perRun)
		}
	})
}
