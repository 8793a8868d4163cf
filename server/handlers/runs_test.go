package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
)

const runsPath = "/api/3/admin/process/runs"

var queryNow = time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)

type seededRuns struct {
	withUnits, empty, running int64
}

// seedStore creates three runs on consecutive days: one completed with two
// units, one completed without units and one still running with three units.
func seedStore(t *testing.T) (*runlog.MemoryStore, seededRuns) {
	t.Helper()
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	store := runlog.NewMemoryStore(runlog.WithClock(func() time.Time { return now }))

	units := func(id int64, n int) {
		batch := make([]runlog.UnitRecord, n)
		for i := range batch {
			batch[i] = runlog.UnitRecord{
				UnitKey:   fmt.Sprintf("file-%d", i),
				Outcome:   runlog.Succeeded(),
				Timestamp: now.Add(time.Duration(i) * time.Second),
			}
		}
		require.NoError(t, store.RecordUnits(ctx, id, batch))
	}

	var seeded seededRuns
	var err error

	seeded.withUnits, err = store.BeginRun(ctx, "cron")
	require.NoError(t, err)
	units(seeded.withUnits, 2)
	now = now.Add(time.Minute)
	require.NoError(t, store.CompleteRun(ctx, seeded.withUnits, runlog.StatusCompleted))

	now = time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	seeded.empty, err = store.BeginRun(ctx, "cron")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	require.NoError(t, store.CompleteRun(ctx, seeded.empty, runlog.StatusFailed))

	now = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	seeded.running, err = store.BeginRun(ctx, "manual")
	require.NoError(t, err)
	units(seeded.running, 3)

	return store, seeded
}

func newRunsRouter(querier RunQuerier) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRunsHandler(logger, querier, WithLocation(time.UTC))
	r := chi.NewRouter()
	r.Mount(runsPath, h.Routes())
	return r
}

func newTestEngine(store runlog.Store) *query.Engine {
	return query.NewEngine(store, query.WithClock(func() time.Time { return queryNow }))
}

type listBody struct {
	Success      bool   `json:"success"`
	ResponseType string `json:"responseType"`
	Total        int    `json:"total"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
	Result       struct {
		Items []map[string]any `json:"items"`
		Size  int              `json:"size"`
	} `json:"result"`
}

func (b listBody) ids() []int64 {
	ids := make([]int64, 0, len(b.Result.Items))
	for _, item := range b.Result.Items {
		ids = append(ids, int64(item["processId"].(float64)))
	}
	return ids
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestRunsHandler_List(t *testing.T) {
	store, runs := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	tests := []struct {
		name   string
		target string
		want   []int64
	}{
		{name: "recent active", target: runsPath, want: []int64{runs.running, runs.withUnits}},
		{name: "recent full", target: runsPath + "?full=true", want: []int64{runs.running, runs.empty, runs.withUnits}},
		{name: "from date", target: runsPath + "/2024-06-02?full=true", want: []int64{runs.running, runs.empty}},
		{name: "from date active", target: runsPath + "/2024-06-02", want: []int64{runs.running}},
		{name: "from date-time to date-time", target: runsPath + "/2024-06-01T00:00:00/2024-06-02T00:00:00?full=true", want: []int64{runs.withUnits}},
		{name: "rfc3339 bounds", target: runsPath + "/2024-06-02T09:00:30Z/2024-06-03T00:00:00Z?full=true", want: []int64{runs.empty}},
		{name: "empty range", target: runsPath + "/2024-05-01/2024-05-02?full=true", want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, router, tt.target)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			body := decode[listBody](t, w)
			assert.True(t, body.Success)
			assert.Equal(t, "process-run list", body.ResponseType)
			assert.Equal(t, len(tt.want), body.Total)
			assert.Equal(t, len(tt.want), body.Result.Size)
			assert.Equal(t, 100, body.Limit)
			assert.Equal(t, 0, body.Offset)
			assert.Equal(t, tt.want, body.ids())
		})
	}
}

func TestRunsHandler_ListSummaryShape(t *testing.T) {
	store, runs := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	body := decode[listBody](t, get(t, router, runsPath+"?full=true"))
	require.Len(t, body.Result.Items, 3)

	running := body.Result.Items[0]
	assert.Equal(t, float64(runs.running), running["processId"])
	assert.Equal(t, "RUNNING", running["status"])
	assert.Equal(t, "manual", running["invokedBy"])
	assert.Nil(t, running["endDateTime"])
	assert.NotContains(t, running, "units")

	failed := body.Result.Items[1]
	assert.Equal(t, "FAILED", failed["status"])
	assert.NotNil(t, failed["endDateTime"])
	assert.Equal(t, float64(0), failed["unitCount"])
}

func TestRunsHandler_ListDetail(t *testing.T) {
	store, runs := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	body := decode[listBody](t, get(t, router, runsPath+"?detail=true"))
	require.Equal(t, []int64{runs.running, runs.withUnits}, body.ids())

	units, ok := body.Result.Items[0]["units"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), units["total"])
	assert.Len(t, units["items"], 3)
}

func TestRunsHandler_ListPagination(t *testing.T) {
	store, runs := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	body := decode[listBody](t, get(t, router, runsPath+"?full=1&limit=2&offset=2"))
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, 2, body.Offset)
	assert.Equal(t, 1, body.Result.Size)
	assert.Equal(t, []int64{runs.withUnits}, body.ids())
}

func TestRunsHandler_InvalidParams(t *testing.T) {
	store, _ := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	tests := []struct {
		name   string
		target string
	}{
		{name: "non-numeric limit", target: runsPath + "?limit=ten"},
		{name: "zero limit", target: runsPath + "?limit=0"},
		{name: "negative offset", target: runsPath + "?offset=-1"},
		{name: "bad full", target: runsPath + "?full=maybe"},
		{name: "bad detail", target: runsPath + "?detail=yes"},
		{name: "bad from", target: runsPath + "/last-tuesday"},
		{name: "bad to", target: runsPath + "/2024-06-01/soon"},
		{name: "from after to", target: runsPath + "/2024-06-03/2024-06-01"},
		{name: "bad unit limit", target: runsPath + "/1?limit=-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, router, tt.target)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			body := decode[ErrorResponse](t, w)
			assert.False(t, body.Success)
			assert.Equal(t, CodeInvalidParam, body.ErrorCode)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestRunsHandler_GetRun(t *testing.T) {
	store, runs := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	w := get(t, router, fmt.Sprintf("%s/%d?limit=2&offset=1", runsPath, runs.running))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Success      bool   `json:"success"`
		ResponseType string `json:"responseType"`
		Result       struct {
			ProcessID int64  `json:"processId"`
			Status    string `json:"status"`
			Units     struct {
				Items []struct {
					UnitKey string `json:"unitKey"`
				} `json:"items"`
				Total  int `json:"total"`
				Limit  int `json:"limit"`
				Offset int `json:"offset"`
			} `json:"units"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.True(t, body.Success)
	assert.Equal(t, "process-run-detail", body.ResponseType)
	assert.Equal(t, runs.running, body.Result.ProcessID)
	assert.Equal(t, "RUNNING", body.Result.Status)
	assert.Equal(t, 3, body.Result.Units.Total)
	assert.Equal(t, 2, body.Result.Units.Limit)
	assert.Equal(t, 1, body.Result.Units.Offset)
	require.Len(t, body.Result.Units.Items, 2)
	assert.Equal(t, "file-1", body.Result.Units.Items[0].UnitKey)
}

func TestRunsHandler_GetRunNotFound(t *testing.T) {
	store, _ := seedStore(t)
	router := newRunsRouter(newTestEngine(store))

	w := get(t, router, runsPath+"/999")
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := decode[ErrorResponse](t, w)
	assert.False(t, body.Success)
	assert.Equal(t, CodeProcessRunNotFound, body.ErrorCode)
}

// brokenStore fails every read.
type brokenStore struct {
	runlog.Store
}

func (brokenStore) QueryRuns(context.Context, runlog.TimeRange, bool, runlog.LimitOffset) (runlog.Page[runlog.RunRecord], error) {
	return runlog.Page[runlog.RunRecord]{}, errors.New("database is locked")
}

func (brokenStore) GetRun(context.Context, int64) (runlog.RunRecord, error) {
	return runlog.RunRecord{}, errors.New("database is locked")
}

func TestRunsHandler_StoreErrors(t *testing.T) {
	router := newRunsRouter(newTestEngine(brokenStore{runlog.NewMemoryStore()}))

	for _, target := range []string{runsPath, runsPath + "/7"} {
		t.Run(target, func(t *testing.T) {
			w := get(t, router, target)
			assert.Equal(t, http.StatusInternalServerError, w.Code)

			body := decode[ErrorResponse](t, w)
			assert.Equal(t, CodeInternal, body.ErrorCode)
			assert.NotContains(t, body.Message, "locked")
		})
	}
}
