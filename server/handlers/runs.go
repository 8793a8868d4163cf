package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
)

const (
	listResponseType   = "process-run list"
	detailResponseType = "process-run-detail"
)

// RunsHandler serves the process run history:
//
//	GET /runs              runs from the recent window
//	GET /runs/{from}       runs in [from, now)
//	GET /runs/{from}/{to}  runs in [from, to)
//	GET /runs/{id}         a single run with paginated units, id is all digits
//
// The list routes accept full, detail, limit and offset query parameters.
type RunsHandler struct {
	logger       *slog.Logger
	querier      RunQuerier
	defaultLimit int
	loc          *time.Location
}

// RunsOption configures a RunsHandler.
type RunsOption func(*RunsHandler)

// WithDefaultLimit sets the page size used when a request has no limit.
func WithDefaultLimit(n int) RunsOption {
	return func(h *RunsHandler) {
		if n > 0 {
			h.defaultLimit = n
		}
	}
}

// WithLocation sets the time zone for date-times without an offset.
func WithLocation(loc *time.Location) RunsOption {
	return func(h *RunsHandler) {
		h.loc = loc
	}
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(logger *slog.Logger, querier RunQuerier, opts ...RunsOption) *RunsHandler {
	h := &RunsHandler{
		logger:       logger,
		querier:      querier,
		defaultLimit: runlog.DefaultLimit,
		loc:          time.Local,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router to be mounted at the runs base path.
func (h *RunsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleRecent)
	r.Get("/{id:[0-9]+}", h.handleRun)
	r.Get("/{from}", h.handleFrom)
	r.Get("/{from}/{to}", h.handleDuring)
	return r
}

func (h *RunsHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.querier.RecentRange())
}

func (h *RunsHandler) handleFrom(w http.ResponseWriter, r *http.Request) {
	from, err := h.parseDateTime(chi.URLParam(r, "from"), "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}
	h.list(w, r, h.querier.Since(from))
}

func (h *RunsHandler) handleDuring(w http.ResponseWriter, r *http.Request) {
	from, err := h.parseDateTime(chi.URLParam(r, "from"), "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}
	to, err := h.parseDateTime(chi.URLParam(r, "to"), "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, "'from' must not be after 'to'")
		return
	}
	h.list(w, r, runlog.NewTimeRange(from, to))
}

func (h *RunsHandler) list(w http.ResponseWriter, r *http.Request, tr runlog.TimeRange) {
	q := r.URL.Query()
	lo, err := h.limitOffset(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}
	full, err := boolParam(q, "full")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}
	detail, err := boolParam(q, "detail")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}

	runs, err := h.querier.ListRuns(r.Context(), tr, full, detail, lo)
	if err != nil {
		h.logger.Error("failed to list process runs", "range", tr.String(), "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list process runs")
		return
	}

	var items any = runs.Summaries
	if runs.Detail {
		items = runs.Details
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Success:      true,
		ResponseType: listResponseType,
		Total:        runs.Total,
		Offset:       runs.Offset,
		Limit:        runs.Limit,
		Result: ListResult{
			Items: items,
			Size:  runs.Len(),
		},
	})
}

func (h *RunsHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, "'id' must be a process id")
		return
	}
	lo, err := h.limitOffset(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidParam, err.Error())
		return
	}

	detail, err := h.querier.GetRunDetail(r.Context(), id, lo)
	switch {
	case errors.Is(err, runlog.ErrNotFound):
		h.logger.Debug("process run not found", "process_id", id)
		writeError(w, http.StatusNotFound, CodeProcessRunNotFound, fmt.Sprintf("process run %d not found", id))
		return
	case err != nil:
		h.logger.Error("failed to get process run", "process_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to get process run")
		return
	}

	writeJSON(w, http.StatusOK, ObjectResponse{
		Success:      true,
		ResponseType: detailResponseType,
		Result:       detail,
	})
}

func (h *RunsHandler) parseDateTime(s, name string) (time.Time, error) {
	t, err := query.ParseDateTime(s, h.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("'%s': %w", name, err)
	}
	return t, nil
}

func (h *RunsHandler) limitOffset(q url.Values) (runlog.LimitOffset, error) {
	lo := runlog.LimitOffset{Limit: h.defaultLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return lo, fmt.Errorf("'limit' must be a positive integer, got %q", v)
		}
		lo.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return lo, fmt.Errorf("'offset' must be a non-negative integer, got %q", v)
		}
		lo.Offset = n
	}
	return lo.Normalize(), nil
}

func boolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("'%s' must be a boolean, got %q", name, v)
	}
	return b, nil
}
