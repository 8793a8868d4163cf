package runlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus int

const (
	// StatusRunning indicates the run has started and not yet completed.
	StatusRunning RunStatus = iota
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted
	// StatusFailed indicates the run finished with an error.
	StatusFailed
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseRunStatus converts the string form produced by String back to a RunStatus.
func ParseRunStatus(v string) (RunStatus, error) {
	switch v {
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseRunStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RunRecord describes one execution of the ingestion pipeline.
type RunRecord struct {
	// ProcessID uniquely identifies the run. Assigned monotonically at BeginRun.
	ProcessID int64 `json:"processId"`
	// InvokedBy names whoever started the run. May be empty.
	InvokedBy string `json:"invokedBy,omitempty"`
	// StartTime is when the run began.
	StartTime time.Time `json:"startDateTime"`
	// EndTime is when the run reached a terminal status. Nil while running.
	EndTime *time.Time `json:"endDateTime"`
	// Status is the lifecycle state of the run.
	Status RunStatus `json:"status"`
	// UnitCount is the number of units recorded against the run when it was read.
	UnitCount int `json:"unitCount"`
}

// Running reports whether the run has not yet reached a terminal status.
func (r RunRecord) Running() bool {
	return r.Status == StatusRunning
}

// endOr returns the run's end time, or now if it is still running.
func (r RunRecord) endOr(now time.Time) time.Time {
	if r.EndTime == nil {
		return now
	}
	return *r.EndTime
}

// Outcome is the result of processing a single unit.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Succeeded returns a successful Outcome.
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Failed returns a failed Outcome carrying msg.
func Failed(msg string) Outcome {
	return Outcome{Success: false, Message: msg}
}

// UnitRecord is one work item processed within a run.
type UnitRecord struct {
	// ProcessID references the owning run. Lookup only.
	ProcessID int64 `json:"processId"`
	// UnitKey identifies the work item, e.g. a source file name.
	UnitKey string `json:"unitKey"`
	// Stage names the pipeline stage that produced the unit. May be empty.
	Stage string `json:"stage,omitempty"`
	// Outcome is the result of processing the unit.
	Outcome Outcome `json:"outcome"`
	// Timestamp is when the unit was processed.
	Timestamp time.Time `json:"dateTime"`
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// NewTimeRange returns the half-open range [from, to).
func NewTimeRange(from, to time.Time) TimeRange {
	return TimeRange{From: from, To: to}
}

// Matches reports whether the run's interval [start, end) intersects the
// range, treating a running run as ending at now. A zero-length run at From
// covers nothing and does not match.
func (tr TimeRange) Matches(run RunRecord, now time.Time) bool {
	return run.StartTime.Before(tr.To) && run.endOr(now).After(tr.From)
}

// String implements fmt.Stringer.
func (tr TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", tr.From.Format(time.RFC3339), tr.To.Format(time.RFC3339))
}

const (
	// DefaultLimit is used when a request does not specify a positive limit.
	DefaultLimit = 100
	// MaxLimit bounds the size of a single page.
	MaxLimit = 1000
)

// LimitOffset selects a page of results.
type LimitOffset struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Hundred is the first page of at most 100 results.
var Hundred = LimitOffset{Limit: DefaultLimit}

// Normalize returns lo with defaults applied: a non-positive limit becomes
// DefaultLimit, limits above MaxLimit are capped and negative offsets become 0.
func (lo LimitOffset) Normalize() LimitOffset {
	if lo.Limit <= 0 {
		lo.Limit = DefaultLimit
	}
	if lo.Limit > MaxLimit {
		lo.Limit = MaxLimit
	}
	if lo.Offset < 0 {
		lo.Offset = 0
	}
	return lo
}

// Page is one page of a larger result set.
type Page[T any] struct {
	// Items holds the results on this page.
	Items []T `json:"items"`
	// Total is the size of the full result set, independent of the page.
	Total int `json:"total"`
	// Limit and Offset echo the (normalized) page request.
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// paginate slices items according to lo, which must already be normalized.
func paginate[T any](items []T, lo LimitOffset) Page[T] {
	page := Page[T]{
		Items:  []T{},
		Total:  len(items),
		Limit:  lo.Limit,
		Offset: lo.Offset,
	}
	if lo.Offset >= len(items) {
		return page
	}
	end := lo.Offset + lo.Limit
	if end > len(items) {
		end = len(items)
	}
	page.Items = append(page.Items, items[lo.Offset:end]...)
	return page
}
