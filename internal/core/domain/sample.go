package domain

import (
	"math"
	"time"
)

// QuerySample is one observed execution of a monitored query. Samples are
// immutable once stored.
type QuerySample struct {
	QueryID        string    `json:"query_id"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	ErrorOccurred  bool      `json:"error_occurred"`
	RowsScanned    int64     `json:"rows_scanned"`
	RowsReturned   int64     `json:"rows_returned"`
	CPUPct         float64   `json:"cpu_pct"`
	MemoryMB       float64   `json:"memory_mb"`
}

// Selectivity returns rows_returned / rows_scanned clamped to [0,1]. ok is
// false when nothing was scanned.
func (s QuerySample) Selectivity() (sel float64, ok bool) {
	if s.RowsScanned <= 0 {
		return 0, false
	}
	sel = float64(s.RowsReturned) / float64(s.RowsScanned)
	return math.Min(math.Max(sel, 0), 1), true
}

// ValidateSample checks a sample before it is stored. skew is how far into the
// future (relative to now) a timestamp may be.
func ValidateSample(s QuerySample, now time.Time, skew time.Duration) error {
	if s.QueryID == "" {
		return invalid(ErrInvalidSample, "query_id", "must not be empty")
	}
	if s.Timestamp.IsZero() {
		return invalid(ErrInvalidSample, "timestamp", "must be set")
	}
	if s.Timestamp.After(now.Add(skew)) {
		return invalid(ErrInvalidSample, "timestamp", "%s is in the future (now %s)", s.Timestamp.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if math.IsNaN(s.ResponseTimeMS) || s.ResponseTimeMS < 0 {
		return invalid(ErrInvalidSample, "response_time_ms", "must be >= 0, got %v", s.ResponseTimeMS)
	}
	if s.RowsScanned < 0 || s.RowsReturned < 0 {
		return invalid(ErrInvalidSample, "rows", "row counts must be >= 0")
	}
	if s.CPUPct < 0 || s.MemoryMB < 0 {
		return invalid(ErrInvalidSample, "resources", "cpu_pct and memory_mb must be >= 0")
	}
	return nil
}

// TimeRange is the half-open interval [From, To). A zero To means unbounded.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
