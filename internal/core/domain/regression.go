package domain

import (
	"fmt"
	"time"
)

// Severity of a regression. The zero value means no threshold is breached.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	case "none", "":
		return SeverityNone, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// EventStatus is the lifecycle position of a RegressionEvent.
type EventStatus string

const (
	StatusOpen         EventStatus = "open"
	StatusAcknowledged EventStatus = "acknowledged"
	StatusResolved     EventStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Active reports whether the event still counts as the query's ongoing regression.
func (s EventStatus) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged
}

// RootCause is the best correlated change for a regression.
type RootCause struct {
	Source         string    `json:"source"` // "schema_change" or "index_change"
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	AffectedTables []string  `json:"affected_tables"`
	OverlapTables  []string  `json:"overlap_tables"`
	ConfidencePct  float64   `json:"confidence_pct"`
}

// RegressionEvent records one ongoing or past deviation for a query.
type RegressionEvent struct {
	ID             string      `json:"id"`
	QueryID        string      `json:"query_id"`
	OpenedAt       time.Time   `json:"opened_at"`
	BaselineMS     float64     `json:"baseline_ms"`
	CurrentMS      float64     `json:"current_ms"`
	RegressionPct  float64     `json:"regression_pct"`
	ErrorRatePct   float64     `json:"error_rate_pct"`
	Severity       Severity    `json:"severity"`
	Status         EventStatus `json:"status"`
	RootCause      *RootCause  `json:"root_cause,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (e RegressionEvent) Clone() RegressionEvent {
	if e.RootCause != nil {
		rc := *e.RootCause
		rc.AffectedTables = append([]string(nil), rc.AffectedTables...)
		rc.OverlapTables = append([]string(nil), rc.OverlapTables...)
		e.RootCause = &rc
	}
	if e.AcknowledgedAt != nil {
		t := *e.AcknowledgedAt
		e.AcknowledgedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		e.ResolvedAt = &t
	}
	return e
}

// RegressionPct is (current - baseline) / baseline * 100. ok is false when the
// baseline is not positive.
func RegressionPct(baselineMS, currentMS float64) (pct float64, ok bool) {
	if baselineMS <= 0 {
		return 0, false
	}
	return (currentMS - baselineMS) / baselineMS * 100, true
}

// Observation is the live measurement compared against a baseline each cycle.
type Observation struct {
	CurrentMS     float64
	RegressionPct float64
	ErrorRatePct  float64
}

// EvaluateSeverity classifies an observation against the configured thresholds.
// Response thresholds are inclusive; the error rate must exceed its threshold.
func EvaluateSeverity(obs Observation, cfg MonitoringConfig) Severity {
	critErr := cfg.ErrorRateThresholdPct + cfg.ErrorRateCriticalMarginPct
	switch {
	case obs.CurrentMS >= cfg.ResponseCriticalMS,
		obs.RegressionPct >= cfg.CriticalRegressionPct,
		obs.ErrorRatePct > critErr:
		return SeverityCritical
	case obs.CurrentMS >= cfg.ResponseWarnMS,
		obs.RegressionPct >= cfg.RegressionPctThreshold,
		obs.ErrorRatePct > cfg.ErrorRateThresholdPct:
		return SeverityWarning
	}
	return SeverityNone
}

// QueryState is the classifier's view of a query, exposed for read interfaces.
type QueryState string

const (
	QueryStateUnknown          QueryState = "unknown"
	QueryStateInsufficientData QueryState = "insufficient_data"
	QueryStateNormal           QueryState = "normal"
	QueryStateOpen             QueryState = "open"
	QueryStateAcknowledged     QueryState = "acknowledged"
)

// QueryStatus is a snapshot of one query's detection state.
type QueryStatus struct {
	QueryID       string           `json:"query_id"`
	State         QueryState       `json:"state"`
	InScope       bool             `json:"in_scope"`
	Baseline      *Baseline        `json:"baseline,omitempty"`
	ActiveEvent   *RegressionEvent `json:"active_event,omitempty"`
	HealthyStreak int              `json:"healthy_streak"`
	LastEvaluated *time.Time       `json:"last_evaluated,omitempty"`
}
