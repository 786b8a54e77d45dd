package domain

import "time"

// Notification is the payload delivered to alert channels.
type Notification struct {
	EventID       string     `json:"event_id"`
	QueryID       string     `json:"query_id"`
	Severity      Severity   `json:"severity"`
	CurrentMS     float64    `json:"current_ms"`
	BaselineMS    float64    `json:"baseline_ms"`
	RegressionPct float64    `json:"regression_pct"`
	RootCause     *RootCause `json:"root_cause,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NotificationFor builds the payload for the event's current severity.
func NotificationFor(ev RegressionEvent, at time.Time) Notification {
	ev = ev.Clone()
	return Notification{
		EventID:       ev.ID,
		QueryID:       ev.QueryID,
		Severity:      ev.Severity,
		CurrentMS:     ev.CurrentMS,
		BaselineMS:    ev.BaselineMS,
		RegressionPct: ev.RegressionPct,
		RootCause:     ev.RootCause,
		CreatedAt:     at,
	}
}
