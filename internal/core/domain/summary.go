package domain

import "time"

// MonitorSummary is the dashboard overview of the engine.
type MonitorSummary struct {
	TrackedQueries     int        `json:"tracked_queries"`
	MonitoredQueries   int        `json:"monitored_queries"`
	OpenEvents         int        `json:"open_events"`
	AcknowledgedEvents int        `json:"acknowledged_events"`
	CriticalEvents     int        `json:"critical_events"`
	WarningEvents      int        `json:"warning_events"`
	ResolvedEvents     int        `json:"resolved_events"`
	Recommendations    int        `json:"recommendations"`
	HighPriority       int        `json:"high_priority_recommendations"`
	UnusedIndexes      int        `json:"unused_indexes"`
	UnderusedIndexes   int        `json:"underused_indexes"`
	ReclaimableMB      float64    `json:"reclaimable_mb"`
	LastCycleAt        *time.Time `json:"last_cycle_at,omitempty"`
}
