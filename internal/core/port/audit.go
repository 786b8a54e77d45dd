package port

import "context"

// Audit entry kinds.
const (
	AuditEventOpened       = "event_opened"
	AuditEventEscalated    = "event_escalated"
	AuditEventAcknowledged = "event_acknowledged"
	AuditEventResolved     = "event_resolved"
	AuditRecommendations   = "recommendations"
	AuditDispatchFailed    = "dispatch_failed"
)

// AuditEntry represents a single auditable engine event.
type AuditEntry struct {
	Kind    string
	QueryID string
	EventID string
	Payload any
	Err     error
}

// Auditor records engine audit events. Recording is best-effort.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}

// NoopAuditor discards all audit entries.
type NoopAuditor struct{}

func (NoopAuditor) Record(context.Context, AuditEntry) {}
func (NoopAuditor) Close() error                       { return nil }
