package port

import (
	"context"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// EventArchive stores Resolved regression events. Archived events are never
// modified.
type EventArchive interface {
	Archive(ctx context.Context, ev domain.RegressionEvent) error
	// List returns archived events ordered by opened_at, then id.
	List(ctx context.Context) ([]domain.RegressionEvent, error)
}
