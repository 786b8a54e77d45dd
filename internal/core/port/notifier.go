package port

import (
	"context"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// Notifier delivers a batch of notifications to one channel. A returned error
// makes the dispatcher retry the whole batch.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, batch []domain.Notification) error
}
