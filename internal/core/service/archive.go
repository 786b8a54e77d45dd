package service

import (
	"context"
	"sort"
	"sync"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// MemoryArchive is the in-process EventArchive used when no database is
// configured.
type MemoryArchive struct {
	mu     sync.RWMutex
	events []domain.RegressionEvent
}

func NewMemoryArchive() *MemoryArchive { return &MemoryArchive{} }

func (a *MemoryArchive) Archive(_ context.Context, ev domain.RegressionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev.Clone())
	return nil
}

func (a *MemoryArchive) List(_ context.Context) ([]domain.RegressionEvent, error) {
	a.mu.RLock()
	out := make([]domain.RegressionEvent, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Clone())
	}
	a.mu.RUnlock()
	SortEvents(out)
	return out, nil
}

// SortEvents orders events by opened_at, then id.
func SortEvents(events []domain.RegressionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OpenedAt.Equal(events[j].OpenedAt) {
			return events[i].OpenedAt.Before(events[j].OpenedAt)
		}
		return events[i].ID < events[j].ID
	})
}
