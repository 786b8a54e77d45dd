package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type changeEntry struct {
	source string
	event  domain.SchemaChangeEvent
}

// Correlator keeps the append-only log of schema and index changes and ranks
// them against newly opened regressions.
type Correlator struct {
	mu      sync.RWMutex
	entries []changeEntry // ordered by timestamp

	lookback time.Duration
	tracer   trace.Tracer
}

func NewCorrelator(lookback time.Duration, tracer trace.Tracer) *Correlator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Correlator{lookback: lookback, tracer: tracer}
}

// RecordChange appends an externally reported schema change.
func (c *Correlator) RecordChange(ev domain.SchemaChangeEvent) error {
	if err := domain.ValidateChangeEvent(ev); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	ev.AffectedTables = domain.NormalizeTables(ev.AffectedTables)
	c.insert(changeEntry{source: domain.SourceSchemaChange, event: ev})
	return nil
}

// RecordIndexDelta appends an index catalog or status change.
func (c *Correlator) RecordIndexDelta(d domain.IndexDelta) {
	c.insert(changeEntry{source: domain.SourceIndexChange, event: d.AsChangeEvent()})
}

func (c *Correlator) insert(e changeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].event.Timestamp.After(e.event.Timestamp)
	})
	c.entries = append(c.entries, changeEntry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

// Prune forgets changes older than cutoff.
func (c *Correlator) Prune(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].event.Timestamp.Before(cutoff)
	})
	if i > 0 {
		c.entries = append([]changeEntry(nil), c.entries[i:]...)
	}
}

// Len is the number of recorded changes.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Correlate returns the best-scoring change for a regression opened at
// openedAt on a query touching tables, or nil when nothing in the lookback
// window shares a table with it.
func (c *Correlator) Correlate(ctx context.Context, openedAt time.Time, tables []string) (*domain.RootCause, error) {
	_, span := c.tracer.Start(ctx, "Correlator.Correlate",
		trace.WithAttributes(attribute.Int("query.tables", len(tables))),
	)
	defer span.End()

	c.mu.RLock()
	lo := sort.Search(len(c.entries), func(i int) bool {
		return !c.entries[i].event.Timestamp.Before(openedAt.Add(-c.lookback))
	})
	hi := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].event.Timestamp.After(openedAt)
	})
	window := append([]changeEntry(nil), c.entries[lo:max(lo, hi)]...)
	c.mu.RUnlock()

	var cands []domain.Candidate
	for i, e := range window {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("correlate: %w", err)
			}
		}
		if cand, ok := domain.ScoreCandidate(e.source, e.event, tables, openedAt, c.lookback); ok {
			cands = append(cands, cand)
		}
	}
	span.SetAttributes(attribute.Int("correlation.candidates", len(cands)))
	if len(cands) == 0 {
		return nil, nil
	}
	domain.RankCandidates(cands)
	return cands[0].ToRootCause(), nil
}
