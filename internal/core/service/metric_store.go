package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
)

// series holds one query's samples ordered by timestamp. The published slice
// is never modified in place: appends only write past the length readers
// have seen, and pruning or out-of-order inserts publish a fresh slice.
type series struct {
	mu      sync.Mutex
	samples []domain.QuerySample
}

func (s *series) snapshot() []domain.QuerySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[:len(s.samples):len(s.samples)]
}

func (s *series) add(sample domain.QuerySample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.samples)
	if n == 0 || !sample.Timestamp.Before(s.samples[n-1].Timestamp) {
		s.samples = append(s.samples, sample)
		return
	}
	// Late arrival: insert after every sample with an equal or earlier timestamp.
	i := sort.Search(n, func(i int) bool { return s.samples[i].Timestamp.After(sample.Timestamp) })
	next := make([]domain.QuerySample, 0, n+1)
	next = append(next, s.samples[:i]...)
	next = append(next, sample)
	next = append(next, s.samples[i:]...)
	s.samples = next
}

func (s *series) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.samples), func(i int) bool { return !s.samples[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return 0
	}
	s.samples = slices.Clone(s.samples[i:])
	return i
}

// MetricStore is the bounded, query-keyed time-series store. Ingestion for
// different queries never contends beyond the map lookup.
type MetricStore struct {
	mu     sync.RWMutex
	series map[string]*series

	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger
	inst   port.Instrumentation
}

func NewMetricStore(skew time.Duration, now func() time.Time, logger *slog.Logger, inst port.Instrumentation) *MetricStore {
	if now == nil {
		now = time.Now
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &MetricStore{
		series: make(map[string]*series),
		skew:   skew,
		now:    now,
		logger: logger,
		inst:   inst,
	}
}

// Ingest validates and appends a sample. Rejected samples are logged and
// dropped; the returned error wraps domain.ErrInvalidSample.
func (m *MetricStore) Ingest(ctx context.Context, sample domain.QuerySample) error {
	if err := domain.ValidateSample(sample, m.now(), m.skew); err != nil {
		m.logger.WarnContext(ctx, "sample rejected",
			slog.String("query.id", sample.QueryID),
			slog.String("error.type", "validation_error"),
			slog.String("error.message", err.Error()),
		)
		m.inst.IncrementSamplesRejected(ctx)
		return fmt.Errorf("ingest: %w", err)
	}
	m.seriesFor(sample.QueryID).add(sample)
	m.inst.IncrementSamplesIngested(ctx)
	return nil
}

func (m *MetricStore) seriesFor(queryID string) *series {
	m.mu.RLock()
	s, ok := m.series[queryID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.series[queryID]; !ok {
		s = &series{}
		m.series[queryID] = s
	}
	return s
}

func (m *MetricStore) lookup(queryID string) (*series, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[queryID]
	return s, ok
}

// Snapshot returns a consistent, read-only view of every stored sample for
// the query. Later ingestion or pruning does not affect it.
func (m *MetricStore) Snapshot(queryID string) []domain.QuerySample {
	s, ok := m.lookup(queryID)
	if !ok {
		return nil
	}
	return s.snapshot()
}

// Window returns the snapshot samples falling in r.
func (m *MetricStore) Window(queryID string, r domain.TimeRange) []domain.QuerySample {
	return windowOf(m.Snapshot(queryID), r)
}

// Query returns a lazy sequence of the query's samples in r, ordered by
// timestamp. Each iteration takes a fresh snapshot, so the sequence can be
// ranged over again.
func (m *MetricStore) Query(queryID string, r domain.TimeRange) iter.Seq[domain.QuerySample] {
	return func(yield func(domain.QuerySample) bool) {
		for _, s := range m.Window(queryID, r) {
			if !yield(s) {
				return
			}
		}
	}
}

// Prune drops the query's samples older than cutoff and returns how many
// were removed.
func (m *MetricStore) Prune(queryID string, cutoff time.Time) int {
	s, ok := m.lookup(queryID)
	if !ok {
		return 0
	}
	return s.prune(cutoff)
}

// QueryIDs lists every query with stored samples, sorted.
func (m *MetricStore) QueryIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.series))
	for id := range m.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// windowOf returns the sub-slice of sorted samples inside r.
func windowOf(samples []domain.QuerySample, r domain.TimeRange) []domain.QuerySample {
	lo := 0
	if !r.From.IsZero() {
		lo = sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(r.From) })
	}
	hi := len(samples)
	if !r.To.IsZero() {
		hi = sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(r.To) })
	}
	if lo >= hi {
		return nil
	}
	return samples[lo:hi:hi]
}
