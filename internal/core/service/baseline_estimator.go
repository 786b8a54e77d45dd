package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
)

// BaselineEstimator keeps the current Baseline of every query. Baselines are
// replaced wholesale and never recomputed while the query has an active
// regression, so the reference cannot drift toward the degraded behavior.
// Spans covered by resolved regressions are excluded from later baselines.
type BaselineEstimator struct {
	mu        sync.RWMutex
	baselines map[string]domain.Baseline
	excluded  map[string][]domain.TimeRange

	window     time.Duration
	minSamples int
	trimPct    float64
}

func NewBaselineEstimator(window time.Duration, minSamples int, trimPct float64) *BaselineEstimator {
	return &BaselineEstimator{
		baselines:  make(map[string]domain.Baseline),
		excluded:   make(map[string][]domain.TimeRange),
		window:     window,
		minSamples: minSamples,
		trimPct:    trimPct,
	}
}

// Recompute derives the baseline from the samples in [now-window, now] and
// stores it. It refuses with domain.ErrRegressionActive while regressionActive.
func (e *BaselineEstimator) Recompute(queryID string, samples []domain.QuerySample, now time.Time, regressionActive bool) (domain.Baseline, error) {
	if regressionActive {
		return domain.Baseline{}, fmt.Errorf("baseline for %q: %w", queryID, domain.ErrRegressionActive)
	}
	from := now.Add(-e.window)

	e.mu.Lock()
	defer e.mu.Unlock()
	spans := e.excluded[queryID][:0]
	for _, r := range e.excluded[queryID] {
		if r.To.After(from) {
			spans = append(spans, r)
		}
	}
	if len(spans) == 0 {
		delete(e.excluded, queryID)
	} else {
		e.excluded[queryID] = spans
		samples = withoutSpans(samples, spans)
	}

	b := domain.ComputeBaseline(queryID, samples, from, now, e.minSamples, e.trimPct, now)
	e.baselines[queryID] = b
	return b, nil
}

// Exclude keeps samples inside r out of every later baseline of the query.
// Spans older than the baseline window are dropped on the next Recompute.
func (e *BaselineEstimator) Exclude(queryID string, r domain.TimeRange) {
	e.mu.Lock()
	e.excluded[queryID] = append(e.excluded[queryID], r)
	e.mu.Unlock()
}

func withoutSpans(samples []domain.QuerySample, spans []domain.TimeRange) []domain.QuerySample {
	out := make([]domain.QuerySample, 0, len(samples))
next:
	for _, s := range samples {
		for _, r := range spans {
			if r.Contains(s.Timestamp) {
				continue next
			}
		}
		out = append(out, s)
	}
	return out
}

// Get returns the stored baseline for the query.
func (e *BaselineEstimator) Get(queryID string) (domain.Baseline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.baselines[queryID]
	return b, ok
}

// Forget drops the stored baseline.
func (e *BaselineEstimator) Forget(queryID string) {
	e.mu.Lock()
	delete(e.baselines, queryID)
	delete(e.excluded, queryID)
	e.mu.Unlock()
}
