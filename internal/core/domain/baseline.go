package domain

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Baseline is the reference performance of one query over a trailing window.
// A Baseline is replaced wholesale on recompute and never mutated.
type Baseline struct {
	QueryID            string    `json:"query_id"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	BaselineResponseMS float64   `json:"baseline_response_ms"`
	BaselineErrorRate  float64   `json:"baseline_error_rate"`
	SampleCount        int       `json:"sample_count"`
	ComputedAt         time.Time `json:"computed_at"`
	IsSufficient       bool      `json:"is_sufficient"`
}

// Aggregate is the trimmed summary of a set of samples.
type Aggregate struct {
	ResponseMS   float64
	ErrorRatePct float64
	Count        int
}

// TrimmedMean sorts values and averages them after discarding trimPct percent
// from each tail. Falls back to the median when trimming would leave nothing.
func TrimmedMean(values []float64, trimPct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	k := int(math.Floor(float64(len(sorted)) * trimPct / 100))
	if k > 0 && len(sorted)-2*k > 0 {
		sorted = sorted[k : len(sorted)-k]
	} else if k > 0 {
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}
	return stat.Mean(sorted, nil)
}

// Summarize computes the trimmed response time and the raw error ratio of the
// given samples.
func Summarize(samples []QuerySample, trimPct float64) Aggregate {
	if len(samples) == 0 {
		return Aggregate{}
	}
	values := make([]float64, 0, len(samples))
	var errs int
	for _, s := range samples {
		values = append(values, s.ResponseTimeMS)
		if s.ErrorOccurred {
			errs++
		}
	}
	return Aggregate{
		ResponseMS:   TrimmedMean(values, trimPct),
		ErrorRatePct: float64(errs) / float64(len(samples)) * 100,
		Count:        len(samples),
	}
}

// ComputeBaseline builds a Baseline from the samples observed in [start, end].
// Samples outside the window are ignored.
func ComputeBaseline(queryID string, samples []QuerySample, start, end time.Time, minSamples int, trimPct float64, now time.Time) Baseline {
	inWindow := make([]QuerySample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		inWindow = append(inWindow, s)
	}
	agg := Summarize(inWindow, trimPct)
	return Baseline{
		QueryID:            queryID,
		WindowStart:        start,
		WindowEnd:          end,
		BaselineResponseMS: agg.ResponseMS,
		BaselineErrorRate:  agg.ErrorRatePct,
		SampleCount:        agg.Count,
		ComputedAt:         now,
		IsSufficient:       agg.Count >= minSamples,
	}
}
