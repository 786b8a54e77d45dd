package domain

import (
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

// Root cause sources.
const (
	SourceSchemaChange = "schema_change"
	SourceIndexChange  = "index_change"
)

// SchemaChangeEvent is an externally reported schema or index change.
type SchemaChangeEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	AffectedTables []string  `json:"affected_tables"`
}

// ValidateChangeEvent checks a change event before it is appended to the log.
func ValidateChangeEvent(ev SchemaChangeEvent) error {
	if ev.Timestamp.IsZero() {
		return invalid(ErrInvalidChangeEvent, "timestamp", "must be set")
	}
	if strings.TrimSpace(ev.Description) == "" {
		return invalid(ErrInvalidChangeEvent, "description", "must not be empty")
	}
	if len(NormalizeTables(ev.AffectedTables)) == 0 {
		return invalid(ErrInvalidChangeEvent, "affected_tables", "must list at least one table")
	}
	return nil
}

// IndexDelta records a change to the index catalog or to an index's status.
type IndexDelta struct {
	Timestamp time.Time   `json:"timestamp"`
	Table     string      `json:"table"`
	IndexName string      `json:"index_name"`
	Change    string      `json:"change"` // "created", "dropped" or "status"
	From      IndexStatus `json:"from,omitempty"`
	To        IndexStatus `json:"to,omitempty"`
}

// AsChangeEvent lets index deltas share the correlation path with schema changes.
func (d IndexDelta) AsChangeEvent() SchemaChangeEvent {
	desc := "index " + d.IndexName + " on " + d.Table + " " + d.Change
	if d.Change == "status" {
		desc = "index " + d.IndexName + " on " + d.Table + " changed from " + string(d.From) + " to " + string(d.To)
	}
	return SchemaChangeEvent{Timestamp: d.Timestamp, Description: desc, AffectedTables: []string{d.Table}}
}

// NormalizeTables lower-cases, trims and de-duplicates table names and drops
// any schema qualifier.
func NormalizeTables(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		t = NormalizeTable(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// NormalizeTable strips whitespace, case and a schema prefix.
func NormalizeTable(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}

// Candidate is a change that may explain a regression.
type Candidate struct {
	Source  string
	Event   SchemaChangeEvent
	Overlap []string
	Score   float64
}

// Recency and overlap weights for candidate scoring.
const (
	recencyWeight = 0.6
	overlapWeight = 0.4
)

// ScoreCandidate combines recency (1 at detection, 0 at the lookback edge) and
// the fraction of the query's tables touched by the change. Returns ok=false
// when the change is outside the lookback window or shares no table.
func ScoreCandidate(source string, ev SchemaChangeEvent, queryTables []string, openedAt time.Time, lookback time.Duration) (Candidate, bool) {
	age := openedAt.Sub(ev.Timestamp)
	if age < 0 || age > lookback || lookback <= 0 {
		return Candidate{}, false
	}
	query := NormalizeTables(queryTables)
	if len(query) == 0 {
		return Candidate{}, false
	}
	var overlap []string
	for _, t := range NormalizeTables(ev.AffectedTables) {
		if slices.Contains(query, t) {
			overlap = append(overlap, t)
		}
	}
	if len(overlap) == 0 {
		return Candidate{}, false
	}
	recency := 1 - float64(age)/float64(lookback)
	frac := float64(len(overlap)) / float64(len(query))
	return Candidate{
		Source:  source,
		Event:   ev,
		Overlap: overlap,
		Score:   recencyWeight*recency + overlapWeight*frac,
	}, true
}

// RankCandidates orders candidates best first: score, then larger overlap,
// then the more recent change.
func RankCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Overlap) != len(b.Overlap) {
			return len(a.Overlap) > len(b.Overlap)
		}
		return a.Event.Timestamp.After(b.Event.Timestamp)
	})
}

// ToRootCause converts the winning candidate into the value attached to an event.
func (c Candidate) ToRootCause() *RootCause {
	return &RootCause{
		Source:         c.Source,
		Timestamp:      c.Event.Timestamp,
		Description:    c.Event.Description,
		AffectedTables: NormalizeTables(c.Event.AffectedTables),
		OverlapTables:  append([]string(nil), c.Overlap...),
		ConfidencePct:  math.Round(math.Min(math.Max(c.Score, 0), 1)*1000) / 10,
	}
}
