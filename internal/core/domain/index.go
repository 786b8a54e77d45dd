package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// IndexStatus classifies how much an index is used.
type IndexStatus string

const (
	IndexActive    IndexStatus = "active"
	IndexUnderused IndexStatus = "underused"
	IndexUnused    IndexStatus = "unused"
)

// IndexDef is the static description of an existing index.
type IndexDef struct {
	Table   string   `yaml:"table" json:"table"`
	Name    string   `yaml:"name" json:"index_name"`
	Columns []string `yaml:"columns" json:"columns"`
	Kind    string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	SizeMB  float64  `yaml:"size_mb" json:"size_mb"`
}

// Normalize returns a copy with canonical table, column and kind spelling.
func (d IndexDef) Normalize() IndexDef {
	d.Table = NormalizeTable(d.Table)
	d.Name = strings.TrimSpace(d.Name)
	cols := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if c = NormalizeColumn(c); c != "" {
			cols = append(cols, c)
		}
	}
	d.Columns = cols
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	if d.Kind == "" {
		d.Kind = "btree"
	}
	return d
}

// ValidateIndex checks a normalized index definition.
func ValidateIndex(d IndexDef) error {
	if d.Table == "" {
		return invalid(ErrInvalidIndex, "table", "must not be empty")
	}
	if d.Name == "" {
		return invalid(ErrInvalidIndex, "name", "must not be empty")
	}
	if len(d.Columns) == 0 {
		return invalid(ErrInvalidIndex, "columns", "must list at least one column")
	}
	if d.SizeMB < 0 {
		return invalid(ErrInvalidIndex, "size_mb", "must be >= 0")
	}
	return nil
}

// NormalizeColumn lower-cases a column name and strips any table qualifier.
func NormalizeColumn(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if i := strings.LastIndexByte(c, '.'); i >= 0 {
		c = c[i+1:]
	}
	return c
}

// IndexStat is the per-cycle usage assessment of one index.
type IndexStat struct {
	Table          string      `json:"table"`
	IndexName      string      `json:"index_name"`
	Columns        []string    `json:"columns"`
	Kind           string      `json:"kind"`
	SizeMB         float64     `json:"size_mb"`
	UsageScore     float64     `json:"usage_score"`
	Status         IndexStatus `json:"status"`
	RecentScans    int         `json:"recent_scans"`
	AvgSelectivity float64     `json:"avg_selectivity"`
}

// UsageScore combines scan frequency (saturating at policy.FrequencySaturation
// executions) and selectivity, weighted by the policy and scaled to [0,100].
func UsageScore(scans int, selectivity float64, policy AdvisorPolicy) float64 {
	total := policy.FrequencyWeight + policy.SelectivityWeight
	if total <= 0 || scans <= 0 {
		return 0
	}
	freq := math.Min(float64(scans)/policy.FrequencySaturation, 1)
	sel := math.Min(math.Max(selectivity, 0), 1)
	score := (policy.FrequencyWeight*freq + policy.SelectivityWeight*sel) / total * 100
	return math.Round(math.Min(math.Max(score, 0), 100)*10) / 10
}

// ClassifyIndex maps a usage score and access count to a status.
func ClassifyIndex(score float64, recentScans int, policy AdvisorPolicy) IndexStatus {
	switch {
	case score < policy.UnusedScoreFloor && recentScans == 0:
		return IndexUnused
	case score < policy.UnderusedScoreFloor:
		return IndexUnderused
	default:
		return IndexActive
	}
}

// Priority ranks recommendations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities (High first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// PriorityFor derives a recommendation priority from the worst active
// regression among its supporting queries.
func PriorityFor(worst Severity) Priority {
	switch worst {
	case SeverityCritical:
		return PriorityHigh
	case SeverityWarning:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Action is what a recommendation proposes.
type Action string

const (
	ActionCreate Action = "create"
	ActionDrop   Action = "drop"
	ActionModify Action = "modify"
)

// IndexDefinition describes the index a recommendation targets.
type IndexDefinition struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Kind    string   `json:"kind"`
}

// IndexRecommendation is one ranked advisory output. Recommendations are
// recomputed every advisory cycle.
type IndexRecommendation struct {
	Priority               Priority        `json:"priority"`
	Action                 Action          `json:"action"`
	Table                  string          `json:"table"`
	Definition             IndexDefinition `json:"definition"`
	ExpectedImprovementPct float64         `json:"expected_improvement_pct"`
	ReclaimedMB            float64         `json:"reclaimed_mb,omitempty"`
	ConfidencePct          float64         `json:"confidence_pct"`
	SupportingQueryIDs     []string        `json:"supporting_query_ids"`
	Statement              string          `json:"statement"`
	Summary                string          `json:"summary"`
}

// Key identifies a recommendation target across cycles.
func (r IndexRecommendation) Key() string {
	return string(r.Action) + ":" + r.Table + ":" + r.Definition.Name + ":" + strings.Join(r.Definition.Columns, ",")
}

// ScanImprovementPct estimates the gain from an index from the fraction of
// scanned rows that were discarded, capped at 95%.
func ScanImprovementPct(avgSelectivity float64) float64 {
	sel := math.Min(math.Max(avgSelectivity, 0), 1)
	return round1(math.Min((1-sel)*100, 95))
}

// Confidence scales with observed executions (saturating at policy's
// ConfidenceSaturation) and with selectivity consistency, expressed as
// 1/(1+coefficient of variation).
func Confidence(executions int, selMean, selStdDev float64, policy AdvisorPolicy) float64 {
	if executions <= 0 {
		return 0
	}
	volume := math.Min(float64(executions)/policy.ConfidenceSaturation, 1)
	consistency := 1.0
	if selMean > 0 {
		consistency = 1 / (1 + selStdDev/selMean)
	}
	return round1(math.Min(math.Max(volume*consistency*100, 0), 100))
}

// CreateIndexStatement renders the DDL for a create or modify recommendation.
func CreateIndexStatement(table string, def IndexDefinition) string {
	name := def.Name
	if name == "" {
		name = "idx_" + table + "_" + strings.Join(def.Columns, "_")
	}
	using := ""
	if def.Kind != "" && def.Kind != "btree" {
		using = " USING " + def.Kind
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s%s (%s);", name, table, using, strings.Join(def.Columns, ", "))
}

// LeadingColumnIn reports whether the index's first column is one of cols.
func LeadingColumnIn(index []string, cols []string) bool {
	return len(index) > 0 && slices.Contains(cols, index[0])
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
