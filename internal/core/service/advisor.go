package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"gonum.org/v1/gonum/stat"
)

// lowBenefitConfidencePct caps the confidence of a create proposal whose
// queries return most of the rows they scan.
const lowBenefitConfidencePct = 10.0

// queryUsage is what one query did during the observation window.
type queryUsage struct {
	execs    int
	sels     []float64
	returned int64
	scanned  int64
}

func (u *queryUsage) add(o queryUsage) {
	u.execs += o.execs
	u.sels = append(u.sels, o.sels...)
	u.returned += o.returned
	u.scanned += o.scanned
}

// selectivityClass classifies the average execution of the usage.
func (u queryUsage) selectivityClass() domain.SelectivityClass {
	if u.execs == 0 {
		return domain.SelectivityFull
	}
	n := int64(u.execs)
	return domain.ClassifySelectivity(u.returned/n, u.scanned/n)
}

func meanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

type recGroup struct {
	rec      domain.IndexRecommendation
	ids      []string
	usage    queryUsage
	missing  int
	wanted   int
	benefits bool
}

func (g *recGroup) support(id string, u queryUsage) {
	if !slices.Contains(g.ids, id) {
		g.ids = append(g.ids, id)
		g.usage.add(u)
	}
}

// Advisor scores index usage from the observed samples of the queries that
// can use each index and derives ranked create, modify and drop proposals.
type Advisor struct {
	catalog  *Catalog
	store    *MetricStore
	severity func(queryID string) domain.Severity
	policy   domain.AdvisorPolicy
	window   time.Duration

	mu     sync.RWMutex
	stats  []domain.IndexStat
	recs   []domain.IndexRecommendation
	status map[string]domain.IndexStatus
}

func NewAdvisor(catalog *Catalog, store *MetricStore, severity func(string) domain.Severity, policy domain.AdvisorPolicy, window time.Duration) *Advisor {
	if severity == nil {
		severity = func(string) domain.Severity { return domain.SeverityNone }
	}
	return &Advisor{
		catalog:  catalog,
		store:    store,
		severity: severity,
		policy:   policy,
		window:   window,
		status:   make(map[string]domain.IndexStatus),
	}
}

// Stats returns the usage assessment from the last run.
func (a *Advisor) Stats() []domain.IndexStat {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.stats)
}

// Recommendations returns the ranked proposals from the last run.
func (a *Advisor) Recommendations() []domain.IndexRecommendation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.recs)
}

// Run recomputes index statistics and recommendations over the window
// ending at now. It returns the status changes since the previous run.
func (a *Advisor) Run(ctx context.Context, now time.Time) ([]domain.IndexDelta, error) {
	queries := a.catalog.Queries()
	indexes := a.catalog.Indexes()
	r := domain.TimeRange{From: now.Add(-a.window), To: now.Add(time.Nanosecond)}

	usage := make(map[string]queryUsage, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("advisor: %w", err)
		}
		var u queryUsage
		for s := range a.store.Query(q.ID, r) {
			u.execs++
			u.returned += s.RowsReturned
			u.scanned += s.RowsScanned
			if sel, ok := s.Selectivity(); ok {
				u.sels = append(u.sels, sel)
			}
		}
		usage[q.ID] = u
	}

	stats := a.indexStats(queries, indexes, usage)
	deltas := a.statusDeltas(stats, now)

	modifies, modified := a.modifyRecs(queries, indexes, usage)
	recs := a.createRecs(queries, indexes, usage)
	recs = append(recs, modifies...)
	recs = append(recs, a.dropRecs(queries, indexes, stats, usage, modified)...)
	RankRecommendations(recs)

	a.mu.Lock()
	a.stats = stats
	a.recs = recs
	a.mu.Unlock()
	return deltas, nil
}

func usesIndex(q domain.QueryInfo, idx domain.IndexDef) bool {
	cols := append(slices.Clone(q.FilterColumns(idx.Table)), q.SortColumns(idx.Table)...)
	return domain.LeadingColumnIn(idx.Columns, cols)
}

func (a *Advisor) indexStats(queries []domain.QueryInfo, indexes []domain.IndexDef, usage map[string]queryUsage) []domain.IndexStat {
	stats := make([]domain.IndexStat, 0, len(indexes))
	for _, idx := range indexes {
		var u queryUsage
		for _, q := range queries {
			if usesIndex(q, idx) {
				u.add(usage[q.ID])
			}
		}
		avg, _ := meanStdDev(u.sels)
		score := domain.UsageScore(u.execs, avg, a.policy)
		stats = append(stats, domain.IndexStat{
			Table:          idx.Table,
			IndexName:      idx.Name,
			Columns:        slices.Clone(idx.Columns),
			Kind:           idx.Kind,
			SizeMB:         idx.SizeMB,
			UsageScore:     score,
			Status:         domain.ClassifyIndex(score, u.execs, a.policy),
			RecentScans:    u.execs,
			AvgSelectivity: math.Round(avg*1000) / 1000,
		})
	}
	return stats
}

func (a *Advisor) statusDeltas(stats []domain.IndexStat, now time.Time) []domain.IndexDelta {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]domain.IndexStatus, len(stats))
	var deltas []domain.IndexDelta
	for _, st := range stats {
		key := indexKey(st.Table, st.IndexName)
		next[key] = st.Status
		if prev, seen := a.status[key]; seen && prev != st.Status {
			deltas = append(deltas, domain.IndexDelta{
				Timestamp: now,
				Table:     st.Table,
				IndexName: st.IndexName,
				Change:    "status",
				From:      prev,
				To:        st.Status,
			})
		}
	}
	a.status = next
	return deltas
}

func (a *Advisor) createRecs(queries []domain.QueryInfo, indexes []domain.IndexDef, usage map[string]queryUsage) []domain.IndexRecommendation {
	groups := make(map[string]*recGroup)
	var order []string
	for _, q := range queries {
		u := usage[q.ID]
		if u.execs == 0 {
			continue
		}
		for _, t := range q.Tables {
			filters := q.FilterColumns(t)
			if len(filters) == 0 {
				continue
			}
			covered := slices.ContainsFunc(indexes, func(idx domain.IndexDef) bool {
				return idx.Table == t && domain.LeadingColumnIn(idx.Columns, filters)
			})
			if covered {
				continue
			}
			cols := unionColumns(filters, q.SortColumns(t))
			key := t + "|" + strings.Join(cols, ",")
			g, ok := groups[key]
			if !ok {
				g = &recGroup{rec: domain.IndexRecommendation{
					Action:     domain.ActionCreate,
					Table:      t,
					Definition: domain.IndexDefinition{Columns: cols, Kind: "btree"},
				}}
				groups[key] = g
				order = append(order, key)
			}
			g.support(q.ID, u)
			g.benefits = g.benefits || u.selectivityClass().BenefitsFromIndex()
		}
	}

	out := make([]domain.IndexRecommendation, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		mean, std := meanStdDev(g.usage.sels)
		rec := g.rec
		rec.SupportingQueryIDs = sortedIDs(g.ids)
		rec.Priority = a.priority(rec.SupportingQueryIDs)
		rec.ExpectedImprovementPct = domain.ScanImprovementPct(mean)
		rec.ConfidencePct = domain.Confidence(g.usage.execs, mean, std, a.policy)
		rec.Statement = domain.CreateIndexStatement(rec.Table, rec.Definition)
		rec.Summary = fmt.Sprintf("Create index on %s (%s): ~%.0f%% fewer rows scanned for %d %s",
			rec.Table, strings.Join(rec.Definition.Columns, ", "), rec.ExpectedImprovementPct,
			len(rec.SupportingQueryIDs), plural(len(rec.SupportingQueryIDs), "query", "queries"))
		if !g.benefits {
			// Wide scans stay listed at low confidence.
			rec.ConfidencePct = math.Min(rec.ConfidencePct, lowBenefitConfidencePct)
			rec.Summary = fmt.Sprintf("Create index on %s (%s): %d %s most scanned rows, an index is unlikely to help",
				rec.Table, strings.Join(rec.Definition.Columns, ", "),
				len(rec.SupportingQueryIDs), plural(len(rec.SupportingQueryIDs), "query keeps", "queries keep"))
		}
		out = append(out, rec)
	}
	return out
}

func (a *Advisor) modifyRecs(queries []domain.QueryInfo, indexes []domain.IndexDef, usage map[string]queryUsage) ([]domain.IndexRecommendation, map[string]bool) {
	groups := make(map[string]*recGroup)
	var order []string
	for _, idx := range indexes {
		for _, q := range queries {
			u := usage[q.ID]
			filters := q.FilterColumns(idx.Table)
			if u.execs == 0 || !domain.LeadingColumnIn(idx.Columns, filters) {
				continue
			}
			wanted := unionColumns(filters, q.SortColumns(idx.Table))
			var missing []string
			for _, c := range wanted {
				if !slices.Contains(idx.Columns, c) {
					missing = append(missing, c)
				}
			}
			if len(missing) == 0 {
				continue
			}
			cols := unionColumns(idx.Columns, missing)
			key := indexKey(idx.Table, idx.Name) + "|" + strings.Join(cols, ",")
			g, ok := groups[key]
			if !ok {
				g = &recGroup{
					rec: domain.IndexRecommendation{
						Action:     domain.ActionModify,
						Table:      idx.Table,
						Definition: domain.IndexDefinition{Name: idx.Name, Columns: cols, Kind: idx.Kind},
					},
					missing: len(missing),
					wanted:  len(wanted),
				}
				groups[key] = g
				order = append(order, key)
			}
			g.support(q.ID, u)
		}
	}

	modified := make(map[string]bool)
	out := make([]domain.IndexRecommendation, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		mean, std := meanStdDev(g.usage.sels)
		rec := g.rec
		rec.SupportingQueryIDs = sortedIDs(g.ids)
		rec.Priority = a.priority(rec.SupportingQueryIDs)
		rec.ExpectedImprovementPct = math.Round(domain.ScanImprovementPct(mean)*float64(g.missing)/float64(g.wanted)*10) / 10
		rec.ConfidencePct = domain.Confidence(g.usage.execs, mean, std, a.policy)
		rec.Statement = fmt.Sprintf("DROP INDEX %s; %s", rec.Definition.Name, domain.CreateIndexStatement(rec.Table, rec.Definition))
		rec.Summary = fmt.Sprintf("Extend %s to (%s) for %d %s",
			rec.Definition.Name, strings.Join(rec.Definition.Columns, ", "),
			len(rec.SupportingQueryIDs), plural(len(rec.SupportingQueryIDs), "query", "queries"))
		modified[indexKey(rec.Table, rec.Definition.Name)] = true
		out = append(out, rec)
	}
	return out, modified
}

func (a *Advisor) dropRecs(queries []domain.QueryInfo, indexes []domain.IndexDef, stats []domain.IndexStat, usage map[string]queryUsage, modified map[string]bool) []domain.IndexRecommendation {
	tableSize := make(map[string]float64)
	for _, idx := range indexes {
		tableSize[idx.Table] += idx.SizeMB
	}

	var out []domain.IndexRecommendation
	for _, st := range stats {
		if st.Status == domain.IndexActive || modified[indexKey(st.Table, st.IndexName)] {
			continue
		}
		var ids []string
		observed := 0
		for _, q := range queries {
			if slices.Contains(q.Tables, st.Table) {
				ids = append(ids, q.ID)
				observed += usage[q.ID].execs
			}
		}
		evidence := domain.Confidence(observed, 1, 0, a.policy)
		gap := 1.0
		if a.policy.UnderusedScoreFloor > 0 {
			gap = math.Max(1-st.UsageScore/a.policy.UnderusedScoreFloor, 0)
		}
		share := 0.0
		if tableSize[st.Table] > 0 {
			share = st.SizeMB / tableSize[st.Table] * 100
		}

		rec := domain.IndexRecommendation{
			Action:                 domain.ActionDrop,
			Table:                  st.Table,
			Definition:             domain.IndexDefinition{Name: st.IndexName, Columns: slices.Clone(st.Columns), Kind: st.Kind},
			ExpectedImprovementPct: math.Round(share*10) / 10,
			ReclaimedMB:            st.SizeMB,
			ConfidencePct:          math.Round((0.5*evidence+50*gap)*10) / 10,
			SupportingQueryIDs:     sortedIDs(ids),
			Statement:              fmt.Sprintf("DROP INDEX %s;", st.IndexName),
			Summary:                fmt.Sprintf("Save %s by dropping %s index %s", humanize.IBytes(uint64(st.SizeMB*1024*1024)), st.Status, st.IndexName),
		}
		rec.Priority = a.priority(rec.SupportingQueryIDs)
		out = append(out, rec)
	}
	return out
}

// priority follows the worst active regression among the supporting queries.
func (a *Advisor) priority(ids []string) domain.Priority {
	worst := domain.SeverityNone
	for _, id := range ids {
		worst = max(worst, a.severity(id))
	}
	return domain.PriorityFor(worst)
}

// RankRecommendations orders by priority, expected improvement (descending),
// then table and definition for a stable tie-break.
func RankRecommendations(recs []domain.IndexRecommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.ExpectedImprovementPct != b.ExpectedImprovementPct {
			return a.ExpectedImprovementPct > b.ExpectedImprovementPct
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Key() < b.Key()
	})
}

func unionColumns(a, b []string) []string {
	out := slices.Clone(a)
	for _, c := range b {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func sortedIDs(ids []string) []string {
	out := slices.Clone(ids)
	sort.Strings(out)
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
