package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// MonitorOptions carries the optional collaborators of a Monitor. Nil fields
// fall back to in-memory or no-op implementations.
type MonitorOptions struct {
	Archive         port.EventArchive
	Notifiers       []port.Notifier
	Auditor         port.Auditor
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Instrumentation port.Instrumentation
	Now             func() time.Time
	NewID           func() string
}

// CycleReport summarizes one detection cycle.
type CycleReport struct {
	At              time.Time     `json:"at"`
	Queries         int           `json:"queries"`
	Opened          int           `json:"opened"`
	Escalated       int           `json:"escalated"`
	Resolved        int           `json:"resolved"`
	Suspended       int           `json:"suspended"`
	Recommendations int           `json:"recommendations"`
	Duration        time.Duration `json:"duration"`
}

// Monitor is the regression detection and index advisory engine. Ingestion
// and read operations are safe to call concurrently with a running cycle.
type Monitor struct {
	cfg        domain.MonitoringConfig
	catalog    *Catalog
	store      *MetricStore
	baselines  *BaselineEstimator
	classifier *Classifier
	correlator *Correlator
	dispatcher *Dispatcher
	advisor    *Advisor
	archive    port.EventArchive
	auditor    port.Auditor

	logger *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	now    func() time.Time

	cycleMu   sync.Mutex // serializes cycles
	lastMu    sync.RWMutex
	lastCycle time.Time
}

func NewMonitor(cfg domain.MonitoringConfig, catalog *Catalog, opts MonitorOptions) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = NewCatalog()
	}
	if opts.Archive == nil {
		opts.Archive = NewMemoryArchive()
	}
	if opts.Auditor == nil {
		opts.Auditor = port.NoopAuditor{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = port.NoopInstrumentation{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Monitor{
		cfg:        cfg,
		catalog:    catalog,
		store:      NewMetricStore(cfg.ClockSkewTolerance, opts.Now, opts.Logger, opts.Instrumentation),
		baselines:  NewBaselineEstimator(cfg.BaselineWindow, cfg.MinBaselineSamples, cfg.TrimPct),
		classifier: NewClassifier(opts.Archive, opts.NewID, opts.Logger),
		correlator: NewCorrelator(cfg.CorrelationLookback, opts.Tracer),
		dispatcher: NewDispatcher(opts.Notifiers, DispatchPolicyFrom(cfg), opts.Logger, opts.Instrumentation, opts.Auditor),
		archive:    opts.Archive,
		auditor:    opts.Auditor,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		inst:       opts.Instrumentation,
		now:        opts.Now,
	}
	m.advisor = NewAdvisor(catalog, m.store, m.classifier.OpenSeverity, cfg.Advisor, cfg.BaselineWindow)
	return m, nil
}

// Config returns the configuration the engine runs with.
func (m *Monitor) Config() domain.MonitoringConfig { return m.cfg }

// Start launches the notification workers.
func (m *Monitor) Start(ctx context.Context) { m.dispatcher.Start(ctx) }

// Run executes a detection cycle every check interval until ctx is done.
// A cycle in progress when ctx is cancelled finishes the queries it has
// already started.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "monitor started",
		slog.Duration("check_interval", m.cfg.CheckInterval),
		slog.Int("workers", m.cfg.Workers),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(context.WithoutCancel(ctx), "monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "detection cycle failed",
					slog.String("error.type", "cycle_error"),
					slog.String("error.message", err.Error()),
				)
			}
		}
	}
}

// Close flushes and drains notification delivery and closes the auditor.
func (m *Monitor) Close(ctx context.Context) error {
	derr := m.dispatcher.Close(ctx)
	aerr := m.auditor.Close()
	return errors.Join(derr, aerr)
}

// RunCycle prunes, re-baselines and classifies every tracked query, then
// flushes batched warnings and refreshes the index advisory.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	now := m.now()
	ctx, span := m.tracer.Start(ctx, "Monitor.RunCycle")
	defer span.End()

	report := CycleReport{At: now}
	if err := m.classifier.FlushArchive(ctx); err != nil {
		span.RecordError(err)
	}

	var mu sync.Mutex
	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for _, id := range m.store.QueryIDs() {
		if ctx.Err() != nil {
			break
		}
		report.Queries++
		g.Go(func() error {
			out := m.cycleQuery(work, id, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.Suspended:
				report.Suspended++
			case out.Transition == TransitionOpened:
				report.Opened++
			case out.Transition == TransitionEscalated:
				report.Escalated++
			case out.Transition == TransitionResolved:
				report.Resolved++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cycle interrupted")
		return report, fmt.Errorf("detection cycle: %w", err)
	}

	m.dispatcher.Flush(ctx)
	m.correlator.Prune(now.Add(-max(m.cfg.RetentionPeriod, m.cfg.CorrelationLookback)))

	deltas, err := m.advisor.Run(ctx, now)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	for _, d := range deltas {
		m.correlator.RecordIndexDelta(d)
	}
	recs := m.advisor.Recommendations()
	report.Recommendations = len(recs)
	m.auditor.Record(ctx, port.AuditEntry{Kind: port.AuditRecommendations, Payload: recs})

	report.Duration = time.Since(start)
	m.inst.RecordCycleDuration(ctx, float64(report.Duration.Microseconds())/1000.0)
	span.SetAttributes(
		attribute.Int("cycle.queries", report.Queries),
		attribute.Int("cycle.opened", report.Opened),
		attribute.Int("cycle.resolved", report.Resolved),
	)
	m.lastMu.Lock()
	m.lastCycle = now
	m.lastMu.Unlock()

	m.logger.DebugContext(ctx, "detection cycle complete",
		slog.Int("cycle.queries", report.Queries),
		slog.Int("cycle.opened", report.Opened),
		slog.Int("cycle.escalated", report.Escalated),
		slog.Int("cycle.resolved", report.Resolved),
		slog.Int("cycle.suspended", report.Suspended),
		slog.Int("cycle.recommendations", report.Recommendations),
		slog.Duration("cycle.duration", report.Duration),
	)
	return report, nil
}

func (m *Monitor) cycleQuery(ctx context.Context, queryID string, now time.Time) Outcome {
	m.store.Prune(queryID, now.Add(-m.cfg.RetentionPeriod))
	if !m.cfg.MonitoredScope.Includes(queryID) {
		return Outcome{}
	}
	samples := m.store.Snapshot(queryID)

	b, ok := m.baselines.Get(queryID)
	fresh := false
	// An insufficient baseline is retried every cycle, auto_baseline or not,
	// so detection resumes once enough history has arrived.
	if !ok || !b.IsSufficient {
		if nb, err := m.baselines.Recompute(queryID, samples, now, m.classifier.HasActive(queryID)); err == nil {
			b, ok, fresh = nb, true, true
		}
	}
	var baseline *domain.Baseline
	if ok {
		baseline = &b
	}

	cw := m.cfg.EffectiveCurrentWindow()
	current := domain.Summarize(windowOf(samples, domain.TimeRange{From: now.Add(-cw), To: now.Add(time.Nanosecond)}), m.cfg.TrimPct)

	out, err := m.classifier.Evaluate(ctx, queryID, baseline, current, m.cfg, now)
	if err != nil {
		m.logger.WarnContext(ctx, "classification side effect failed",
			slog.String("query.id", queryID),
			slog.String("error.type", "archive_error"),
			slog.String("error.message", err.Error()),
		)
	}
	m.handleOutcome(ctx, queryID, out, now)

	if m.cfg.AutoBaseline && !fresh && !m.classifier.HasActive(queryID) {
		_, _ = m.baselines.Recompute(queryID, samples, now, false)
	}
	return out
}

func (m *Monitor) handleOutcome(ctx context.Context, queryID string, out Outcome, now time.Time) {
	ev := out.Event
	switch out.Transition {
	case TransitionOpened:
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CorrelationTimeout)
		rc, err := m.correlator.Correlate(cctx, ev.OpenedAt, m.catalog.Tables(queryID))
		cancel()
		if err != nil {
			m.logger.WarnContext(ctx, "root cause correlation abandoned",
				slog.String("query.id", queryID),
				slog.String("event.id", ev.ID),
				slog.String("error.message", err.Error()),
			)
		} else if updated, ok := m.classifier.AttachRootCause(queryID, ev.ID, rc); ok {
			ev = updated
		}
		m.logger.WarnContext(ctx, "regression opened",
			slog.String("query.id", queryID),
			slog.String("event.id", ev.ID),
			slog.String("severity", ev.Severity.String()),
			slog.Float64("baseline_ms", ev.BaselineMS),
			slog.Float64("current_ms", ev.CurrentMS),
			slog.Float64("regression_pct", ev.RegressionPct),
		)
		m.inst.IncrementEventsOpened(ctx, ev.Severity.String())
		m.auditor.Record(ctx, port.AuditEntry{Kind: port.AuditEventOpened, QueryID: queryID, EventID: ev.ID, Payload: ev})
		m.dispatcher.Notify(ctx, domain.NotificationFor(ev, now))

	case TransitionEscalated:
		m.logger.WarnContext(ctx, "regression escalated",
			slog.String("query.id", queryID),
			slog.String("event.id", ev.ID),
			slog.String("severity.from", out.Previous.String()),
			slog.String("severity", ev.Severity.String()),
		)
		m.auditor.Record(ctx, port.AuditEntry{Kind: port.AuditEventEscalated, QueryID: queryID, EventID: ev.ID, Payload: ev})
		m.dispatcher.Notify(ctx, domain.NotificationFor(ev, now))

	case TransitionResolved:
		m.logger.InfoContext(ctx, "regression resolved",
			slog.String("query.id", queryID),
			slog.String("event.id", ev.ID),
			slog.Float64("current_ms", ev.CurrentMS),
		)
		m.inst.IncrementEventsResolved(ctx)
		if ev.ResolvedAt != nil {
			m.baselines.Exclude(queryID, domain.TimeRange{
				From: ev.OpenedAt.Add(-m.cfg.EffectiveCurrentWindow()),
				To:   *ev.ResolvedAt,
			})
		}
		m.auditor.Record(ctx, port.AuditEntry{Kind: port.AuditEventResolved, QueryID: queryID, EventID: ev.ID, Payload: ev})
		m.dispatcher.Forget(ev.ID)
	}
}

// Ingest validates and stores one sample. Samples of queries outside the
// monitored scope are stored but never classified.
func (m *Monitor) Ingest(ctx context.Context, sample domain.QuerySample) error {
	return m.store.Ingest(ctx, sample)
}

// RecordChangeEvent appends a schema change to the correlation log.
func (m *Monitor) RecordChangeEvent(_ context.Context, ev domain.SchemaChangeEvent) error {
	return m.correlator.RecordChange(ev)
}

// Acknowledge moves an Open event to Acknowledged.
func (m *Monitor) Acknowledge(ctx context.Context, eventID string) (domain.RegressionEvent, error) {
	ev, err := m.classifier.Acknowledge(eventID, m.now())
	if errors.Is(err, domain.ErrNotFound) {
		archived, lerr := m.ListRegressionEvents(ctx, domain.StatusResolved)
		if lerr != nil {
			return domain.RegressionEvent{}, lerr
		}
		if slices.ContainsFunc(archived, func(e domain.RegressionEvent) bool { return e.ID == eventID }) {
			return domain.RegressionEvent{}, fmt.Errorf("event %q is resolved: %w", eventID, domain.ErrInvalidTransition)
		}
		return domain.RegressionEvent{}, err
	}
	if err != nil {
		return domain.RegressionEvent{}, err
	}
	m.auditor.Record(ctx, port.AuditEntry{Kind: port.AuditEventAcknowledged, QueryID: ev.QueryID, EventID: ev.ID, Payload: ev})
	return ev, nil
}

// RegisterQuery adds or replaces query metadata used for correlation and
// index advice.
func (m *Monitor) RegisterQuery(_ context.Context, q domain.QueryInfo) (domain.QueryInfo, error) {
	return m.catalog.RegisterQuery(q)
}

// UpsertIndex adds or replaces an index definition. A new index is recorded
// as an index change for correlation.
func (m *Monitor) UpsertIndex(_ context.Context, def domain.IndexDef) (domain.IndexDef, error) {
	def, delta, err := m.catalog.UpsertIndex(def, m.now())
	if err != nil {
		return domain.IndexDef{}, err
	}
	if delta != nil {
		m.correlator.RecordIndexDelta(*delta)
	}
	return def, nil
}

// RemoveIndex drops an index definition and records the change.
func (m *Monitor) RemoveIndex(_ context.Context, table, name string) error {
	delta, err := m.catalog.RemoveIndex(table, name, m.now())
	if err != nil {
		return err
	}
	m.correlator.RecordIndexDelta(delta)
	return nil
}

// RecomputeBaseline rebuilds a query's baseline on demand. It is refused
// while the query has an active regression.
func (m *Monitor) RecomputeBaseline(_ context.Context, queryID string) (domain.Baseline, error) {
	return m.baselines.Recompute(queryID, m.store.Snapshot(queryID), m.now(), m.classifier.HasActive(queryID))
}

// ListRegressionEvents returns active and archived events, optionally
// filtered by status, ordered by opened_at then id.
func (m *Monitor) ListRegressionEvents(ctx context.Context, statuses ...domain.EventStatus) ([]domain.RegressionEvent, error) {
	archived, err := m.archive.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list archived events: %w", err)
	}
	seen := make(map[string]bool)
	var out []domain.RegressionEvent
	for _, ev := range append(m.classifier.Events(), archived...) {
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		if len(statuses) == 0 || slices.Contains(statuses, ev.Status) {
			out = append(out, ev)
		}
	}
	SortEvents(out)
	return out, nil
}

// QueryTimeSeries lazily yields the query's samples in the half-open range.
func (m *Monitor) QueryTimeSeries(queryID string, r domain.TimeRange) iter.Seq[domain.QuerySample] {
	return m.store.Query(queryID, r)
}

// ListIndexRecommendations returns the ranked recommendations of the last cycle.
func (m *Monitor) ListIndexRecommendations() []domain.IndexRecommendation {
	return m.advisor.Recommendations()
}

// ListIndexStats returns the index usage assessment of the last cycle.
func (m *Monitor) ListIndexStats() []domain.IndexStat {
	return m.advisor.Stats()
}

// QueryStatus reports the detection state of one query.
func (m *Monitor) QueryStatus(queryID string) domain.QueryStatus {
	qs := m.classifier.Status(queryID)
	qs.InScope = m.cfg.MonitoredScope.Includes(queryID)
	if b, ok := m.baselines.Get(queryID); ok {
		qs.Baseline = &b
	}
	return qs
}

// Summary aggregates the engine state for dashboards.
func (m *Monitor) Summary(ctx context.Context) (domain.MonitorSummary, error) {
	events, err := m.ListRegressionEvents(ctx)
	if err != nil {
		return domain.MonitorSummary{}, err
	}
	var s domain.MonitorSummary
	ids := m.store.QueryIDs()
	s.TrackedQueries = len(ids)
	for _, id := range ids {
		if m.cfg.MonitoredScope.Includes(id) {
			s.MonitoredQueries++
		}
	}
	for _, ev := range events {
		switch ev.Status {
		case domain.StatusOpen:
			s.OpenEvents++
		case domain.StatusAcknowledged:
			s.AcknowledgedEvents++
		case domain.StatusResolved:
			s.ResolvedEvents++
			continue
		}
		if ev.Severity == domain.SeverityCritical {
			s.CriticalEvents++
		} else {
			s.WarningEvents++
		}
	}
	recs := m.advisor.Recommendations()
	s.Recommendations = len(recs)
	for _, r := range recs {
		if r.Priority == domain.PriorityHigh {
			s.HighPriority++
		}
		s.ReclaimableMB += r.ReclaimedMB
	}
	for _, st := range m.advisor.Stats() {
		switch st.Status {
		case domain.IndexUnused:
			s.UnusedIndexes++
		case domain.IndexUnderused:
			s.UnderusedIndexes++
		}
	}
	m.lastMu.RLock()
	if !m.lastCycle.IsZero() {
		at := m.lastCycle
		s.LastCycleAt = &at
	}
	m.lastMu.RUnlock()
	return s, nil
}
