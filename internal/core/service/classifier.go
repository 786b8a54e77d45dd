package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
)

// Transition is the lifecycle change produced by one evaluation.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionEscalated
	TransitionResolved
)

func (t Transition) String() string {
	switch t {
	case TransitionOpened:
		return "opened"
	case TransitionEscalated:
		return "escalated"
	case TransitionResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Outcome reports what one evaluation did to a query.
type Outcome struct {
	Transition Transition
	Event      domain.RegressionEvent
	Previous   domain.Severity
	Suspended  bool
}

type queryState struct {
	mu            sync.Mutex
	active        *domain.RegressionEvent
	healthyStreak int
	lastEvaluated time.Time
	suspended     bool
}

// Classifier runs the per-query regression state machine. Every transition of
// a query happens under that query's lock, so a query never has more than one
// active event.
type Classifier struct {
	mu     sync.RWMutex
	states map[string]*queryState
	events map[string]string // active event id -> query id

	pendingMu sync.Mutex
	pending   []domain.RegressionEvent // resolved, not yet archived

	archive port.EventArchive
	newID   func() string
	logger  *slog.Logger
}

func NewClassifier(archive port.EventArchive, newID func() string, logger *slog.Logger) *Classifier {
	if archive == nil {
		archive = NewMemoryArchive()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Classifier{
		states:  make(map[string]*queryState),
		events:  make(map[string]string),
		archive: archive,
		newID:   newID,
		logger:  logger,
	}
}

func (c *Classifier) state(queryID string) *queryState {
	c.mu.RLock()
	st, ok := c.states[queryID]
	c.mu.RUnlock()
	if ok {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.states[queryID]; !ok {
		st = &queryState{}
		c.states[queryID] = st
	}
	return st
}

func (c *Classifier) existing(queryID string) (*queryState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[queryID]
	return st, ok
}

// Evaluate advances the query's state machine with the current aggregate.
// A missing or insufficient baseline suspends classification for a query
// without an active event. A cycle without current samples changes nothing.
func (c *Classifier) Evaluate(ctx context.Context, queryID string, baseline *domain.Baseline, current domain.Aggregate, cfg domain.MonitoringConfig, now time.Time) (Outcome, error) {
	st := c.state(queryID)
	st.mu.Lock()

	st.lastEvaluated = now
	if st.active == nil && (baseline == nil || !baseline.IsSufficient) {
		st.suspended = true
		st.mu.Unlock()
		return Outcome{Suspended: true}, nil
	}
	st.suspended = false
	if current.Count == 0 {
		st.mu.Unlock()
		return Outcome{}, nil
	}

	baselineMS := 0.0
	if st.active != nil {
		baselineMS = st.active.BaselineMS
	} else {
		baselineMS = baseline.BaselineResponseMS
	}
	pct, ok := domain.RegressionPct(baselineMS, current.ResponseMS)
	if !ok {
		st.mu.Unlock()
		return Outcome{}, nil
	}
	sev := domain.EvaluateSeverity(domain.Observation{
		CurrentMS:     current.ResponseMS,
		RegressionPct: pct,
		ErrorRatePct:  current.ErrorRatePct,
	}, cfg)

	if st.active == nil {
		defer st.mu.Unlock()
		if sev == domain.SeverityNone {
			return Outcome{}, nil
		}
		ev := &domain.RegressionEvent{
			ID:            c.newID(),
			QueryID:       queryID,
			OpenedAt:      now,
			BaselineMS:    baselineMS,
			CurrentMS:     current.ResponseMS,
			RegressionPct: pct,
			ErrorRatePct:  current.ErrorRatePct,
			Severity:      sev,
			Status:        domain.StatusOpen,
		}
		st.active = ev
		st.healthyStreak = 0
		c.mu.Lock()
		c.events[ev.ID] = queryID
		c.mu.Unlock()
		return Outcome{Transition: TransitionOpened, Event: ev.Clone()}, nil
	}

	ev := st.active
	ev.CurrentMS = current.ResponseMS
	ev.RegressionPct = pct
	ev.ErrorRatePct = current.ErrorRatePct

	if sev != domain.SeverityNone {
		st.healthyStreak = 0
		defer st.mu.Unlock()
		if sev > ev.Severity {
			prev := ev.Severity
			ev.Severity = sev
			return Outcome{Transition: TransitionEscalated, Event: ev.Clone(), Previous: prev}, nil
		}
		return Outcome{Event: ev.Clone()}, nil
	}

	st.healthyStreak++
	if st.healthyStreak < cfg.RecoveryCycles {
		defer st.mu.Unlock()
		return Outcome{Event: ev.Clone()}, nil
	}

	resolvedAt := now
	ev.Status = domain.StatusResolved
	ev.ResolvedAt = &resolvedAt
	resolved := ev.Clone()
	st.active = nil
	st.healthyStreak = 0
	c.mu.Lock()
	delete(c.events, resolved.ID)
	c.mu.Unlock()
	c.pendingMu.Lock()
	c.pending = append(c.pending, resolved)
	c.pendingMu.Unlock()
	st.mu.Unlock()

	return Outcome{Transition: TransitionResolved, Event: resolved}, c.FlushArchive(ctx)
}

// FlushArchive hands resolved events to the archive. Events the archive
// rejects stay pending and are retried on the next call.
func (c *Classifier) FlushArchive(ctx context.Context) error {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	var failed []domain.RegressionEvent
	var firstErr error
	for _, ev := range batch {
		if err := c.archive.Archive(ctx, ev); err != nil {
			failed = append(failed, ev)
			if firstErr == nil {
				firstErr = fmt.Errorf("archive event %s: %w", ev.ID, err)
			}
		}
	}
	if len(failed) > 0 {
		c.pendingMu.Lock()
		c.pending = append(failed, c.pending...)
		c.pendingMu.Unlock()
		c.logger.WarnContext(ctx, "event archive failed",
			slog.Int("pending", len(failed)),
			slog.String("error.type", "archive_error"),
			slog.String("error.message", firstErr.Error()),
		)
	}
	return firstErr
}

// AttachRootCause sets the event's root cause once. It is a no-op when the
// event is no longer active or already has a cause.
func (c *Classifier) AttachRootCause(queryID, eventID string, rc *domain.RootCause) (domain.RegressionEvent, bool) {
	st, ok := c.existing(queryID)
	if !ok || rc == nil {
		return domain.RegressionEvent{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == nil || st.active.ID != eventID || st.active.RootCause != nil {
		return domain.RegressionEvent{}, false
	}
	cp := *rc
	st.active.RootCause = &cp
	return st.active.Clone(), true
}

// Acknowledge moves an Open event to Acknowledged. Acknowledging an already
// acknowledged event returns it unchanged. Unknown ids, including events
// resolved in the meantime, yield domain.ErrNotFound.
func (c *Classifier) Acknowledge(eventID string, now time.Time) (domain.RegressionEvent, error) {
	c.mu.RLock()
	queryID, ok := c.events[eventID]
	st := c.states[queryID]
	c.mu.RUnlock()
	if !ok || st == nil {
		return domain.RegressionEvent{}, fmt.Errorf("event %q: %w", eventID, domain.ErrNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == nil || st.active.ID != eventID {
		return domain.RegressionEvent{}, fmt.Errorf("event %q: %w", eventID, domain.ErrNotFound)
	}
	if st.active.Status == domain.StatusOpen {
		at := now
		st.active.Status = domain.StatusAcknowledged
		st.active.AcknowledgedAt = &at
	}
	return st.active.Clone(), nil
}

// HasActive reports whether the query has an Open or Acknowledged event.
func (c *Classifier) HasActive(queryID string) bool {
	st, ok := c.existing(queryID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active != nil
}

// OpenSeverity is the severity of the query's event while it is Open, or
// None. Acknowledged events do not count.
func (c *Classifier) OpenSeverity(queryID string) domain.Severity {
	st, ok := c.existing(queryID)
	if !ok {
		return domain.SeverityNone
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == nil || st.active.Status != domain.StatusOpen {
		return domain.SeverityNone
	}
	return st.active.Severity
}

// ActiveSeverity is the severity of the query's active event, or None.
func (c *Classifier) ActiveSeverity(queryID string) domain.Severity {
	st, ok := c.existing(queryID)
	if !ok {
		return domain.SeverityNone
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == nil {
		return domain.SeverityNone
	}
	return st.active.Severity
}

// Events returns the active events plus resolved events still waiting for
// the archive.
func (c *Classifier) Events() []domain.RegressionEvent {
	c.mu.RLock()
	states := make([]*queryState, 0, len(c.states))
	for _, st := range c.states {
		states = append(states, st)
	}
	c.mu.RUnlock()

	var out []domain.RegressionEvent
	for _, st := range states {
		st.mu.Lock()
		if st.active != nil {
			out = append(out, st.active.Clone())
		}
		st.mu.Unlock()
	}
	c.pendingMu.Lock()
	for _, ev := range c.pending {
		out = append(out, ev.Clone())
	}
	c.pendingMu.Unlock()
	return out
}

// Status fills the classifier-owned fields of a QueryStatus.
func (c *Classifier) Status(queryID string) domain.QueryStatus {
	qs := domain.QueryStatus{QueryID: queryID, State: domain.QueryStateUnknown}
	st, ok := c.existing(queryID)
	if !ok {
		return qs
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastEvaluated.IsZero() {
		at := st.lastEvaluated
		qs.LastEvaluated = &at
	}
	qs.HealthyStreak = st.healthyStreak
	switch {
	case st.active != nil:
		ev := st.active.Clone()
		qs.ActiveEvent = &ev
		qs.State = domain.QueryStateOpen
		if ev.Status == domain.StatusAcknowledged {
			qs.State = domain.QueryStateAcknowledged
		}
	case st.suspended:
		qs.State = domain.QueryStateInsufficientData
	case !st.lastEvaluated.IsZero():
		qs.State = domain.QueryStateNormal
	}
	return qs
}
