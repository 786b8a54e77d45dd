package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive persists resolved regression events in the regression_events table.
type Archive struct {
	pool *pgxpool.Pool
}

func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// EnsureSchema creates the archive table and its indexes when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, queryCreateArchive); err != nil {
		return fmt.Errorf("creating regression_events: %w", err)
	}
	return nil
}

func (a *Archive) Archive(ctx context.Context, ev domain.RegressionEvent) error {
	if ev.Status != domain.StatusResolved {
		return fmt.Errorf("archive event %q with status %s: %w", ev.ID, ev.Status, domain.ErrInvalidTransition)
	}
	rootCause, err := encodeRootCause(ev.RootCause)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, queryInsertEvent,
		ev.ID, ev.QueryID, ev.OpenedAt, ev.BaselineMS, ev.CurrentMS, ev.RegressionPct, ev.ErrorRatePct,
		ev.Severity.String(), string(ev.Status), rootCause, ev.AcknowledgedAt, ev.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving event %q: %w", ev.ID, err)
	}
	return nil
}

func (a *Archive) List(ctx context.Context) ([]domain.RegressionEvent, error) {
	rows, err := a.pool.Query(ctx, querySelectEvents)
	if err != nil {
		return nil, fmt.Errorf("listing archived events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scanning archived events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (domain.RegressionEvent, error) {
	var (
		ev        domain.RegressionEvent
		severity  string
		status    string
		rootCause []byte
	)
	err := row.Scan(
		&ev.ID, &ev.QueryID, &ev.OpenedAt, &ev.BaselineMS, &ev.CurrentMS, &ev.RegressionPct, &ev.ErrorRatePct,
		&severity, &status, &rootCause, &ev.AcknowledgedAt, &ev.ResolvedAt,
	)
	if err != nil {
		return domain.RegressionEvent{}, err
	}
	if ev.Severity, err = domain.ParseSeverity(severity); err != nil {
		return domain.RegressionEvent{}, fmt.Errorf("event %q: %w", ev.ID, err)
	}
	ev.Status = domain.EventStatus(status)
	if ev.RootCause, err = decodeRootCause(rootCause); err != nil {
		return domain.RegressionEvent{}, fmt.Errorf("event %q: %w", ev.ID, err)
	}
	ev.OpenedAt = ev.OpenedAt.UTC()
	ev.AcknowledgedAt = utcPtr(ev.AcknowledgedAt)
	ev.ResolvedAt = utcPtr(ev.ResolvedAt)
	return ev, nil
}

// encodeRootCause returns nil for a missing cause so the column stays NULL.
func encodeRootCause(rc *domain.RootCause) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encoding root cause: %w", err)
	}
	return data, nil
}

func decodeRootCause(data []byte) (*domain.RootCause, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rc domain.RootCause
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("decoding root cause: %w", err)
	}
	return &rc, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
