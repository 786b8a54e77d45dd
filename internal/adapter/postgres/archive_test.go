package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/adapter/postgres"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a Postgres testcontainer and returns a pool connected
// to it.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, connStr, postgres.PoolConfig{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func resolvedEvent(id string, opened time.Time) domain.RegressionEvent {
	acked := opened.Add(5 * time.Minute)
	resolved := opened.Add(30 * time.Minute)
	return domain.RegressionEvent{
		ID:             id,
		QueryID:        "orders_by_customer",
		OpenedAt:       opened,
		BaselineMS:     400,
		CurrentMS:      1200,
		RegressionPct:  200,
		ErrorRatePct:   0.5,
		Severity:       domain.SeverityCritical,
		Status:         domain.StatusResolved,
		AcknowledgedAt: &acked,
		ResolvedAt:     &resolved,
	}
}

func TestArchive_RoundTrip(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	archive := postgres.NewArchive(pool)
	require.NoError(t, archive.EnsureSchema(ctx))
	require.NoError(t, archive.EnsureSchema(ctx), "schema creation is idempotent")

	opened := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	withCause := resolvedEvent("b", opened)
	withCause.RootCause = &domain.RootCause{
		Source:         domain.SourceSchemaChange,
		Timestamp:      opened.Add(-time.Hour),
		Description:    "drop index idx_orders_customer",
		AffectedTables: []string{"orders"},
		OverlapTables:  []string{"orders"},
		ConfidencePct:  91,
	}
	require.NoError(t, archive.Archive(ctx, withCause))
	require.NoError(t, archive.Archive(ctx, resolvedEvent("a", opened)))
	require.NoError(t, archive.Archive(ctx, resolvedEvent("c", opened.Add(-time.Hour))))

	// A retried archive of the same event is a no-op.
	require.NoError(t, archive.Archive(ctx, withCause))

	events, err := archive.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{events[0].ID, events[1].ID, events[2].ID})

	got := events[2]
	assert.Equal(t, withCause.QueryID, got.QueryID)
	assert.True(t, withCause.OpenedAt.Equal(got.OpenedAt))
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	assert.Equal(t, domain.StatusResolved, got.Status)
	assert.InDelta(t, 200.0, got.RegressionPct, 1e-9)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, withCause.ResolvedAt.Equal(*got.ResolvedAt))
	require.NotNil(t, got.RootCause)
	assert.Equal(t, "drop index idx_orders_customer", got.RootCause.Description)
	assert.Nil(t, events[1].RootCause)
}

func TestArchive_SurvivesReconnect(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	first := postgres.NewArchive(pool)
	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, first.Archive(ctx, resolvedEvent("e1", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))))

	second := postgres.NewArchive(pool)
	events, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}
