package mcp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/adapter/catalog"
	"github.com/guillermoBallester/querywatch/internal/adapter/postgres"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/service"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// setupE2E starts a Postgres testcontainer and returns an MCP server whose
// engine archives resolved events there and starts from the sample catalog.
func setupE2E(t *testing.T) (*server.MCPServer, *postgres.Archive, *testClock) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
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

	archive := postgres.NewArchive(pool)
	require.NoError(t, archive.EnsureSchema(ctx))

	clock := &testClock{t: now}
	cat := service.NewCatalog()
	f, err := catalog.LoadFromFile("../catalog/testdata/catalog.yaml")
	require.NoError(t, err)
	require.NoError(t, f.Apply(cat, clock.Now()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := domain.DefaultMonitoringConfig()
	cfg.NotificationChannels = nil
	monitor, err := service.NewMonitor(cfg, cat, service.MonitorOptions{
		Archive: archive,
		Logger:  logger,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	monitor.Start(ctx)
	t.Cleanup(func() { _ = monitor.Close(ctx) })

	s := NewServer("test-e2e", logger, nil, nil)
	RegisterTools(s, monitor, logger)
	return s, archive, clock
}

func TestE2E_RegressionArchivedToPostgres(t *testing.T) {
	s, archive, clock := setupE2E(t)
	ctx := context.Background()

	// order_history reads orders; an index change there is the root cause.
	for i := range 40 {
		ingest(t, s, "order_history", clock.Now().Add(-time.Duration(i+1)*time.Hour), 120)
	}
	b := decode[domain.Baseline](t, callTool(t, s, "recompute_baseline", map[string]any{"query_id": "order_history"}))
	require.True(t, b.IsSufficient)

	result := callTool(t, s, "record_change_event", map[string]any{
		"description":     "dropped idx_orders_customer",
		"affected_tables": []any{"orders"},
		"timestamp":       clock.Now().Add(-30 * time.Minute).Format(time.RFC3339),
	})
	require.False(t, result.IsError, toolText(result))

	for i := range 5 {
		ingest(t, s, "order_history", clock.Now().Add(-time.Duration(i+1)*time.Second), 600)
	}
	report := decode[service.CycleReport](t, callTool(t, s, "run_detection_cycle", nil))
	require.Equal(t, 1, report.Opened)

	open := decode[[]domain.RegressionEvent](t, callTool(t, s, "list_regressions", map[string]any{"status": "open"}))
	require.Len(t, open, 1)
	ev := open[0]
	assert.Equal(t, domain.SeverityCritical, ev.Severity)
	require.NotNil(t, ev.RootCause)
	assert.Equal(t, "dropped idx_orders_customer", ev.RootCause.Description)

	// Three healthy cycles resolve the event and hand it to the archive.
	for range 3 {
		clock.Advance(10 * time.Minute)
		for i := range 5 {
			ingest(t, s, "order_history", clock.Now().Add(-time.Duration(i+1)*time.Second), 118)
		}
		callTool(t, s, "run_detection_cycle", nil)
	}

	archived, err := archive.List(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, ev.ID, archived[0].ID)
	assert.Equal(t, domain.StatusResolved, archived[0].Status)
	require.NotNil(t, archived[0].ResolvedAt)
	require.NotNil(t, archived[0].RootCause)
	assert.Equal(t, []string{"orders"}, archived[0].RootCause.AffectedTables)

	resolved := decode[[]domain.RegressionEvent](t, callTool(t, s, "list_regressions", map[string]any{"status": "resolved"}))
	require.Len(t, resolved, 1)
	assert.Equal(t, ev.ID, resolved[0].ID)

	status := decode[domain.QueryStatus](t, callTool(t, s, "query_status", map[string]any{"query_id": "order_history"}))
	assert.Nil(t, status.ActiveEvent)
}

func TestE2E_CatalogDrivesIndexAdvice(t *testing.T) {
	s, _, clock := setupE2E(t)

	for i := range 10 {
		ingest(t, s, "user_login", clock.Now().Add(-time.Duration(i+1)*time.Minute), 15)
	}
	callTool(t, s, "run_detection_cycle", nil)

	stats := decode[[]domain.IndexStat](t, callTool(t, s, "list_index_stats", nil))
	assert.NotEmpty(t, stats)

	recs := decode[[]domain.IndexRecommendation](t, callTool(t, s, "list_index_recommendations", nil))
	for _, r := range recs {
		assert.NotEmpty(t, r.Table)
		assert.NotEmpty(t, r.Statement)
	}
}
