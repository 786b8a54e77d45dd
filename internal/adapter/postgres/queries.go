package postgres

const queryCreateArchive = `
	CREATE TABLE IF NOT EXISTS regression_events (
		id              TEXT PRIMARY KEY,
		query_id        TEXT NOT NULL,
		opened_at       TIMESTAMPTZ NOT NULL,
		baseline_ms     DOUBLE PRECISION NOT NULL,
		current_ms      DOUBLE PRECISION NOT NULL,
		regression_pct  DOUBLE PRECISION NOT NULL,
		error_rate_pct  DOUBLE PRECISION NOT NULL,
		severity        TEXT NOT NULL,
		status          TEXT NOT NULL,
		root_cause      JSONB,
		acknowledged_at TIMESTAMPTZ,
		resolved_at     TIMESTAMPTZ,
		archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS regression_events_opened_idx ON regression_events (opened_at, id);
	CREATE INDEX IF NOT EXISTS regression_events_query_idx ON regression_events (query_id)`

// Archived events are immutable, so a retried insert of the same id is a no-op.
const queryInsertEvent = `
	INSERT INTO regression_events (
		id, query_id, opened_at, baseline_ms, current_ms, regression_pct, error_rate_pct,
		severity, status, root_cause, acknowledged_at, resolved_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

const querySelectEvents = `
	SELECT
		id, query_id, opened_at, baseline_ms, current_ms, regression_pct, error_rate_pct,
		severity, status, root_cause, acknowledged_at, resolved_at
	FROM regression_events
	ORDER BY opened_at, id`
