package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "querywatch"

// Tool descriptions
const (
	descIngestSample = "Record one observed execution of a monitored query. " +
		"Samples are validated (non-negative timings and row counts, timestamp not in the future) " +
		"and feed both regression detection and index usage analysis."

	descRecordChangeEvent = "Record a schema or index change (migration, new index, dropped column). " +
		"Change events are correlated with regressions that open within the lookback window " +
		"and touch the same tables."

	descAcknowledge = "Acknowledge an open regression event. Acknowledged events stay active until the " +
		"query recovers; escalation to critical still notifies."

	descListRegressions = "List regression events ordered by opened_at. " +
		"Each event carries the baseline and current response time, the regression percentage, " +
		"severity, status and the most likely root cause when one was found."

	descTimeSeries = "Return the stored samples of one query, oldest first. " +
		"from is inclusive and to is exclusive; both are RFC 3339 timestamps and optional."

	descListRecommendations = "List index recommendations from the last advisory cycle, ranked by priority " +
		"then expected improvement. Each recommendation includes the SQL statement to apply it."

	descListIndexStats = "List every cataloged index with its recent scan count, usage score and status " +
		"(active, underused or unused)."

	descQueryStatus = "Show the detection state of one query: insufficient data, normal, or an active " +
		"regression, together with its current baseline."

	descSummary = "Summarize the engine state: tracked queries, open and resolved regressions, " +
		"recommendation counts and reclaimable index size."

	descRecomputeBaseline = "Rebuild the baseline of one query from its samples in the baseline window. " +
		"Refused while the query has an active regression."

	descRegisterQuery = "Register metadata for a query: a label and its SQL text. Tables, filter columns " +
		"and sort columns are derived from the SQL and used for correlation and index advice."

	descUpsertIndex = "Add or replace an index in the catalog used by the index advisor. " +
		"Adding a new index is recorded as a change event."

	descRemoveIndex = "Remove an index from the catalog. The removal is recorded as a change event."

	descRunCycle = "Run one detection cycle immediately instead of waiting for the next interval."
)

// RegisterTools binds every engine operation to an MCP tool.
func RegisterTools(s *server.MCPServer, monitor *service.Monitor, logger *slog.Logger) {
	h := &handlers{monitor: monitor, logger: logger}

	s.AddTool(
		mcp.NewTool("ingest_sample",
			mcp.WithDescription(descIngestSample),
			mcp.WithString("query_id", mcp.Required(), mcp.Description("Identifier of the monitored query")),
			mcp.WithString("timestamp", mcp.Description("RFC 3339 time of the execution. Defaults to now.")),
			mcp.WithNumber("response_time_ms", mcp.Required(), mcp.Description("Execution time in milliseconds")),
			mcp.WithBoolean("error_occurred", mcp.Description("Whether the execution failed")),
			mcp.WithNumber("rows_scanned", mcp.Description("Rows read by the executor")),
			mcp.WithNumber("rows_returned", mcp.Description("Rows returned to the client")),
			mcp.WithNumber("cpu_pct", mcp.Description("CPU utilisation during the execution")),
			mcp.WithNumber("memory_mb", mcp.Description("Memory used by the execution")),
		),
		h.ingestSample,
	)

	s.AddTool(
		mcp.NewTool("record_change_event",
			mcp.WithDescription(descRecordChangeEvent),
			mcp.WithString("description", mcp.Required(), mcp.Description("What changed")),
			mcp.WithArray("affected_tables", mcp.Required(),
				mcp.Description("Tables touched by the change"),
				mcp.Items(map[string]any{"type": "string"}),
			),
			mcp.WithString("timestamp", mcp.Description("RFC 3339 time of the change. Defaults to now.")),
		),
		h.recordChangeEvent,
	)

	s.AddTool(
		mcp.NewTool("acknowledge_regression",
			mcp.WithDescription(descAcknowledge),
			mcp.WithString("event_id", mcp.Required(), mcp.Description("Identifier of the regression event")),
		),
		h.acknowledge,
	)

	s.AddTool(
		mcp.NewTool("list_regressions",
			mcp.WithDescription(descListRegressions),
			mcp.WithString("status",
				mcp.Description("Only return events with this status"),
				mcp.Enum(string(domain.StatusOpen), string(domain.StatusAcknowledged), string(domain.StatusResolved)),
			),
		),
		h.listRegressions,
	)

	s.AddTool(
		mcp.NewTool("get_query_time_series",
			mcp.WithDescription(descTimeSeries),
			mcp.WithString("query_id", mcp.Required(), mcp.Description("Identifier of the monitored query")),
			mcp.WithString("from", mcp.Description("Inclusive lower bound (RFC 3339)")),
			mcp.WithString("to", mcp.Description("Exclusive upper bound (RFC 3339)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of samples to return. Defaults to 1000.")),
		),
		h.timeSeries,
	)

	s.AddTool(
		mcp.NewTool("list_index_recommendations",
			mcp.WithDescription(descListRecommendations),
			mcp.WithString("table", mcp.Description("Only return recommendations for this table")),
		),
		h.listRecommendations,
	)

	s.AddTool(
		mcp.NewTool("list_index_stats",
			mcp.WithDescription(descListIndexStats),
		),
		h.listIndexStats,
	)

	s.AddTool(
		mcp.NewTool("query_status",
			mcp.WithDescription(descQueryStatus),
			mcp.WithString("query_id", mcp.Required(), mcp.Description("Identifier of the monitored query")),
		),
		h.queryStatus,
	)

	s.AddTool(
		mcp.NewTool("monitor_summary",
			mcp.WithDescription(descSummary),
		),
		h.summary,
	)

	s.AddTool(
		mcp.NewTool("recompute_baseline",
			mcp.WithDescription(descRecomputeBaseline),
			mcp.WithString("query_id", mcp.Required(), mcp.Description("Identifier of the monitored query")),
		),
		h.recomputeBaseline,
	)

	s.AddTool(
		mcp.NewTool("register_query",
			mcp.WithDescription(descRegisterQuery),
			mcp.WithString("query_id", mcp.Required(), mcp.Description("Identifier of the monitored query")),
			mcp.WithString("label", mcp.Description("Human readable name, e.g. \"User Login\"")),
			mcp.WithString("sql", mcp.Description("SELECT, UPDATE or DELETE statement executed by the query")),
			mcp.WithArray("tables",
				mcp.Description("Tables the query reads, in addition to those found in the SQL"),
				mcp.Items(map[string]any{"type": "string"}),
			),
		),
		h.registerQuery,
	)

	s.AddTool(
		mcp.NewTool("upsert_index",
			mcp.WithDescription(descUpsertIndex),
			mcp.WithString("table", mcp.Required(), mcp.Description("Table the index belongs to")),
			mcp.WithString("index_name", mcp.Required(), mcp.Description("Name of the index")),
			mcp.WithArray("columns", mcp.Required(),
				mcp.Description("Indexed columns in order"),
				mcp.Items(map[string]any{"type": "string"}),
			),
			mcp.WithString("kind", mcp.Description("Index method. Defaults to btree.")),
			mcp.WithNumber("size_mb", mcp.Description("On-disk size of the index in megabytes")),
		),
		h.upsertIndex,
	)

	s.AddTool(
		mcp.NewTool("remove_index",
			mcp.WithDescription(descRemoveIndex),
			mcp.WithString("table", mcp.Required(), mcp.Description("Table the index belongs to")),
			mcp.WithString("index_name", mcp.Required(), mcp.Description("Name of the index")),
		),
		h.removeIndex,
	)

	s.AddTool(
		mcp.NewTool("run_detection_cycle",
			mcp.WithDescription(descRunCycle),
		),
		h.runCycle,
	)
}

type handlers struct {
	monitor *service.Monitor
	logger  *slog.Logger
}

func (h *handlers) ingestSample(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	queryID, _ := args["query_id"].(string)
	if queryID == "" {
		return mcp.NewToolResultError("query_id is required"), nil
	}
	rt, ok := args["response_time_ms"].(float64)
	if !ok {
		return mcp.NewToolResultError("response_time_ms is required"), nil
	}
	ts, err := timeArg(args, "timestamp", time.Now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	failed, _ := args["error_occurred"].(bool)

	sample := domain.QuerySample{
		QueryID:        queryID,
		Timestamp:      ts,
		ResponseTimeMS: rt,
		ErrorOccurred:  failed,
		RowsScanned:    int64(numberArg(args, "rows_scanned")),
		RowsReturned:   int64(numberArg(args, "rows_returned")),
		CPUPct:         numberArg(args, "cpu_pct"),
		MemoryMB:       numberArg(args, "memory_mb"),
	}
	if err := h.monitor.Ingest(ctx, sample); err != nil {
		return h.toolError(ctx, "ingest_sample", err), nil
	}
	return jsonResult(map[string]any{"accepted": true, "query_id": queryID, "timestamp": ts})
}

func (h *handlers) recordChangeEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	desc, _ := args["description"].(string)
	if desc == "" {
		return mcp.NewToolResultError("description is required"), nil
	}
	ts, err := timeArg(args, "timestamp", time.Now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ev := domain.SchemaChangeEvent{
		Timestamp:      ts,
		Description:    desc,
		AffectedTables: stringsArg(args, "affected_tables"),
	}
	if err := h.monitor.RecordChangeEvent(ctx, ev); err != nil {
		return h.toolError(ctx, "record_change_event", err), nil
	}
	return jsonResult(map[string]any{"recorded": true})
}

func (h *handlers) acknowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventID, _ := request.GetArguments()["event_id"].(string)
	if eventID == "" {
		return mcp.NewToolResultError("event_id is required"), nil
	}
	ev, err := h.monitor.Acknowledge(ctx, eventID)
	if err != nil {
		return h.toolError(ctx, "acknowledge_regression", err), nil
	}
	return jsonResult(ev)
}

func (h *handlers) listRegressions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statuses []domain.EventStatus
	if s, _ := request.GetArguments()["status"].(string); s != "" {
		st := domain.EventStatus(s)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", s)), nil
		}
		statuses = append(statuses, st)
	}
	events, err := h.monitor.ListRegressionEvents(ctx, statuses...)
	if err != nil {
		return h.toolError(ctx, "list_regressions", err), nil
	}
	if events == nil {
		events = []domain.RegressionEvent{}
	}
	return jsonResult(events)
}

const defaultSeriesLimit = 1000

func (h *handlers) timeSeries(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	queryID, _ := args["query_id"].(string)
	if queryID == "" {
		return mcp.NewToolResultError("query_id is required"), nil
	}
	var r domain.TimeRange
	var err error
	if r.From, err = timeArg(args, "from", time.Time{}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if r.To, err = timeArg(args, "to", time.Time{}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !r.To.IsZero() && r.To.Before(r.From) {
		return mcp.NewToolResultError("to must not be before from"), nil
	}
	limit := int(numberArg(args, "limit"))
	if limit <= 0 {
		limit = defaultSeriesLimit
	}

	samples := make([]domain.QuerySample, 0)
	truncated := false
	for s := range h.monitor.QueryTimeSeries(queryID, r) {
		if len(samples) == limit {
			truncated = true
			break
		}
		samples = append(samples, s)
	}
	return jsonResult(map[string]any{
		"query_id":  queryID,
		"samples":   samples,
		"truncated": truncated,
	})
}

func (h *handlers) listRecommendations(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, _ := request.GetArguments()["table"].(string)
	table = domain.NormalizeTable(table)

	recs := make([]domain.IndexRecommendation, 0)
	for _, r := range h.monitor.ListIndexRecommendations() {
		if table == "" || r.Table == table {
			recs = append(recs, r)
		}
	}
	return jsonResult(recs)
}

func (h *handlers) listIndexStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := h.monitor.ListIndexStats()
	if stats == nil {
		stats = []domain.IndexStat{}
	}
	return jsonResult(stats)
}

func (h *handlers) queryStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queryID, _ := request.GetArguments()["query_id"].(string)
	if queryID == "" {
		return mcp.NewToolResultError("query_id is required"), nil
	}
	return jsonResult(h.monitor.QueryStatus(queryID))
}

func (h *handlers) summary(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.monitor.Summary(ctx)
	if err != nil {
		return h.toolError(ctx, "monitor_summary", err), nil
	}
	return jsonResult(s)
}

func (h *handlers) recomputeBaseline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queryID, _ := request.GetArguments()["query_id"].(string)
	if queryID == "" {
		return mcp.NewToolResultError("query_id is required"), nil
	}
	b, err := h.monitor.RecomputeBaseline(ctx, queryID)
	if err != nil {
		return h.toolError(ctx, "recompute_baseline", err), nil
	}
	return jsonResult(b)
}

func (h *handlers) registerQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	queryID, _ := args["query_id"].(string)
	if queryID == "" {
		return mcp.NewToolResultError("query_id is required"), nil
	}
	label, _ := args["label"].(string)
	sql, _ := args["sql"].(string)

	q, err := h.monitor.RegisterQuery(ctx, domain.QueryInfo{
		ID:     queryID,
		Label:  label,
		SQL:    sql,
		Tables: stringsArg(args, "tables"),
	})
	if err != nil {
		return h.toolError(ctx, "register_query", err), nil
	}
	return jsonResult(q)
}

func (h *handlers) upsertIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	table, _ := args["table"].(string)
	name, _ := args["index_name"].(string)
	if table == "" || name == "" {
		return mcp.NewToolResultError("table and index_name are required"), nil
	}
	kind, _ := args["kind"].(string)

	def, err := h.monitor.UpsertIndex(ctx, domain.IndexDef{
		Table:   table,
		Name:    name,
		Columns: stringsArg(args, "columns"),
		Kind:    kind,
		SizeMB:  numberArg(args, "size_mb"),
	})
	if err != nil {
		return h.toolError(ctx, "upsert_index", err), nil
	}
	return jsonResult(def)
}

func (h *handlers) removeIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	table, _ := args["table"].(string)
	name, _ := args["index_name"].(string)
	if table == "" || name == "" {
		return mcp.NewToolResultError("table and index_name are required"), nil
	}
	if err := h.monitor.RemoveIndex(ctx, table, name); err != nil {
		return h.toolError(ctx, "remove_index", err), nil
	}
	return jsonResult(map[string]any{"removed": true, "table": domain.NormalizeTable(table), "index_name": name})
}

func (h *handlers) runCycle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := h.monitor.RunCycle(ctx)
	if err != nil {
		return h.toolError(ctx, "run_detection_cycle", err), nil
	}
	return jsonResult(report)
}

// toolError returns caller mistakes verbatim and hides everything else
// behind a generic message.
func (h *handlers) toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	if isCallerError(err) {
		return mcp.NewToolResultError(err.Error())
	}
	h.logger.LogAttrs(ctx, slog.LevelError, "tool failed",
		slog.String("mcp.tool", tool),
		slog.String("error.message", err.Error()),
	)
	return mcp.NewToolResultError("internal error: check server logs")
}

var callerErrors = []error{
	domain.ErrInvalidSample,
	domain.ErrInvalidChangeEvent,
	domain.ErrInvalidIndex,
	domain.ErrInvalidConfig,
	domain.ErrNotFound,
	domain.ErrInvalidTransition,
	domain.ErrRegressionActive,
	domain.ErrUnsupportedQuery,
}

func isCallerError(err error) bool {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return true
	}
	for _, target := range callerErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func timeArg(args map[string]any, key string, def time.Time) (time.Time, error) {
	s, _ := args[key].(string)
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %w", key, err)
	}
	return t, nil
}

func numberArg(args map[string]any, key string) float64 {
	n, _ := args[key].(float64)
	return n
}

func stringsArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
