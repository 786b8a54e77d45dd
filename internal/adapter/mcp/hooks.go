package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/port"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// callState holds per-request timing and span data.
type callState struct {
	start time.Time
	span  trace.Span
}

// ToolCallHooks creates MCP hooks that log tool calls and optionally record
// OTel spans and metrics. Calls that name a query or event carry its id.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	hooks := &server.Hooks{}
	var calls sync.Map // id -> *callState

	finish := func(id any) (time.Duration, trace.Span) {
		v, ok := calls.LoadAndDelete(id)
		if !ok {
			return 0, nil
		}
		state := v.(*callState)
		return time.Since(state.start), state.span
	}

	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest) {
		state := &callState{start: time.Now()}

		if tracer != nil {
			attrs := []attribute.KeyValue{attribute.String("mcp.tool", req.Params.Name)}
			for _, a := range subjectAttrs(req) {
				attrs = append(attrs, attribute.String(a.Key, a.Value.String()))
			}
			_, span := tracer.Start(ctx, "mcp.tool.call", trace.WithAttributes(attrs...))
			state.span = span
		}

		calls.Store(id, state)
	})

	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, result any) {
		duration, span := finish(id)

		level := slog.LevelInfo
		isErr := false
		if r, ok := result.(*mcp.CallToolResult); ok && r.IsError {
			level = slog.LevelWarn
			isErr = true
		}

		attrs := []slog.Attr{
			slog.String("rpc.method", "tools/call"),
			slog.String("mcp.tool", req.Params.Name),
			slog.Duration("duration", duration),
			slog.Bool("error", isErr),
		}
		logger.LogAttrs(ctx, level, "tool call", append(attrs, subjectAttrs(req)...)...)

		if inst != nil {
			inst.RecordToolDuration(ctx, float64(duration.Microseconds())/1000)
		}

		if span != nil {
			if isErr {
				span.SetStatus(codes.Error, "tool returned error")
				span.RecordError(fmt.Errorf("tool %s returned error", req.Params.Name))
			}
			span.End()
		}
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		duration, span := finish(id)

		if req, ok := message.(*mcp.CallToolRequest); ok && req.Params.Name != "" {
			logger.LogAttrs(ctx, slog.LevelError, "tool call",
				slog.String("rpc.method", string(method)),
				slog.String("mcp.tool", req.Params.Name),
				slog.Duration("duration", duration),
				slog.Bool("error", true),
				slog.String("error.message", err.Error()),
			)
		}

		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
	})

	return hooks
}

// subjectAttrs extracts the query or event a tool call is about.
func subjectAttrs(req *mcp.CallToolRequest) []slog.Attr {
	args := req.GetArguments()
	var attrs []slog.Attr
	if v, _ := args["query_id"].(string); v != "" {
		attrs = append(attrs, slog.String("query.id", v))
	}
	if v, _ := args["event_id"].(string); v != "" {
		attrs = append(attrs, slog.String("event.id", v))
	}
	return attrs
}
