package mcp

import (
	"log/slog"

	"github.com/guillermoBallester/querywatch/internal/core/port"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"
)

// NewServer creates an MCPServer with logging hooks. Tools are bound
// separately with RegisterTools because the engine's mcp notification
// channel needs the server before the engine exists.
func NewServer(version string, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	return server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)
}
