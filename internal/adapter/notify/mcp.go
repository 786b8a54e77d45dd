package notify

import (
	"context"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/mark3labs/mcp-go/mcp"
)

// Broadcaster pushes a notification to every connected MCP client.
// *server.MCPServer satisfies it.
type Broadcaster interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

const (
	loggerName    = "querywatch"
	methodMessage = "notifications/message"
)

// MCP delivers notifications as MCP logging messages so connected clients
// see regressions as they open.
type MCP struct {
	name string
	out  Broadcaster
}

func NewMCP(name string, out Broadcaster) *MCP {
	return &MCP{name: name, out: out}
}

func (m *MCP) Name() string { return m.name }

func (m *MCP) Notify(ctx context.Context, batch []domain.Notification) error {
	for _, n := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		level := mcp.LoggingLevelWarning
		if n.Severity == domain.SeverityCritical {
			level = mcp.LoggingLevelCritical
		}
		m.out.SendNotificationToAllClients(methodMessage, map[string]any{
			"level":  string(level),
			"logger": loggerName,
			"data":   n,
		})
	}
	return nil
}
