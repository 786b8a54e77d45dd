// Package notify implements the alert channels named in the monitoring
// config.
package notify

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
)

// FromConfig builds one notifier per configured channel. mcpOut may be nil
// when no mcp channel is configured.
func FromConfig(channels []domain.ChannelConfig, logger *slog.Logger, mcpOut Broadcaster, client *http.Client) ([]port.Notifier, error) {
	out := make([]port.Notifier, 0, len(channels))
	for _, ch := range channels {
		switch ch.Type {
		case domain.ChannelLog:
			out = append(out, NewLog(ch.Name, logger))
		case domain.ChannelWebhook:
			if ch.URL == "" {
				return nil, fmt.Errorf("webhook channel %q has no url", ch.Name)
			}
			out = append(out, NewWebhook(ch.Name, ch.URL, client))
		case domain.ChannelMCP:
			if mcpOut == nil {
				return nil, fmt.Errorf("mcp channel %q needs an MCP server", ch.Name)
			}
			out = append(out, NewMCP(ch.Name, mcpOut))
		default:
			return nil, fmt.Errorf("channel %q has unknown type %q", ch.Name, ch.Type)
		}
	}
	return out, nil
}
