package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func batch() []domain.Notification {
	return []domain.Notification{
		{EventID: "e1", QueryID: "user_login", Severity: domain.SeverityWarning, CurrentMS: 620, BaselineMS: 400, RegressionPct: 55, CreatedAt: created},
		{EventID: "e2", QueryID: "product_search", Severity: domain.SeverityCritical, CurrentMS: 2400, BaselineMS: 800, RegressionPct: 200, CreatedAt: created,
			RootCause: &domain.RootCause{Description: "drop index idx_products_category"}},
	}
}

func TestLog_Notify(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := NewLog("dashboard", logger)
	assert.Equal(t, "dashboard", n.Name())

	require.NoError(t, n.Notify(context.Background(), batch()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "WARN", first["level"])
	assert.Equal(t, "user_login", first["query.id"])
	assert.Equal(t, "ERROR", second["level"])
	assert.Equal(t, "drop index idx_products_category", second["root_cause"])
}

func TestWebhook_PostsBatch(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhook("slack", srv.URL, srv.Client())
	require.NoError(t, n.Notify(context.Background(), batch()))

	assert.Equal(t, "slack", got.Channel)
	require.Len(t, got.Notifications, 2)
	assert.Equal(t, domain.SeverityCritical, got.Notifications[1].Severity)
}

func TestWebhook_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retries", http.StatusBadGateway, false},
		{"rate limited retries", http.StatusTooManyRequests, false},
		{"client error is permanent", http.StatusBadRequest, true},
		{"not found is permanent", http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhook("ops", srv.URL, srv.Client()).Notify(context.Background(), batch())
			require.Error(t, err)
			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}

func TestWebhook_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewWebhook("ops", srv.URL, nil).Notify(ctx, batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	method []string
	params []map[string]any
}

func (f *fakeBroadcaster) SendNotificationToAllClients(method string, params map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.method = append(f.method, method)
	f.params = append(f.params, params)
}

func TestMCP_BroadcastsLoggingMessages(t *testing.T) {
	out := &fakeBroadcaster{}
	n := NewMCP("clients", out)
	require.NoError(t, n.Notify(context.Background(), batch()))

	require.Len(t, out.method, 2)
	assert.Equal(t, "notifications/message", out.method[0])
	assert.Equal(t, "warning", out.params[0]["level"])
	assert.Equal(t, "critical", out.params[1]["level"])
	assert.Equal(t, "querywatch", out.params[1]["logger"])
	data, ok := out.params[1]["data"].(domain.Notification)
	require.True(t, ok)
	assert.Equal(t, "e2", data.EventID)
}

func TestMCP_StopsOnCancelledContext(t *testing.T) {
	out := &fakeBroadcaster{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMCP("clients", out).Notify(ctx, batch())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.method)
}

func TestFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	notifiers, err := FromConfig([]domain.ChannelConfig{
		{Name: "dashboard", Type: domain.ChannelLog},
		{Name: "slack", Type: domain.ChannelWebhook, URL: "http://localhost:9/hook"},
		{Name: "clients", Type: domain.ChannelMCP},
	}, logger, &fakeBroadcaster{}, nil)
	require.NoError(t, err)
	require.Len(t, notifiers, 3)
	assert.IsType(t, &Log{}, notifiers[0])
	assert.IsType(t, &Webhook{}, notifiers[1])
	assert.IsType(t, &MCP{}, notifiers[2])
	assert.Equal(t, "slack", notifiers[1].Name())

	_, err = FromConfig([]domain.ChannelConfig{{Name: "clients", Type: domain.ChannelMCP}}, logger, nil, nil)
	assert.ErrorContains(t, err, "needs an MCP server")

	_, err = FromConfig([]domain.ChannelConfig{{Name: "pager", Type: "sms"}}, logger, nil, nil)
	assert.ErrorContains(t, err, "unknown type")
}
