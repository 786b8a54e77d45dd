package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "line %d: %s", len(out)+1, scanner.Text())
		out = append(out, entry)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestNewFileAuditor_CreatesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fa, err := NewFileAuditor(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, fa.Close()) }()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewFileAuditor_InvalidPath(t *testing.T) {
	t.Parallel()
	_, err := NewFileAuditor("/nonexistent/dir/audit.jsonl")
	require.Error(t, err)
}

func TestFileAuditor_Record_EventTransition(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fa, err := NewFileAuditor(path)
	require.NoError(t, err)
	fa.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	fa.Record(context.Background(), port.AuditEntry{
		Kind:    port.AuditEventOpened,
		QueryID: "user_login",
		EventID: "e1",
		Payload: domain.RegressionEvent{ID: "e1", QueryID: "user_login", Severity: domain.SeverityCritical, Status: domain.StatusOpen},
	})
	require.NoError(t, fa.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "2026-03-02T12:00:00Z", entry["ts"])
	assert.Equal(t, "event_opened", entry["kind"])
	assert.Equal(t, "user_login", entry["query_id"])
	assert.Equal(t, "e1", entry["event_id"])
	assert.Nil(t, entry["error"])

	payload, ok := entry["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "critical", payload["severity"])
	assert.Equal(t, "open", payload["status"])
}

func TestFileAuditor_Record_WithError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fa, err := NewFileAuditor(path)
	require.NoError(t, err)

	fa.Record(context.Background(), port.AuditEntry{
		Kind:    port.AuditDispatchFailed,
		EventID: "e1",
		Err:     fmt.Errorf("webhook slack returned 502 Bad Gateway"),
	})
	require.NoError(t, fa.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "webhook slack returned 502 Bad Gateway", entries[0]["error"])
	assert.NotContains(t, entries[0], "query_id")
}

func TestFileAuditor_Record_UnencodablePayload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fa, err := NewFileAuditor(path)
	require.NoError(t, err)

	fa.Record(context.Background(), port.AuditEntry{Kind: port.AuditRecommendations, Payload: make(chan int)})
	require.NoError(t, fa.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "recommendations", entries[0]["kind"])
	assert.Contains(t, entries[0]["error"], "payload not encodable")
}

func TestFileAuditor_Record_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fa, err := NewFileAuditor(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fa.Record(context.Background(), port.AuditEntry{
				Kind:    port.AuditEventResolved,
				EventID: fmt.Sprintf("e%d", n),
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, fa.Close())

	assert.Len(t, readEntries(t, path), 50)
}

func TestFileAuditor_Append(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	// First auditor writes one entry.
	fa1, err := NewFileAuditor(path)
	require.NoError(t, err)
	fa1.Record(context.Background(), port.AuditEntry{Kind: port.AuditEventOpened, EventID: "e1"})
	require.NoError(t, fa1.Close())

	// Second auditor appends another entry.
	fa2, err := NewFileAuditor(path)
	require.NoError(t, err)
	fa2.Record(context.Background(), port.AuditEntry{Kind: port.AuditEventResolved, EventID: "e1"})
	require.NoError(t, fa2.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "event_resolved", entries[1]["kind"])
}

func TestNoopAuditor(t *testing.T) {
	t.Parallel()
	a := port.NoopAuditor{}
	a.Record(context.Background(), port.AuditEntry{Kind: port.AuditEventOpened})
	assert.NoError(t, a.Close())
}
