package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/port"
)

// fileEntry is the NDJSON-serializable form of an audit record.
type fileEntry struct {
	Timestamp string  `json:"ts"`
	Kind      string  `json:"kind"`
	QueryID   string  `json:"query_id,omitempty"`
	EventID   string  `json:"event_id,omitempty"`
	Payload   any     `json:"payload,omitempty"`
	Error     *string `json:"error"`
}

// FileAuditor writes audit entries as NDJSON (one JSON object per line) to a file.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewFileAuditor opens (or creates) the file at path for append-only writing.
func NewFileAuditor(path string) (*FileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileAuditor{
		file: f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
	}, nil
}

func (a *FileAuditor) Record(_ context.Context, entry port.AuditEntry) {
	fe := fileEntry{
		Timestamp: a.now().UTC().Format(time.RFC3339Nano),
		Kind:      entry.Kind,
		QueryID:   entry.QueryID,
		EventID:   entry.EventID,
		Payload:   entry.Payload,
	}
	if entry.Err != nil {
		s := entry.Err.Error()
		fe.Error = &s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// best-effort; a payload that cannot be encoded is replaced by the reason
	if err := a.enc.Encode(fe); err != nil {
		s := "payload not encodable: " + err.Error()
		fe.Payload, fe.Error = nil, &s
		_ = a.enc.Encode(fe)
	}
}

func (a *FileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
