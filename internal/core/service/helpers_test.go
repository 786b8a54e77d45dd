package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// --- fake clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sample(queryID string, at time.Time, ms float64) domain.QuerySample {
	return domain.QuerySample{QueryID: queryID, Timestamp: at, ResponseTimeMS: ms, RowsScanned: 1000, RowsReturned: 10}
}

// --- recording notifier ---

type recordingNotifier struct {
	name string

	mu      sync.Mutex
	batches [][]domain.Notification

	failures atomic.Int32 // remaining calls that fail
	calls    atomic.Int32
	block    chan struct{}
}

func newRecordingNotifier(name string) *recordingNotifier { return &recordingNotifier{name: name} }

func (n *recordingNotifier) Name() string { return n.name }

func (n *recordingNotifier) Notify(ctx context.Context, batch []domain.Notification) error {
	n.calls.Add(1)
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n.failures.Load() > 0 {
		n.failures.Add(-1)
		return errors.New("channel unavailable")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, append([]domain.Notification(nil), batch...))
	return nil
}

func (n *recordingNotifier) Batches() [][]domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]domain.Notification(nil), n.batches...)
}

func (n *recordingNotifier) Delivered() []domain.Notification {
	var out []domain.Notification
	for _, b := range n.Batches() {
		out = append(out, b...)
	}
	return out
}

// --- recording auditor ---

type recordingAuditor struct {
	mu      sync.Mutex
	entries []port.AuditEntry
}

func (a *recordingAuditor) Record(_ context.Context, e port.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAuditor) Close() error { return nil }

func (a *recordingAuditor) Kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Kind)
	}
	return out
}

// --- flaky archive ---

type flakyArchive struct {
	MemoryArchive
	fail atomic.Bool
}

func (a *flakyArchive) Archive(ctx context.Context, ev domain.RegressionEvent) error {
	if a.fail.Load() {
		return fmt.Errorf("archive offline")
	}
	return a.MemoryArchive.Archive(ctx, ev)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("evt-%03d", n.Add(1)) }
}
