package service

import (
	"context"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() DispatchPolicy {
	return DispatchPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Timeout: time.Second, QueueSize: 8}
}

func note(eventID string, sev domain.Severity, at time.Time) domain.Notification {
	return domain.Notification{EventID: eventID, QueryID: "q-" + eventID, Severity: sev, CreatedAt: at}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_CriticalImmediateWarningsBatched(t *testing.T) {
	n := newRecordingNotifier("ops")
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityWarning, t0))
	d.Notify(ctx, note("e2", domain.SeverityWarning, t0.Add(time.Second)))
	d.Notify(ctx, note("e3", domain.SeverityCritical, t0))

	require.Eventually(t, func() bool { return len(n.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "e3", n.Batches()[0][0].EventID)

	d.Flush(ctx)
	require.Eventually(t, func() bool { return len(n.Batches()) == 2 }, time.Second, 5*time.Millisecond)
	batch := n.Batches()[1]
	require.Len(t, batch, 2)
	assert.Equal(t, "e1", batch[0].EventID)
	assert.Equal(t, "e2", batch[1].EventID)

	closeDispatcher(t, d)
}

func TestDispatcher_DeduplicatesPerEventAndSeverity(t *testing.T) {
	n := newRecordingNotifier("ops")
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityCritical, t0))
	d.Notify(ctx, note("e1", domain.SeverityCritical, t0.Add(time.Minute)))
	d.Notify(ctx, note("e1", domain.SeverityWarning, t0))
	d.Flush(ctx)
	closeDispatcher(t, d)

	delivered := n.Delivered()
	require.Len(t, delivered, 2)
	assert.Equal(t, domain.SeverityCritical, delivered[0].Severity)
	assert.Equal(t, domain.SeverityWarning, delivered[1].Severity)
}

func TestDispatcher_CriticalSupersedesPendingWarning(t *testing.T) {
	n := newRecordingNotifier("ops")
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityWarning, t0))
	d.Notify(ctx, note("e1", domain.SeverityCritical, t0.Add(time.Minute)))
	d.Flush(ctx)
	closeDispatcher(t, d)

	delivered := n.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, domain.SeverityCritical, delivered[0].Severity)
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	n := newRecordingNotifier("flaky")
	n.failures.Store(2)
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityCritical, t0))
	closeDispatcher(t, d)

	assert.Equal(t, int32(3), n.calls.Load())
	assert.Len(t, n.Delivered(), 1)
}

func TestDispatcher_FlushesOnCloseAfterStartContextCancelled(t *testing.T) {
	n := newRecordingNotifier("ops")
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	d.Notify(context.Background(), note("e1", domain.SeverityWarning, t0))
	closeDispatcher(t, d)

	require.Len(t, n.Delivered(), 1)
	assert.Equal(t, "e1", n.Delivered()[0].EventID)
}

func TestDispatcher_GivesUpAndAudits(t *testing.T) {
	n := newRecordingNotifier("down")
	n.failures.Store(100)
	auditor := &recordingAuditor{}
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, auditor)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityCritical, t0))
	closeDispatcher(t, d)

	assert.Equal(t, int32(3), n.calls.Load())
	assert.Empty(t, n.Delivered())
	assert.Equal(t, []string{port.AuditDispatchFailed}, auditor.Kinds())
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	n := newRecordingNotifier("slow")
	n.block = make(chan struct{})
	auditor := &recordingAuditor{}
	policy := testPolicy()
	policy.QueueSize = 1
	d := NewDispatcher([]port.Notifier{n}, policy, testLogger(), nil, auditor)
	ctx := context.Background()
	d.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			d.Notify(ctx, note(string(rune('a'+i)), domain.SeverityCritical, t0))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(n.block)
	closeDispatcher(t, d)
	assert.NotEmpty(t, auditor.Kinds())
	assert.Less(t, len(n.Delivered()), 10)
}

func TestDispatcher_ForgetAllowsRenotify(t *testing.T) {
	n := newRecordingNotifier("ops")
	d := NewDispatcher([]port.Notifier{n}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityCritical, t0))
	d.Forget("e1")
	d.Notify(ctx, note("e1", domain.SeverityCritical, t0))
	closeDispatcher(t, d)

	assert.Len(t, n.Delivered(), 2)
}

func TestDispatcher_FansOutToEveryChannel(t *testing.T) {
	a, b := newRecordingNotifier("a"), newRecordingNotifier("b")
	d := NewDispatcher([]port.Notifier{a, b}, testPolicy(), testLogger(), nil, nil)
	ctx := context.Background()
	d.Start(ctx)

	d.Notify(ctx, note("e1", domain.SeverityWarning, t0))
	closeDispatcher(t, d) // Close flushes batched warnings

	assert.Len(t, a.Delivered(), 1)
	assert.Len(t, b.Delivered(), 1)
}
