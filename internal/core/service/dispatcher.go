package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/port"
)

// ErrDispatcherClosed is returned when enqueueing after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatchPolicy configures retries and queueing for notification delivery.
type DispatchPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
	QueueSize      int
}

// DispatchPolicyFrom extracts the dispatch settings from a MonitoringConfig.
func DispatchPolicyFrom(cfg domain.MonitoringConfig) DispatchPolicy {
	return DispatchPolicy{
		MaxAttempts:    cfg.DispatchMaxAttempts,
		InitialBackoff: cfg.DispatchInitialBackoff,
		Timeout:        cfg.DispatchTimeout,
		QueueSize:      cfg.DispatchQueueSize,
	}
}

type dedupeKey struct {
	eventID  string
	channel  string
	severity domain.Severity
}

type channelWorker struct {
	notifier port.Notifier
	queue    chan []domain.Notification
}

// Dispatcher delivers notifications to every channel at most once per
// (event, channel, severity). Critical notifications are queued immediately;
// warnings are batched per channel until Flush. Delivery runs on one worker
// per channel so detection never waits on a slow channel.
type Dispatcher struct {
	workers []*channelWorker
	policy  DispatchPolicy
	logger  *slog.Logger
	inst    port.Instrumentation
	auditor port.Auditor

	mu      sync.Mutex
	sent    map[dedupeKey]struct{}
	pending map[string][]domain.Notification // channel -> batched warnings
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDispatcher(notifiers []port.Notifier, policy DispatchPolicy, logger *slog.Logger, inst port.Instrumentation, auditor port.Auditor) *Dispatcher {
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	if auditor == nil {
		auditor = port.NoopAuditor{}
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.QueueSize < 1 {
		policy.QueueSize = 1
	}
	d := &Dispatcher{
		policy:  policy,
		logger:  logger,
		inst:    inst,
		auditor: auditor,
		sent:    make(map[dedupeKey]struct{}),
		pending: make(map[string][]domain.Notification),
	}
	for _, n := range notifiers {
		d.workers = append(d.workers, &channelWorker{
			notifier: n,
			queue:    make(chan []domain.Notification, policy.QueueSize),
		})
	}
	return d
}

// Start launches the delivery workers. Workers keep ctx's values but not its
// cancellation: they stop when Close drains them or its deadline passes.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, w := range d.workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for batch := range w.queue {
				d.deliver(ctx, w.notifier, batch)
			}
		}()
	}
}

// Notify routes one notification to every channel that has not yet seen
// this event at this severity.
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, w := range d.workers {
		ch := w.notifier.Name()
		key := dedupeKey{eventID: n.EventID, channel: ch, severity: n.Severity}
		if _, dup := d.sent[key]; dup {
			continue
		}
		d.sent[key] = struct{}{}

		if n.Severity < domain.SeverityCritical {
			d.pending[ch] = append(d.pending[ch], n)
			continue
		}
		// A critical supersedes any warning for the same event still waiting.
		kept := d.pending[ch][:0]
		for _, p := range d.pending[ch] {
			if p.EventID != n.EventID {
				kept = append(kept, p)
			}
		}
		d.pending[ch] = kept
		d.enqueue(ctx, w, []domain.Notification{n})
	}
}

// Flush queues every batched warning.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.flushLocked(ctx)
}

func (d *Dispatcher) flushLocked(ctx context.Context) {
	for _, w := range d.workers {
		ch := w.notifier.Name()
		batch := d.pending[ch]
		if len(batch) == 0 {
			continue
		}
		delete(d.pending, ch)
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
		d.enqueue(ctx, w, batch)
	}
}

// enqueue never blocks; a full channel queue drops the batch.
func (d *Dispatcher) enqueue(ctx context.Context, w *channelWorker, batch []domain.Notification) {
	select {
	case w.queue <- batch:
	default:
		ch := w.notifier.Name()
		d.logger.WarnContext(ctx, "notification queue full, dropping batch",
			slog.String("notify.channel", ch),
			slog.Int("notify.batch_size", len(batch)),
		)
		d.inst.IncrementNotificationFailures(ctx, ch)
		for _, n := range batch {
			d.auditor.Record(ctx, port.AuditEntry{
				Kind:    port.AuditDispatchFailed,
				QueryID: n.QueryID,
				EventID: n.EventID,
				Payload: map[string]any{"channel": ch, "severity": n.Severity.String()},
				Err:     errors.New("queue full"),
			})
		}
	}
}

// Forget clears dedupe state for a resolved event so a later regression
// with a new id starts fresh, and drops its unsent warnings.
func (d *Dispatcher) Forget(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.sent {
		if k.eventID == eventID {
			delete(d.sent, k)
		}
	}
	for ch, batch := range d.pending {
		kept := batch[:0]
		for _, n := range batch {
			if n.EventID != eventID {
				kept = append(kept, n)
			}
		}
		d.pending[ch] = kept
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n port.Notifier, batch []domain.Notification) {
	ch := n.Name()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.policy.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.policy.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		actx := ctx
		if d.policy.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, d.policy.Timeout)
			defer cancel()
		}
		return n.Notify(actx, batch)
	}, policy, func(err error, wait time.Duration) {
		d.logger.DebugContext(ctx, "notification delivery retry",
			slog.String("notify.channel", ch),
			slog.Int("notify.attempt", attempt),
			slog.Duration("notify.wait", wait),
			slog.String("error.message", err.Error()),
		)
	})
	if err == nil {
		d.inst.IncrementNotificationsSent(ctx, ch)
		return
	}

	d.logger.ErrorContext(ctx, "notification delivery failed",
		slog.String("notify.channel", ch),
		slog.Int("notify.attempts", attempt),
		slog.Int("notify.batch_size", len(batch)),
		slog.String("error.type", "dispatch_error"),
		slog.String("error.message", err.Error()),
	)
	d.inst.IncrementNotificationFailures(ctx, ch)
	for _, item := range batch {
		d.auditor.Record(ctx, port.AuditEntry{
			Kind:    port.AuditDispatchFailed,
			QueryID: item.QueryID,
			EventID: item.EventID,
			Payload: map[string]any{"channel": ch, "severity": item.Severity.String(), "attempts": attempt},
			Err:     err,
		})
	}
}

// Close flushes pending warnings, stops accepting work and waits for queued
// deliveries. In-flight deliveries are cancelled when ctx expires first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.flushLocked(ctx)
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if d.cancel != nil {
		d.cancel()
	}
	<-done
	return err
}
