package port

import "context"

// Instrumentation records application-level metrics.
type Instrumentation interface {
	IncrementSamplesIngested(ctx context.Context)
	IncrementSamplesRejected(ctx context.Context)
	RecordCycleDuration(ctx context.Context, ms float64)
	IncrementEventsOpened(ctx context.Context, severity string)
	IncrementEventsResolved(ctx context.Context)
	IncrementNotificationsSent(ctx context.Context, channel string)
	IncrementNotificationFailures(ctx context.Context, channel string)
	RecordToolDuration(ctx context.Context, ms float64)
}

// NoopInstrumentation discards all metrics.
type NoopInstrumentation struct{}

func (NoopInstrumentation) IncrementSamplesIngested(context.Context)              {}
func (NoopInstrumentation) IncrementSamplesRejected(context.Context)              {}
func (NoopInstrumentation) RecordCycleDuration(context.Context, float64)          {}
func (NoopInstrumentation) IncrementEventsOpened(context.Context, string)         {}
func (NoopInstrumentation) IncrementEventsResolved(context.Context)               {}
func (NoopInstrumentation) IncrementNotificationsSent(context.Context, string)    {}
func (NoopInstrumentation) IncrementNotificationFailures(context.Context, string) {}
func (NoopInstrumentation) RecordToolDuration(context.Context, float64)           {}
