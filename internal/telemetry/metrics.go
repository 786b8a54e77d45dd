package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/querywatch"

// Instruments holds pre-created OTel metric instruments. It implements
// port.Instrumentation.
type Instruments struct {
	SamplesIngested      metric.Int64Counter
	SamplesRejected      metric.Int64Counter
	CycleDuration        metric.Float64Histogram
	EventsOpened         metric.Int64Counter
	EventsResolved       metric.Int64Counter
	NotificationsSent    metric.Int64Counter
	NotificationFailures metric.Int64Counter
	ToolDuration         metric.Float64Histogram
}

// NewInstruments creates metric instruments from the global MeterProvider.
// Returns nil-safe instruments: if creation fails, noop instruments are used.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	samplesIngested, _ := meter.Int64Counter("querywatch.samples.ingested",
		metric.WithDescription("Query samples accepted into the metric store"),
	)
	samplesRejected, _ := meter.Int64Counter("querywatch.samples.rejected",
		metric.WithDescription("Query samples rejected by validation"),
	)
	cycleDuration, _ := meter.Float64Histogram("querywatch.cycle.duration",
		metric.WithDescription("Detection cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	eventsOpened, _ := meter.Int64Counter("querywatch.events.opened",
		metric.WithDescription("Regression events opened, by severity"),
	)
	eventsResolved, _ := meter.Int64Counter("querywatch.events.resolved",
		metric.WithDescription("Regression events resolved"),
	)
	notificationsSent, _ := meter.Int64Counter("querywatch.notifications.sent",
		metric.WithDescription("Notification batches delivered, by channel"),
	)
	notificationFailures, _ := meter.Int64Counter("querywatch.notifications.failed",
		metric.WithDescription("Notification batches dropped after retries or on a full queue, by channel"),
	)
	toolDuration, _ := meter.Float64Histogram("querywatch.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		SamplesIngested:      samplesIngested,
		SamplesRejected:      samplesRejected,
		CycleDuration:        cycleDuration,
		EventsOpened:         eventsOpened,
		EventsResolved:       eventsResolved,
		NotificationsSent:    notificationsSent,
		NotificationFailures: notificationFailures,
		ToolDuration:         toolDuration,
	}
}

func (i *Instruments) IncrementSamplesIngested(ctx context.Context) {
	i.SamplesIngested.Add(ctx, 1)
}

func (i *Instruments) IncrementSamplesRejected(ctx context.Context) {
	i.SamplesRejected.Add(ctx, 1)
}

func (i *Instruments) RecordCycleDuration(ctx context.Context, ms float64) {
	i.CycleDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementEventsOpened(ctx context.Context, severity string) {
	i.EventsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (i *Instruments) IncrementEventsResolved(ctx context.Context) {
	i.EventsResolved.Add(ctx, 1)
}

func (i *Instruments) IncrementNotificationsSent(ctx context.Context, channel string) {
	i.NotificationsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("notify.channel", channel)))
}

func (i *Instruments) IncrementNotificationFailures(ctx context.Context, channel string) {
	i.NotificationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("notify.channel", channel)))
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}
