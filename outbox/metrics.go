package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/kairospay/subscription-core/outbox"

// dispatcherMetrics carries the dispatcher's instruments. Built from a
// noop provider unless one is injected, so instrumentation never becomes a
// hard dependency.
type dispatcherMetrics struct {
	dispatched        metric.Int64Counter
	publishFailures   metric.Int64Counter
	permanentFailures metric.Int64Counter
	claimsLost        metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}

	meter := provider.Meter(meterName)

	dispatched, err := meter.Int64Counter("outbox.dispatched",
		metric.WithDescription("Records published and claimed as processed."))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create dispatched counter: %w", err)
	}

	publishFailures, err := meter.Int64Counter("outbox.publish_failures",
		metric.WithDescription("Publish attempts that failed and were scheduled for retry."))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create publish failures counter: %w", err)
	}

	permanentFailures, err := meter.Int64Counter("outbox.permanent_failures",
		metric.WithDescription("Records that exhausted their retry budget or could not be decoded."))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create permanent failures counter: %w", err)
	}

	claimsLost, err := meter.Int64Counter("outbox.claims_lost",
		metric.WithDescription("Successful publishes where another path had already claimed the record."))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create claims lost counter: %w", err)
	}

	cycleDuration, err := meter.Float64Histogram("outbox.cycle_duration",
		metric.WithDescription("Duration of one dispatch cycle."),
		metric.WithUnit("s"))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create cycle duration histogram: %w", err)
	}

	batchSize, err := meter.Int64Gauge("outbox.batch_size",
		metric.WithDescription("Number of due records picked up by the last cycle."))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create batch size gauge: %w", err)
	}

	return dispatcherMetrics{
		dispatched:        dispatched,
		publishFailures:   publishFailures,
		permanentFailures: permanentFailures,
		claimsLost:        claimsLost,
		cycleDuration:     cycleDuration,
		batchSize:         batchSize,
	}, nil
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

func (metrics dispatcherMetrics) recordCycle(ctx context.Context, started time.Time, picked int) {
	metrics.cycleDuration.Record(ctx, time.Since(started).Seconds())
	metrics.batchSize.Record(ctx, int64(picked))
}
