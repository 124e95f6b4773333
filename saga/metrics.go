package saga

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/kairospay/subscription-core/saga"

type orchestratorMetrics struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	ignored   metric.Int64Counter
	conflicts metric.Int64Counter
}

func newOrchestratorMetrics(provider metric.MeterProvider) (orchestratorMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}

	meter := provider.Meter(meterName)

	started, err := meter.Int64Counter("saga.started",
		metric.WithDescription("Saga instances created."))
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create started counter: %w", err)
	}

	completed, err := meter.Int64Counter("saga.completed",
		metric.WithDescription("Sagas finalized as completed."))
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create completed counter: %w", err)
	}

	failed, err := meter.Int64Counter("saga.failed",
		metric.WithDescription("Sagas finalized as failed (compensated)."))
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create failed counter: %w", err)
	}

	ignored, err := meter.Int64Counter("saga.events_ignored",
		metric.WithDescription("Events discarded as no-ops (unknown, duplicate, or late)."))
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create ignored counter: %w", err)
	}

	conflicts, err := meter.Int64Counter("saga.version_conflicts",
		metric.WithDescription("Optimistic-concurrency conflicts surfaced for redelivery."))
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create conflicts counter: %w", err)
	}

	return orchestratorMetrics{
		started:   started,
		completed: completed,
		failed:    failed,
		ignored:   ignored,
		conflicts: conflicts,
	}, nil
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}
