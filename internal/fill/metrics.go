package fill

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "batchfill/fill"

type fillMetricsCollection struct {
	ticks          metric.Int64Counter
	lookupKeys     metric.Int64Counter
	lookupFailures metric.Int64Counter
	dispatches     metric.Int64Counter
	lookupDuration metric.Float64Histogram
}

var metrics fillMetricsCollection

func init() {
	meter := otel.Meter(meterName)

	ticks, err := meter.Int64Counter(
		"fill/ticks",
		metric.WithDescription("Number of non-empty fill ticks"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create ticks metric: %w", err))
	}

	lookupKeys, err := meter.Int64Counter(
		"fill/lookup_keys",
		metric.WithDescription("Number of keys passed to the lookup source"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create lookup keys metric: %w", err))
	}

	lookupFailures, err := meter.Int64Counter(
		"fill/lookup_failures",
		metric.WithDescription("Number of failed batch lookups"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create lookup failures metric: %w", err))
	}

	dispatches, err := meter.Int64Counter(
		"fill/dispatches",
		metric.WithDescription("Number of waiters woken by fill ticks"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create dispatches metric: %w", err))
	}

	lookupDuration, err := meter.Float64Histogram(
		"fill/lookup_duration_seconds",
		metric.WithDescription("Duration of batch lookups"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create lookup duration metric: %w", err))
	}

	metrics = fillMetricsCollection{
		ticks:          ticks,
		lookupKeys:     lookupKeys,
		lookupFailures: lookupFailures,
		dispatches:     dispatches,
		lookupDuration: lookupDuration,
	}
}

func recordLookup(ctx context.Context, keys int, duration time.Duration, err error) {
	attributesOption := metric.WithAttributes(attribute.Bool("failed", err != nil))

	metrics.lookupKeys.Add(ctx, int64(keys), attributesOption)
	metrics.lookupDuration.Record(ctx, duration.Seconds(), attributesOption)
	if err != nil {
		metrics.lookupFailures.Add(ctx, 1)
	}
}

func recordTick(ctx context.Context, result TickResult) {
	metrics.ticks.Add(ctx, 1)
	metrics.dispatches.Add(ctx, int64(result.Dispatched))
}

// RegisterGauges exposes the pending and stored key counts of c as observable gauges
func RegisterGauges[V any](c *Coordinator[V]) error {
	meter := otel.Meter(meterName)

	pendingWaiters, err := meter.Int64ObservableGauge(
		"fill/pending_waiters",
		metric.WithDescription("Number of callers waiting for the next fill"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending waiters gauge: %w", err)
	}

	storedKeys, err := meter.Int64ObservableGauge(
		"fill/stored_keys",
		metric.WithDescription("Number of keys held in the value store"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stored keys gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pendingWaiters, int64(c.PendingWaiters()))
		o.ObserveInt64(storedKeys, int64(c.StoredKeys()))
		return nil
	}, pendingWaiters, storedKeys)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}
