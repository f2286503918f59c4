package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the delivery instruments published on the global meter.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveryAttempts metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	retriesEnqueued  metric.Int64Counter
}

// NewMetrics registers the delivery instruments. queueDepth, when non-nil,
// is polled on each metric collection to report the retry backlog.
func NewMetrics(queueDepth func(ctx context.Context) (int64, error)) (*Metrics, error) {
	meter := otel.Meter("notifyrelay")

	deliveryAttempts, err := meter.Int64Counter(
		"notification.delivery.attempts",
		metric.WithDescription("Delivery attempts by channel and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery attempts counter: %w", err)
	}

	deliveryDuration, err := meter.Float64Histogram(
		"notification.delivery.duration",
		metric.WithDescription("Per-channel delivery duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery duration histogram: %w", err)
	}

	retriesEnqueued, err := meter.Int64Counter(
		"notification.retry.enqueued",
		metric.WithDescription("Retry jobs pushed onto the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	if queueDepth != nil {
		_, err = meter.Int64ObservableGauge(
			"notification.retry.queue.depth",
			metric.WithDescription("Entries currently in the retry stream"),
			metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
				depth, err := queueDepth(ctx)
				if err != nil {
					return err
				}
				o.Observe(depth)
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
		}
	}

	return &Metrics{
		deliveryAttempts: deliveryAttempts,
		deliveryDuration: deliveryDuration,
		retriesEnqueued:  retriesEnqueued,
	}, nil
}

// RecordDeliveryAttempt records one provider send and its duration
func (m *Metrics) RecordDeliveryAttempt(ctx context.Context, channel, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	m.deliveryAttempts.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, seconds, attrs)
}

// RecordRetryEnqueued records a retry job entering the queue
func (m *Metrics) RecordRetryEnqueued(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.retriesEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
	))
}
