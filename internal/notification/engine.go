package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// sendTimeout bounds one provider call; a hung channel must not stall the
// channels queued behind it.
const sendTimeout = 10 * time.Second

// Engine drives a notification through its ordered channel list. It records
// every attempt in the store, stops at the first success, and feeds total
// failures into the retry queue.
type Engine struct {
	store     Store
	queue     RetryQueue
	providers map[Channel]Provider
	metrics   *telemetry.Metrics
}

// NewEngine creates a delivery engine. Providers are registered separately
// so each binary wires only the channels it is configured for.
func NewEngine(store Store, queue RetryQueue, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:     store,
		queue:     queue,
		providers: make(map[Channel]Provider),
		metrics:   metrics,
	}
}

// RegisterProvider makes a provider available to the cascade. Registering a
// second provider for the same channel replaces the first.
func (e *Engine) RegisterProvider(p Provider) {
	e.providers[p.ChannelTag()] = p
}

// Deliver runs the synchronous first delivery round. On total failure the
// notification is marked failed and a retry record with attempt=1 enters the
// queue. An enqueue failure is logged but not surfaced: the caller still
// sees the failed status, the notification just drops out of the retry
// pipeline.
func (e *Engine) Deliver(ctx context.Context, n *Notification, channels []Channel) (Status, error) {
	status, err := e.run(ctx, n, channels)
	if err != nil || status != StatusFailed {
		return status, err
	}

	record := RetryRecord{NotificationID: n.ID, Channels: channels, Attempt: 1}
	if err := e.EnqueueRetry(ctx, record); err != nil {
		telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"operation":       "deliver",
			"notification_id": n.ID.String(),
		}).WithError(err).Error("Failed to enqueue retry; notification will not be retried")
	}

	return StatusFailed, nil
}

// Redeliver runs one retry round. Escalation to the next round is the
// worker's decision, so no enqueue happens here.
func (e *Engine) Redeliver(ctx context.Context, n *Notification, channels []Channel) (Status, error) {
	return e.run(ctx, n, channels)
}

// EnqueueRetry pushes a retry record onto the queue.
func (e *Engine) EnqueueRetry(ctx context.Context, record RetryRecord) error {
	if err := e.queue.Enqueue(ctx, record); err != nil {
		return err
	}

	e.metrics.RecordRetryEnqueued(ctx, record.Attempt)
	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "enqueue_retry",
		"notification_id": record.NotificationID.String(),
		"attempt":         record.Attempt,
	}).Info("Retry enqueued")

	return nil
}

// run walks the channel list in order, appending one attempt per channel,
// and returns the terminal status of the round. Store failures abort the
// round immediately.
func (e *Engine) run(ctx context.Context, n *Notification, channels []Channel) (Status, error) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "deliver",
		"notification_id": n.ID.String(),
		"recipient":       n.Recipient,
	})

	for _, channel := range channels {
		provider, ok := e.providers[channel]
		if !ok {
			cause := fmt.Sprintf("no provider for %s", channel)
			logger.WithField("channel", channel).Warn("No provider registered for channel")
			if err := e.appendFailure(ctx, n.ID, channel, cause); err != nil {
				return "", err
			}
			continue
		}

		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		sendErr := provider.Send(sendCtx, n.Recipient, n.Message)
		cancel()
		elapsed := time.Since(start).Seconds()

		if sendErr != nil {
			e.metrics.RecordDeliveryAttempt(ctx, string(channel), "failed", elapsed)
			logger.WithFields(map[string]interface{}{
				"channel": channel,
				"error":   sendErr.Error(),
			}).Warn("Channel delivery failed, cascading")
			if err := e.appendFailure(ctx, n.ID, channel, sendErr.Error()); err != nil {
				return "", err
			}
			continue
		}

		e.metrics.RecordDeliveryAttempt(ctx, string(channel), "sent", elapsed)

		// The success attempt commits before the status transition so a
		// reader seeing status=sent always finds it.
		attempt := &Attempt{NotificationID: n.ID, Channel: channel, Success: true}
		if err := e.store.AppendAttempt(ctx, attempt); err != nil {
			return "", fmt.Errorf("failed to record success attempt: %w", err)
		}

		if err := e.store.MarkSent(ctx, n.ID, channel); err != nil {
			if errors.Is(err, ErrAlreadySent) {
				logger.WithField("channel", channel).Info("Notification already sent by a concurrent round")
				return StatusSent, nil
			}
			return "", fmt.Errorf("failed to mark notification sent: %w", err)
		}

		logger.WithField("channel", channel).Info("Notification delivered")
		return StatusSent, nil
	}

	if err := e.store.MarkFailed(ctx, n.ID); err != nil {
		if errors.Is(err, ErrAlreadySent) {
			return StatusSent, nil
		}
		return "", fmt.Errorf("failed to mark notification failed: %w", err)
	}

	logger.WithField("channels", channels).Warn("All channels failed")
	return StatusFailed, nil
}

func (e *Engine) appendFailure(ctx context.Context, id uuid.UUID, channel Channel, cause string) error {
	attempt := &Attempt{
		NotificationID: id,
		Channel:        channel,
		Success:        false,
		ErrorMessage:   &cause,
	}
	if err := e.store.AppendAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}
