package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// Service handles notification business logic. It orchestrates between the
// store (PostgreSQL), the retry queue (Redis stream) and the delivery
// engine.
type Service struct {
	store            Store
	queue            RetryQueue
	engine           *Engine
	maxRetryAttempts int
}

// NewService creates a notification service with all dependencies.
func NewService(store Store, queue RetryQueue, engine *Engine, maxRetryAttempts int) *Service {
	return &Service{
		store:            store,
		queue:            queue,
		engine:           engine,
		maxRetryAttempts: maxRetryAttempts,
	}
}

// RegisterProvider adds a channel provider (e.g., email, SMS, telegram).
func (s *Service) RegisterProvider(p Provider) {
	s.engine.RegisterProvider(p)
}

// CreateAndSend persists a notification and runs the first delivery round
// synchronously. The caller gets the persisted row with its attempts, even
// when every channel failed, since the retry pipeline takes over from there.
// The request is assumed validated at the API boundary.
func (s *Service) CreateAndSend(ctx context.Context, req CreateRequest) (*Notification, error) {
	n := &Notification{
		Recipient: req.Recipient,
		Message:   req.Message,
		Metadata:  req.Metadata,
	}

	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "create_and_send",
		"notification_id": n.ID.String(),
		"channels":        req.Channels,
	}).Info("Notification created")

	if _, err := s.engine.Deliver(ctx, n, req.Channels); err != nil {
		return nil, err
	}

	return s.store.Load(ctx, n.ID)
}

// GetByID retrieves a notification with its attempts.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.store.Load(ctx, id)
}

// List retrieves notifications matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Notification, error) {
	return s.store.List(ctx, filter)
}

// Retry processes one record from the retry queue: re-run the cascade unless
// the notification is gone or already sent, and escalate to the next round
// while under the attempt cap. A nil return means the queue entry can be
// acknowledged; an error leaves it pending for redelivery.
func (s *Service) Retry(ctx context.Context, record RetryRecord) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "retry",
		"notification_id": record.NotificationID.String(),
		"attempt":         record.Attempt,
	})

	n, err := s.store.Load(ctx, record.NotificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn("Notification no longer exists, dropping retry")
			return nil
		}
		return err
	}

	if n.Status == StatusSent {
		logger.Info("Notification already sent, dropping retry")
		return nil
	}

	if err := s.store.MarkPending(ctx, record.NotificationID); err != nil {
		if errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	status, err := s.engine.Redeliver(ctx, n, record.Channels)
	if err != nil {
		return err
	}

	if status != StatusFailed {
		return nil
	}

	if record.Attempt >= s.maxRetryAttempts {
		logger.WithField("max_attempts", s.maxRetryAttempts).Warn("Retry cap reached, giving up")
		return nil
	}

	next := record.Next()
	if err := s.engine.EnqueueRetry(ctx, next); err != nil {
		return fmt.Errorf("failed to enqueue retry round %d: %w", next.Attempt, err)
	}

	return nil
}
