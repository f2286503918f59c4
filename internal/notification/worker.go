package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// WorkerConfig holds retry worker configuration.
type WorkerConfig struct {
	// Number of competing consumers this process contributes to the group
	Consumers int

	// Consumer name prefix for queue bookkeeping and logging
	ConsumerPrefix string

	// Upper bound on one blocking queue read
	BlockTimeout time.Duration

	// Base of the exponential pre-round backoff, in seconds
	BackoffBase float64

	// Pause after a processing or queue error
	ErrorPause time.Duration
}

// DefaultWorkerConfig returns sensible worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Consumers:      1,
		ConsumerPrefix: "notification-worker",
		BlockTimeout:   time.Second,
		BackoffBase:    2.0,
		ErrorPause:     time.Second,
	}
}

// Worker drains the retry queue. It runs one goroutine per consumer; all
// consumers of all processes sharing the group compete for entries, each
// entry going to exactly one live consumer until acked or reclaimed.
type Worker struct {
	service   *Service
	queue     RetryQueue
	config    WorkerConfig
	workerID  string
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a retry worker.
func NewWorker(service *Service, queue RetryQueue, config WorkerConfig) *Worker {
	if config.Consumers < 1 {
		config.Consumers = 1
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = time.Second
	}
	if config.ErrorPause <= 0 {
		config.ErrorPause = time.Second
	}

	return &Worker{
		service:  service,
		queue:    queue,
		config:   config,
		workerID: fmt.Sprintf("%s-%s", config.ConsumerPrefix, uuid.New().String()[:8]),
		stopCh:   make(chan struct{}),
		sleep:    sleepContext,
	}
}

// Start begins draining the queue. This is a blocking call - run in a
// goroutine. It returns once the context is cancelled or Stop is called and
// every consumer has finished.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.isRunning = true
	w.mu.Unlock()

	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "worker_start",
		"worker_id": w.workerID,
		"consumers": w.config.Consumers,
	})

	if err := w.queue.EnsureGroup(ctx); err != nil {
		w.mu.Lock()
		w.isRunning = false
		w.mu.Unlock()
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	logger.Info("Retry worker starting")

	for i := 0; i < w.config.Consumers; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx, i)
	}

	select {
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	case <-w.stopCh:
	}

	w.wg.Wait()
	return nil
}

// Stop gracefully stops the worker and waits for in-flight processing.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}

	close(w.stopCh)
	w.wg.Wait()
	w.isRunning = false
}

// IsRunning returns whether the worker is currently running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

func (w *Worker) consumeLoop(ctx context.Context, n int) {
	defer w.wg.Done()

	consumer := fmt.Sprintf("%s-%d", w.workerID, n)
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "consume",
		"consumer":  consumer,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		entry, err := w.queue.Read(ctx, consumer, w.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Queue read failed")
			w.pause(ctx)
			continue
		}
		if entry == nil {
			continue
		}

		// No ack on failure: the entry stays in the consumer's pending
		// list and remains reclaimable.
		if err := w.process(ctx, *entry); err != nil {
			logger.WithFields(map[string]interface{}{
				"entry_id":        entry.ID,
				"notification_id": entry.Record.NotificationID.String(),
				"error":           err.Error(),
			}).Error("Retry processing failed, leaving entry pending")
			w.pause(ctx)
			continue
		}

		if err := w.queue.Ack(ctx, entry.ID); err != nil {
			logger.WithFields(map[string]interface{}{
				"entry_id": entry.ID,
				"error":    err.Error(),
			}).Error("Failed to ack queue entry")
			w.pause(ctx)
		}
	}
}

// process applies the pre-round backoff and hands the record to the service.
func (w *Worker) process(ctx context.Context, entry QueuedRecord) error {
	ctx = telemetry.WithCorrelationID(ctx, telemetry.NewCorrelationID())

	telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "process_retry",
		"worker_id":       w.workerID,
		"entry_id":        entry.ID,
		"notification_id": entry.Record.NotificationID.String(),
		"attempt":         entry.Record.Attempt,
	}).Info("Processing retry")

	if delay := entry.Record.Backoff(w.config.BackoffBase); delay > 0 {
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return w.service.Retry(ctx, entry.Record)
}

func (w *Worker) pause(ctx context.Context) {
	timer := time.NewTimer(w.config.ErrorPause)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
