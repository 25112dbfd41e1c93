// Package workers implements the per-destination consumers that drain the
// broker queues and write into the destination stores. Each worker owns one
// queue, retries failed writes with exponential backoff up to a bounded
// attempt budget, and flags items as stalled once the budget is exhausted.
// Delivery is at-least-once; the store writes themselves are idempotent.
package workers

import (
	"context"
	"errors"
	"time"

	"charon/broker"
	"charon/core"
	"charon/metrics"
	"charon/status"

	"go.uber.org/zap"
)

// ErrPayloadGone signals that the payload an entry refers to has expired
// from the broker. The entry is acknowledged without retry since no amount
// of retrying will bring the payload back.
var ErrPayloadGone = errors.New("payload no longer available")

// Handler performs the destination-specific write for one item.
type Handler interface {
	Process(ctx context.Context, itemID string) error
}

// Config holds the retry and timeout settings shared by all workers.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
}

// Worker drains one queue into one destination.
type Worker struct {
	queue   string
	broker  *broker.Broker
	tracker *status.Tracker
	handler Handler
	cfg     Config
	logger  *zap.SugaredLogger
}

// New creates a worker for the named queue.
func New(queue string, b *broker.Broker, tracker *status.Tracker, handler Handler, cfg Config, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		queue:   queue,
		broker:  b,
		tracker: tracker,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Infof("Worker started for queue %s", w.queue)
	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Worker stopped for queue %s", w.queue)
			return
		default:
		}

		itemID, ok, err := w.broker.Pop(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Errorf("Failed to pop from queue %s: %v", w.queue, err)
			w.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.handle(ctx, itemID)
	}
}

// handle processes one delivered entry end to end: write, record the stage,
// and acknowledge, or route the entry through the retry path.
func (w *Worker) handle(ctx context.Context, itemID string) {
	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	start := time.Now()
	err := w.handler.Process(wctx, itemID)
	cancel()
	metrics.StoreWriteDuration.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.StoreWrites.WithLabelValues(w.queue, "success").Inc()
		if err := w.tracker.MarkStage(ctx, itemID, core.StorageStageFor(w.queue)); err != nil {
			w.logger.Errorf("Failed to mark stage for item %s: %v", itemID, err)
		}
		if err := w.broker.Ack(ctx, w.queue, itemID); err != nil {
			w.logger.Errorf("Failed to ack item %s on queue %s: %v", itemID, w.queue, err)
		}
		return

	case errors.Is(err, ErrPayloadGone):
		// The referenced payload expired before this entry was drained.
		// Nothing to write and nothing to retry.
		metrics.StoreWrites.WithLabelValues(w.queue, "expired").Inc()
		w.logger.Warnf("Dropping entry %s on queue %s: %v", itemID, w.queue, err)
		if err := w.broker.Ack(ctx, w.queue, itemID); err != nil {
			w.logger.Errorf("Failed to ack expired item %s on queue %s: %v", itemID, w.queue, err)
		}
		return
	}

	metrics.StoreWrites.WithLabelValues(w.queue, "failure").Inc()
	w.logger.Warnf("Write failed for item %s on queue %s: %v", itemID, w.queue, err)

	attempts, aerr := w.tracker.IncrementAttempts(ctx, itemID, w.queue)
	if aerr != nil {
		w.logger.Errorf("Failed to count attempt for item %s: %v", itemID, aerr)
	}
	if attempts >= w.cfg.MaxAttempts {
		// The retry budget is spent. The entry leaves the queue and stays
		// flagged until the requeue command re-admits it.
		if err := w.tracker.MarkStalled(ctx, itemID, w.queue); err != nil {
			w.logger.Errorf("Failed to mark item %s stalled: %v", itemID, err)
		}
		metrics.ItemsStalled.WithLabelValues(w.queue).Inc()
		if err := w.broker.Ack(ctx, w.queue, itemID); err != nil {
			w.logger.Errorf("Failed to ack stalled item %s on queue %s: %v", itemID, w.queue, err)
		}
		return
	}

	w.sleep(ctx, w.backoffFor(attempts))
	if err := w.broker.Requeue(ctx, w.queue, itemID); err != nil {
		w.logger.Errorf("Failed to requeue item %s on queue %s: %v", itemID, w.queue, err)
	}
}

// backoffFor returns the delay before re-enqueueing after the given attempt
// count, doubling from the initial interval up to the configured cap.
func (w *Worker) backoffFor(attempts int) time.Duration {
	delay := w.cfg.InitialBackoff
	for i := 1; i < attempts && delay < w.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > w.cfg.MaxBackoff {
		delay = w.cfg.MaxBackoff
	}
	return delay
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
