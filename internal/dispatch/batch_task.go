package dispatch

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

// BatchTask fans a batch out into per-order tasks and drives bulk retries.
type BatchTask struct {
	storage interfaces.StorageManager
	queue   interfaces.QueueManager
	events  interfaces.EventService
	config  *common.Config
	logger  arbor.ILogger
}

// NewBatchTask creates the batch task handler.
func NewBatchTask(storage interfaces.StorageManager, qm interfaces.QueueManager, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *BatchTask {
	return &BatchTask{
		storage: storage,
		queue:   qm,
		events:  events,
		config:  config,
		logger:  logger,
	}
}

// HandleDispatch marks the batch running and enqueues every pending or
// retrying order. Enqueue-then-store: if the task-id write fails after
// enqueue, the worker still runs and rediscovers state from the order row
// through its own conditional transition.
func (t *BatchTask) HandleDispatch(ctx context.Context, msg *models.QueueMessage) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Queue.BatchTimeLimitDuration())
	defer cancel()

	batches := t.storage.BatchStorage()

	batch, err := batches.GetBatch(ctx, msg.BatchID)
	if err != nil {
		t.logger.Warn().Int64("batch_id", int64(msg.BatchID)).Msg("Batch not found, dropping dispatch task")
		return nil
	}

	// Only a pending or already-running batch may dispatch. Paused, cancelled
	// and finalized batches keep their status; the stale task is dropped.
	ok, err := batches.TransitionBatch(ctx, batch.ID,
		[]models.BatchStatus{models.BatchStatusPending, models.BatchStatusRunning}, models.BatchStatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.Info().
			Int64("batch_id", int64(batch.ID)).
			Str("status", string(batch.Status)).
			Msg("Batch no longer startable, dropping dispatch task")
		return nil
	}
	t.publishBatchStatus(ctx, batch.ID, models.BatchStatusRunning)

	dispatched, err := t.dispatchOrders(ctx, batch.ID, []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusRetrying,
	})
	if err != nil {
		if serr := batches.UpdateBatchStatus(ctx, batch.ID, models.BatchStatusFailed); serr != nil {
			t.logger.Warn().Err(serr).Int64("batch_id", int64(batch.ID)).Msg("Failed to mark batch failed")
		}
		t.publishBatchStatus(ctx, batch.ID, models.BatchStatusFailed)
		return fmt.Errorf("batch %d dispatch failed: %w", batch.ID, err)
	}

	// Zero-order batches (or all-terminal ones) finalize immediately.
	if dispatched == 0 {
		if _, err := batches.RecomputeBatchCounters(ctx, batch.ID); err != nil {
			t.logger.Warn().Err(err).Int64("batch_id", int64(batch.ID)).Msg("Failed to recompute counters after empty dispatch")
		}
	}

	t.logger.Info().
		Int64("batch_id", int64(batch.ID)).
		Int("dispatched", dispatched).
		Msg("Batch dispatched")
	return nil
}

// HandleRetry re-queues every failed order of the batch that still has
// manual retry headroom.
func (t *BatchTask) HandleRetry(ctx context.Context, msg *models.QueueMessage) error {
	orders := t.storage.OrderStorage()
	batches := t.storage.BatchStorage()

	failed, err := orders.GetBatchOrders(ctx, msg.BatchID, &interfaces.OrderFilter{
		Status: models.OrderStatusFailed,
	})
	if err != nil {
		return err
	}

	requeued := 0
	for _, order := range failed {
		if !order.ManualRetryAllowed() {
			t.logger.Debug().
				Int64("order_id", int64(order.ID)).
				Int("retry_count", order.RetryCount).
				Msg("Manual retry ceiling reached, skipping")
			continue
		}

		if err := orders.BumpRetry(ctx, order.ID); err != nil {
			return err
		}
		ok, err := orders.TransitionOrder(ctx, order.ID,
			[]models.OrderStatus{models.OrderStatusFailed}, models.OrderStatusRetrying, nil)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := t.enqueueOrder(ctx, order, models.OrderStatusRetrying); err != nil {
			return err
		}
		requeued++
	}

	if requeued > 0 {
		ok, err := batches.TransitionBatch(ctx, msg.BatchID,
			[]models.BatchStatus{models.BatchStatusPending, models.BatchStatusRunning, models.BatchStatusFailed},
			models.BatchStatusRunning)
		if err != nil {
			return err
		}
		if ok {
			t.publishBatchStatus(ctx, msg.BatchID, models.BatchStatusRunning)
		}
	}

	t.logger.Info().
		Int64("batch_id", int64(msg.BatchID)).
		Int("requeued", requeued).
		Msg("Batch failure retry processed")
	return nil
}

func (t *BatchTask) dispatchOrders(ctx context.Context, batchID uint64, from []models.OrderStatus) (int, error) {
	orders := t.storage.OrderStorage()

	dispatched := 0
	for _, status := range from {
		list, err := orders.GetBatchOrders(ctx, batchID, &interfaces.OrderFilter{Status: status})
		if err != nil {
			return dispatched, err
		}
		for _, order := range list {
			ok, err := orders.TransitionOrder(ctx, order.ID,
				[]models.OrderStatus{status}, models.OrderStatusQueued,
				&models.OrderPatch{TaskID: models.StrPtr("")})
			if err != nil {
				return dispatched, err
			}
			if !ok {
				continue
			}
			if err := t.enqueueOrder(ctx, order, models.OrderStatusQueued); err != nil {
				return dispatched, err
			}
			dispatched++
		}
	}
	return dispatched, nil
}

func (t *BatchTask) enqueueOrder(ctx context.Context, order *models.Order, expect models.OrderStatus) error {
	taskID, err := t.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: order.ID,
		BatchID: order.BatchID,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to enqueue order %d: %w", order.ID, err)
	}

	// Best-effort task-id write back, conditional so a fast pickup is never
	// stomped; a failure here is tolerated by the worker's conditional
	// pickup rediscovering state from the row.
	if _, err := t.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{expect}, expect,
		&models.OrderPatch{TaskID: models.StrPtr(taskID)}); err != nil {
		t.logger.Warn().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to store task id on order")
	}
	return nil
}

func (t *BatchTask) publishBatchStatus(ctx context.Context, batchID uint64, status models.BatchStatus) {
	t.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchStatus,
		Payload: map[string]interface{}{
			"batch_id": batchID,
			"status":   string(status),
		},
	})
}
