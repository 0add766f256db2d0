package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

// ErrIllegalTransition marks operator requests that the current state does
// not permit; the API layer maps it to a 400.
var ErrIllegalTransition = errors.New("illegal state transition")

// Service is the in-process control façade. It holds no mutable state of
// its own; every operation reads and writes through the storage manager.
type Service struct {
	storage   interfaces.StorageManager
	queue     interfaces.QueueManager
	events    interfaces.EventService
	config    *common.Config
	logger    arbor.ILogger
	startedAt time.Time
}

// NewService creates the orchestrator.
func NewService(storage interfaces.StorageManager, qm interfaces.QueueManager, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		storage:   storage,
		queue:     qm,
		events:    events,
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// StartBatch kicks off (or resumes) dispatch for a batch.
func (s *Service) StartBatch(ctx context.Context, batchID uint64) (string, error) {
	batch, err := s.storage.BatchStorage().GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}

	switch batch.Status {
	case models.BatchStatusPending, models.BatchStatusPaused, models.BatchStatusFailed:
	default:
		return "", fmt.Errorf("%w: cannot start batch in status %s", ErrIllegalTransition, batch.Status)
	}

	if err := s.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusRunning); err != nil {
		return "", err
	}

	taskID, err := s.queue.Enqueue(ctx, models.LaneBatches, &models.QueueMessage{
		Type:    models.TaskTypeBatchDispatch,
		BatchID: batchID,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue dispatch task: %w", err)
	}

	s.logger.Info().
		Int64("batch_id", int64(batchID)).
		Str("task_id", taskID).
		Msg("Batch start requested")

	s.publishBatchStatus(ctx, batchID, models.BatchStatusRunning)
	return taskID, nil
}

// PauseBatch stops further dispatch. Queued orders are revoked without
// termination and revert to pending so a later start re-dispatches them;
// in-progress orders run to completion.
func (s *Service) PauseBatch(ctx context.Context, batchID uint64) error {
	batch, err := s.storage.BatchStorage().GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchStatusRunning {
		return fmt.Errorf("%w: cannot pause batch in status %s", ErrIllegalTransition, batch.Status)
	}

	if err := s.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusPaused); err != nil {
		return err
	}

	reverted := 0
	for _, status := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusQueued} {
		orders, err := s.storage.OrderStorage().GetBatchOrders(ctx, batchID, &interfaces.OrderFilter{Status: status})
		if err != nil {
			return err
		}
		for _, order := range orders {
			if order.TaskID != "" {
				if err := s.queue.Revoke(ctx, models.LaneOrders, order.TaskID, false); err != nil {
					s.logger.Warn().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to revoke order task")
				}
			}
			ok, err := s.storage.OrderStorage().TransitionOrder(ctx, order.ID,
				[]models.OrderStatus{status}, models.OrderStatusPending,
				&models.OrderPatch{TaskID: models.StrPtr("")})
			if err != nil {
				return err
			}
			if ok {
				reverted++
			}
		}
	}

	s.logger.Info().
		Int64("batch_id", int64(batchID)).
		Int("reverted", reverted).
		Msg("Batch paused")

	s.publishBatchStatus(ctx, batchID, models.BatchStatusPaused)
	return nil
}

// CancelBatch terminates a batch. Revocation is best-effort: not-yet-started
// orders are cancelled outright, running ones are flagged and finish (or
// abandon) on their own.
func (s *Service) CancelBatch(ctx context.Context, batchID uint64) error {
	batch, err := s.storage.BatchStorage().GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return fmt.Errorf("%w: batch already %s", ErrIllegalTransition, batch.Status)
	}

	if err := s.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusCancelled); err != nil {
		return err
	}

	cancelled := 0
	now := time.Now()
	for _, status := range []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusQueued,
		models.OrderStatusRetrying,
	} {
		orders, err := s.storage.OrderStorage().GetBatchOrders(ctx, batchID, &interfaces.OrderFilter{Status: status})
		if err != nil {
			return err
		}
		for _, order := range orders {
			if order.TaskID != "" {
				if err := s.queue.Revoke(ctx, models.LaneOrders, order.TaskID, true); err != nil {
					s.logger.Warn().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to revoke order task")
				}
			}
			ok, err := s.storage.OrderStorage().TransitionOrder(ctx, order.ID,
				[]models.OrderStatus{status}, models.OrderStatusCancelled,
				&models.OrderPatch{FinishedAt: models.TimePtr(now)})
			if err != nil {
				return err
			}
			if ok {
				cancelled++
			}
		}
	}

	if _, err := s.storage.BatchStorage().RecomputeBatchCounters(ctx, batchID); err != nil {
		s.logger.Warn().Err(err).Int64("batch_id", int64(batchID)).Msg("Failed to recompute counters after cancel")
	}

	s.logger.Info().
		Int64("batch_id", int64(batchID)).
		Int("cancelled", cancelled).
		Msg("Batch cancelled")

	s.publishBatchStatus(ctx, batchID, models.BatchStatusCancelled)
	return nil
}

// RetryBatchFailures enqueues the bulk-retry task for the batch.
func (s *Service) RetryBatchFailures(ctx context.Context, batchID uint64) (string, error) {
	if _, err := s.storage.BatchStorage().GetBatch(ctx, batchID); err != nil {
		return "", err
	}

	taskID, err := s.queue.Enqueue(ctx, models.LaneBatches, &models.QueueMessage{
		Type:    models.TaskTypeBatchRetry,
		BatchID: batchID,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue retry task: %w", err)
	}

	s.logger.Info().
		Int64("batch_id", int64(batchID)).
		Str("task_id", taskID).
		Msg("Batch failure retry requested")
	return taskID, nil
}

// RetrySingleOrder puts one failed or cancelled order back on the lane.
func (s *Service) RetrySingleOrder(ctx context.Context, orderID uint64) error {
	order, err := s.storage.OrderStorage().GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status != models.OrderStatusFailed && order.Status != models.OrderStatusCancelled {
		return fmt.Errorf("%w: cannot retry order in status %s", ErrIllegalTransition, order.Status)
	}
	if !order.ManualRetryAllowed() {
		return fmt.Errorf("%w: retry ceiling reached (%d attempts)", ErrIllegalTransition, order.RetryCount)
	}

	if err := s.storage.OrderStorage().BumpRetry(ctx, orderID); err != nil {
		return err
	}
	ok, err := s.storage.OrderStorage().TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusFailed, models.OrderStatusCancelled},
		models.OrderStatusRetrying, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order state changed concurrently", ErrIllegalTransition)
	}

	taskID, err := s.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: order.ID,
		BatchID: order.BatchID,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to enqueue order retry: %w", err)
	}

	if _, err := s.storage.OrderStorage().TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusRetrying}, models.OrderStatusRetrying,
		&models.OrderPatch{TaskID: models.StrPtr(taskID)}); err != nil {
		return err
	}

	s.logger.Info().
		Int64("order_id", int64(orderID)).
		Str("task_id", taskID).
		Msg("Manual order retry enqueued")
	return nil
}

// BatchStats returns the read-only aggregate for one batch.
func (s *Service) BatchStats(ctx context.Context, batchID uint64) (*models.BatchStats, error) {
	return s.storage.BatchStorage().BatchStats(ctx, batchID)
}

// SystemStats returns the application-wide aggregate.
func (s *Service) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	stats, err := s.storage.BatchStorage().SystemStats(ctx)
	if err != nil {
		return nil, err
	}

	if depth, err := s.queue.Depth(ctx); err == nil {
		stats.QueueDepth = depth
	} else {
		s.logger.Warn().Err(err).Msg("Failed to read queue depth")
	}

	stats.WorkerCount = s.config.Queue.Concurrency
	stats.UptimeSeconds = time.Since(s.startedAt).Seconds()
	return stats, nil
}

func (s *Service) publishBatchStatus(ctx context.Context, batchID uint64, status models.BatchStatus) {
	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventBatchStatus,
		Payload: map[string]interface{}{
			"batch_id": batchID,
			"status":   string(status),
		},
	})
}
