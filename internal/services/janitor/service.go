package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

// Service periodically sweeps for orders stranded in in_progress. A worker
// that dies mid-order stops heartbeating (UpdatedAt goes stale); the sweep
// requeues the order if retry budget remains, otherwise fails it so the batch
// can finalize.
type Service struct {
	storage interfaces.StorageManager
	queue   interfaces.QueueManager
	config  *common.Config
	logger  arbor.ILogger
	cron    *cron.Cron
}

// NewService creates the janitor. Call Start to begin sweeping.
func NewService(storage interfaces.StorageManager, qm interfaces.QueueManager, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		queue:   qm,
		config:  config,
		logger:  logger,
	}
}

// Start schedules the sweep on the configured cron expression.
func (s *Service) Start() error {
	if !s.config.Janitor.Enabled {
		s.logger.Info().Msg("Janitor disabled")
		return nil
	}

	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(s.config.Janitor.Schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Janitor sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", s.config.Janitor.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.config.Janitor.Schedule).
		Str("stale_age", s.config.Janitor.StaleAge).
		Msg("Janitor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Janitor stopped")
}

// Sweep performs one pass over stale in_progress orders.
func (s *Service) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.config.Janitor.StaleAgeDuration())
	stale, err := s.storage.OrderStorage().ListStaleInProgress(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale orders: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	s.logger.Warn().
		Int("count", len(stale)).
		Str("cutoff", cutoff.UTC().Format(time.RFC3339)).
		Msg("Stale in-progress orders detected")

	for _, order := range stale {
		if order.RetryBudgetExhausted() {
			if err := s.failOrder(ctx, order); err != nil {
				s.logger.Error().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to fail stale order")
			}
			continue
		}
		if err := s.requeueOrder(ctx, order); err != nil {
			s.logger.Error().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to requeue stale order")
		}
	}
	return nil
}

// requeueOrder gives an orphaned order another attempt on the lane.
func (s *Service) requeueOrder(ctx context.Context, order *models.Order) error {
	if err := s.storage.OrderStorage().BumpRetry(ctx, order.ID); err != nil {
		return err
	}

	ok, err := s.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusRetrying,
		&models.OrderPatch{
			WorkerID: models.StrPtr(""),
			TaskID:   models.StrPtr(""),
		})
	if err != nil {
		return err
	}
	if !ok {
		// A live worker touched it between the query and the transition.
		return nil
	}

	taskID, err := s.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: order.ID,
		BatchID: order.BatchID,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to enqueue stale order: %w", err)
	}

	if _, err := s.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusRetrying}, models.OrderStatusRetrying,
		&models.OrderPatch{TaskID: models.StrPtr(taskID)}); err != nil {
		return err
	}

	s.logger.Info().
		Int64("order_id", int64(order.ID)).
		Str("task_id", taskID).
		Int("retry_count", order.RetryCount+1).
		Msg("Stale order requeued")
	return nil
}

// failOrder gives up on an orphan whose retry budget is spent.
func (s *Service) failOrder(ctx context.Context, order *models.Order) error {
	ok, err := s.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusFailed,
		&models.OrderPatch{
			ErrorMessage: models.StrPtr("worker lost: no progress within stale age"),
			ErrorStep:    models.StrPtr(order.CurrentStep),
			FinishedAt:   models.TimePtr(time.Now()),
		})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := s.storage.BatchStorage().RecomputeBatchCounters(ctx, order.BatchID); err != nil {
		s.logger.Warn().Err(err).Int64("batch_id", int64(order.BatchID)).Msg("Failed to recompute counters after janitor fail")
	}

	s.logger.Warn().
		Int64("order_id", int64(order.ID)).
		Int64("batch_id", int64(order.BatchID)).
		Msg("Stale order failed, retry budget exhausted")
	return nil
}
