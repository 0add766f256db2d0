package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/ternarybob/despacho/internal/queue"
)

// pickupStates are the statuses from which a worker may take ownership of
// an order. A redelivered message whose order is in any other state is a
// duplicate and must not touch the row.
var pickupStates = []models.OrderStatus{
	models.OrderStatusPending,
	models.OrderStatusQueued,
	models.OrderStatusRetrying,
}

// unexpectedRetryDelay is the fixed cooldown before re-running an order whose
// attempt died outside the driver pipeline.
const unexpectedRetryDelay = 60 * time.Second

// OrderTask processes one order id end to end: conditional pickup, browser
// execution, log persistence, product bookkeeping and the retry decision.
// All mutations of one order happen inside the single task that owns it.
type OrderTask struct {
	storage interfaces.StorageManager
	queue   interfaces.QueueManager
	driver  interfaces.OrderDriver
	events  interfaces.EventService
	config  *common.Config
	logger  arbor.ILogger
}

// NewOrderTask creates the order task handler.
func NewOrderTask(storage interfaces.StorageManager, qm interfaces.QueueManager, driver interfaces.OrderDriver, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *OrderTask {
	return &OrderTask{
		storage: storage,
		queue:   qm,
		driver:  driver,
		events:  events,
		config:  config,
		logger:  logger,
	}
}

// Handle implements the worker task semantics.
func (t *OrderTask) Handle(ctx context.Context, msg *models.QueueMessage) (err error) {
	orders := t.storage.OrderStorage()

	order, getErr := orders.GetOrder(ctx, msg.OrderID)
	if getErr != nil {
		// A missing order is a structured no-op, never a retry.
		t.logger.Warn().
			Int64("order_id", int64(msg.OrderID)).
			Str("task_id", msg.TaskID).
			Msg("Order not found, dropping task")
		return nil
	}

	if t.queue.Revoked(msg.TaskID) {
		ok, terr := orders.TransitionOrder(ctx, order.ID, pickupStates, models.OrderStatusCancelled,
			&models.OrderPatch{FinishedAt: models.TimePtr(time.Now())})
		if terr != nil {
			return terr
		}
		if ok {
			t.finishOrder(ctx, order.BatchID, order.ID, models.OrderStatusCancelled)
		}
		return nil
	}

	workerID := queue.WorkerIDFrom(ctx)
	now := time.Now()
	ok, terr := orders.TransitionOrder(ctx, order.ID, pickupStates, models.OrderStatusInProgress,
		&models.OrderPatch{
			WorkerID:    models.StrPtr(workerID),
			TaskID:      models.StrPtr(msg.TaskID),
			StartedAt:   models.TimePtr(now),
			CurrentStep: models.StrPtr(models.StepStarting),
		})
	if terr != nil {
		return terr
	}
	if !ok {
		// Redelivery of an already-owned (or finished) order.
		t.logger.Warn().
			Int64("order_id", int64(order.ID)).
			Str("task_id", msg.TaskID).
			Str("status", string(order.Status)).
			Msg("Conditional pickup failed, treating as redelivery")
		return nil
	}

	order.TaskID = msg.TaskID
	t.publishOrderStatus(ctx, order.BatchID, order.ID, models.OrderStatusInProgress)

	// Unexpected failures outside the driver get the unexpected_error step
	// and one bounded cooperative retry.
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Int64("order_id", int64(order.ID)).
				Str("panic", fmt.Sprint(r)).
				Msg("Order task panicked")
			err = t.handleUnexpected(ctx, order, now, fmt.Sprintf("panic: %v", r))
		}
	}()

	products, perr := orders.GetOrderProducts(ctx, order.ID)
	if perr != nil {
		return t.handleUnexpected(ctx, order, now, "failed to load products: "+perr.Error())
	}

	if len(products) == 0 {
		return t.failValidation(ctx, order, now)
	}

	refs := make([]models.ProductRef, len(products))
	for i, p := range products {
		refs[i] = models.ProductRef{ProductCode: p.ProductCode, Quantity: p.Quantity}
	}

	result := t.executeDriver(ctx, order, refs)

	t.persistStepLog(ctx, order.ID, result.StepLog)
	t.updateProducts(ctx, products, result)

	finished := time.Now()
	duration := finished.Sub(now).Seconds()

	if result.Success {
		_, terr := orders.TransitionOrder(ctx, order.ID,
			[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusCompleted,
			&models.OrderPatch{
				CurrentStep:     models.StrPtr(models.StepCompleted),
				DurationSeconds: models.F64Ptr(duration),
				FinishedAt:      models.TimePtr(finished),
			})
		if terr != nil {
			return terr
		}
		t.finishOrder(ctx, order.BatchID, order.ID, models.OrderStatusCompleted)
		return nil
	}

	errPatch := &models.OrderPatch{
		CurrentStep:     models.StrPtr(result.CurrentStep),
		ErrorMessage:    models.StrPtr(result.Error),
		ErrorStep:       models.StrPtr(result.ErrorStep),
		ScreenshotPath:  models.StrPtr(result.ScreenshotPath),
		DurationSeconds: models.F64Ptr(duration),
		FinishedAt:      models.TimePtr(finished),
	}

	if order.RetryCount < order.MaxRetries {
		return t.scheduleRetry(ctx, order, errPatch)
	}

	// Retry budget spent: terminal failure, surfaced to the queue so the
	// task record shows the failure for operators.
	_, terr = orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusFailed, errPatch)
	if terr != nil {
		return terr
	}
	t.finishOrder(ctx, order.BatchID, order.ID, models.OrderStatusFailed)
	return fmt.Errorf("order %d failed at step %s: %s", order.ID, result.ErrorStep, result.Error)
}

// executeDriver runs the browser pipeline under the soft/hard time limits.
// The soft limit is the driver's context deadline; the hard limit bounds
// the whole handler including teardown.
func (t *OrderTask) executeDriver(ctx context.Context, order *models.Order, refs []models.ProductRef) *models.OrderResult {
	hardCtx, hardCancel := context.WithTimeout(ctx, t.config.Queue.HardTimeLimitDuration())
	defer hardCancel()
	softCtx, softCancel := context.WithTimeout(hardCtx, t.config.Queue.SoftTimeLimitDuration())
	defer softCancel()

	progress := func(step, message string) {
		t.onProgress(hardCtx, order, step, message)
	}

	return t.driver.ExecuteOrder(softCtx, order.ConsultoraCode, refs, progress)
}

// onProgress mirrors the driver's step boundary into the order row, the
// event stream and the queue's visibility window.
func (t *OrderTask) onProgress(ctx context.Context, order *models.Order, step, message string) {
	_, err := t.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusInProgress,
		&models.OrderPatch{CurrentStep: models.StrPtr(step)})
	if err != nil {
		t.logger.Warn().Err(err).Int64("order_id", int64(order.ID)).Msg("Failed to persist step progress")
	}

	if err := t.queue.Extend(ctx, models.LaneOrders, order.TaskID, t.config.Queue.VisibilityTimeoutDuration()); err != nil {
		t.logger.Debug().Err(err).Str("task_id", order.TaskID).Msg("Visibility extension failed")
	}

	t.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventOrderProgress,
		Payload: map[string]interface{}{
			"order_id":         order.ID,
			"batch_id":         order.BatchID,
			"step":             step,
			"message":          message,
			"progress_percent": models.StepProgressPercent(step, 0),
		},
	})
}

// failValidation terminates an order with no products without ever
// launching a browser.
func (t *OrderTask) failValidation(ctx context.Context, order *models.Order, started time.Time) error {
	finished := time.Now()
	_, err := t.storage.OrderStorage().TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusFailed,
		&models.OrderPatch{
			ErrorMessage:    models.StrPtr("order has no products"),
			ErrorStep:       models.StrPtr(models.StepOrderValidation),
			CurrentStep:     models.StrPtr(models.StepOrderValidation),
			DurationSeconds: models.F64Ptr(finished.Sub(started).Seconds()),
			FinishedAt:      models.TimePtr(finished),
		})
	if err != nil {
		return err
	}

	t.persistStepLog(ctx, order.ID, []models.StepLogEntry{{
		Level:   models.LogLevelError,
		Step:    models.StepOrderValidation,
		Message: "order has no products",
	}})

	t.finishOrder(ctx, order.BatchID, order.ID, models.OrderStatusFailed)
	return nil
}

// scheduleRetry bumps the retry counter and re-enqueues with linear backoff.
// BumpRetry clears the previous attempt's error fields, so it runs before
// the transition that records this attempt's failure.
func (t *OrderTask) scheduleRetry(ctx context.Context, order *models.Order, errPatch *models.OrderPatch) error {
	orders := t.storage.OrderStorage()

	if err := orders.BumpRetry(ctx, order.ID); err != nil {
		return err
	}
	if _, err := orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusRetrying, errPatch); err != nil {
		return err
	}

	attempt := order.RetryCount + 1
	delay := t.config.Retry.RetryDelayDuration() * time.Duration(attempt)

	taskID, err := t.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: order.ID,
		BatchID: order.BatchID,
	}, &interfaces.EnqueueOptions{Delay: delay})
	if err != nil {
		return fmt.Errorf("failed to enqueue retry for order %d: %w", order.ID, err)
	}

	if _, err := orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusRetrying}, models.OrderStatusRetrying,
		&models.OrderPatch{TaskID: models.StrPtr(taskID)}); err != nil {
		return err
	}

	t.logger.Info().
		Int64("order_id", int64(order.ID)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Order scheduled for retry")

	t.publishOrderStatus(ctx, order.BatchID, order.ID, models.OrderStatusRetrying)
	return nil
}

// handleUnexpected covers failures outside the driver: attribute them to the
// unexpected_error step and grant one bounded cooperative retry. The retry
// decision comes first; the batch is only recomputed when the order is truly
// terminal, so a batch never finalizes over an order with an attempt coming.
func (t *OrderTask) handleUnexpected(ctx context.Context, order *models.Order, started time.Time, message string) error {
	orders := t.storage.OrderStorage()
	finished := time.Now()
	patch := &models.OrderPatch{
		ErrorMessage:    models.StrPtr(message),
		ErrorStep:       models.StrPtr(models.StepUnexpected),
		CurrentStep:     models.StrPtr(models.StepUnexpected),
		DurationSeconds: models.F64Ptr(finished.Sub(started).Seconds()),
		FinishedAt:      models.TimePtr(finished),
	}

	t.persistStepLog(ctx, order.ID, []models.StepLogEntry{{
		Level:   models.LogLevelError,
		Step:    models.StepUnexpected,
		Message: message,
	}})

	if order.RetryCount < order.MaxRetries {
		if err := orders.BumpRetry(ctx, order.ID); err != nil {
			return err
		}
		if _, err := orders.TransitionOrder(ctx, order.ID,
			[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusRetrying, patch); err != nil {
			return err
		}
		taskID, err := t.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
			Type:    models.TaskTypeOrder,
			OrderID: order.ID,
			BatchID: order.BatchID,
		}, &interfaces.EnqueueOptions{Delay: unexpectedRetryDelay})
		if err != nil {
			return fmt.Errorf("failed to enqueue retry for order %d: %w", order.ID, err)
		}
		if _, err := orders.TransitionOrder(ctx, order.ID,
			[]models.OrderStatus{models.OrderStatusRetrying}, models.OrderStatusRetrying,
			&models.OrderPatch{TaskID: models.StrPtr(taskID)}); err != nil {
			return err
		}
		t.publishOrderStatus(ctx, order.BatchID, order.ID, models.OrderStatusRetrying)
		return nil
	}

	if _, err := orders.TransitionOrder(ctx, order.ID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusFailed, patch); err != nil {
		return err
	}
	t.finishOrder(ctx, order.BatchID, order.ID, models.OrderStatusFailed)
	return nil
}

// persistStepLog appends the driver's in-memory log preserving order.
func (t *OrderTask) persistStepLog(ctx context.Context, orderID uint64, entries []models.StepLogEntry) {
	logs := t.storage.OrderLogStorage()
	for i := range entries {
		if err := logs.AppendLog(ctx, orderID, &entries[i]); err != nil {
			t.logger.Warn().Err(err).Int64("order_id", int64(orderID)).Msg("Failed to persist step log entry")
			return
		}
	}
}

// updateProducts reconciles per-line outcomes from the driver result.
// Codes without a positive or negative signal stay pending.
func (t *OrderTask) updateProducts(ctx context.Context, products []*models.OrderProduct, result *models.OrderResult) {
	added := make(map[string]bool, len(result.ProductsAdded))
	for _, p := range result.ProductsAdded {
		added[p.ProductCode] = true
	}
	failed := make(map[string]string, len(result.ProductsFailed))
	for _, p := range result.ProductsFailed {
		failed[p.ProductCode] = p.Error
	}

	now := time.Now()
	for _, p := range products {
		switch {
		case added[p.ProductCode]:
			p.Status = models.ProductStatusAdded
			p.AddedAt = &now
		case failed[p.ProductCode] != "":
			p.Status = models.ProductStatusFailed
			p.ErrorMessage = failed[p.ProductCode]
		default:
			continue
		}
		if err := t.storage.OrderStorage().UpdateOrderProduct(ctx, p); err != nil {
			t.logger.Warn().Err(err).Int64("product_id", int64(p.ID)).Msg("Failed to update product status")
		}
	}
}

// finishOrder runs the idempotent batch bookkeeping after a terminal
// transition and publishes status events.
func (t *OrderTask) finishOrder(ctx context.Context, batchID, orderID uint64, status models.OrderStatus) {
	batch, err := t.storage.BatchStorage().RecomputeBatchCounters(ctx, batchID)
	if err != nil {
		t.logger.Warn().Err(err).Int64("batch_id", int64(batchID)).Msg("Failed to recompute batch counters")
	}

	t.publishOrderStatus(ctx, batchID, orderID, status)
	if batch != nil {
		t.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventBatchStatus,
			Payload: map[string]interface{}{
				"batch_id":         batch.ID,
				"status":           string(batch.Status),
				"completed_orders": batch.CompletedOrders,
				"failed_orders":    batch.FailedOrders,
				"total_orders":     batch.TotalOrders,
			},
		})
	}
}

func (t *OrderTask) publishOrderStatus(ctx context.Context, batchID, orderID uint64, status models.OrderStatus) {
	t.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventOrderStatus,
		Payload: map[string]interface{}{
			"order_id": orderID,
			"batch_id": batchID,
			"status":   string(status),
		},
	})
}
