package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()

	logger := arbor.NewLogger()
	mgr, err := NewManager(logger, &common.BadgerConfig{
		Path: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func seedBatch(t *testing.T, mgr interfaces.StorageManager, orderCount int) uint64 {
	t.Helper()

	orders := make([]interfaces.NewOrder, orderCount)
	for i := range orders {
		orders[i] = interfaces.NewOrder{
			ConsultoraCode: "100" + string(rune('0'+i)),
			Products: []models.ProductRef{
				{ProductCode: "PX-1", Quantity: 2},
				{ProductCode: "PX-2", Quantity: 1},
			},
		}
	}

	id, err := mgr.BatchStorage().CreateBatch(context.Background(), "test-batch", "", "orders.csv", orders)
	require.NoError(t, err)
	return id
}

func TestCreateBatchPersistsOrdersAndProducts(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 3)

	batch, err := mgr.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, batch.Status)
	assert.Equal(t, 3, batch.TotalOrders)
	assert.Equal(t, "orders.csv", batch.SourceFile)

	orders, err := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	require.NoError(t, err)
	require.Len(t, orders, 3)

	for _, o := range orders {
		assert.Equal(t, models.OrderStatusPending, o.Status)
		assert.Equal(t, models.DefaultMaxRetries, o.MaxRetries)

		products, err := mgr.OrderStorage().GetOrderProducts(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, products, 2)
		assert.Equal(t, "PX-1", products[0].ProductCode)
		assert.Equal(t, 2, products[0].Quantity)
		assert.Equal(t, models.ProductStatusPending, products[0].Status)
	}
}

func TestCreateBatchRejectsEmptyInput(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.BatchStorage().CreateBatch(context.Background(), "empty", "", "", nil)
	assert.Error(t, err)

	_, err = mgr.BatchStorage().CreateBatch(context.Background(), "", "", "", []interfaces.NewOrder{{ConsultoraCode: "1"}})
	assert.Error(t, err)
}

func TestTransitionOrderPrecondition(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	orders, err := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	require.NoError(t, err)
	orderID := orders[0].ID

	// pending -> queued succeeds
	ok, err := mgr.OrderStorage().TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusQueued,
		&models.OrderPatch{TaskID: models.StrPtr("task_abc")})
	require.NoError(t, err)
	assert.True(t, ok)

	// second pickup from pending must fail: order is already queued
	ok, err = mgr.OrderStorage().TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusQueued, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	order, err := mgr.OrderStorage().GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusQueued, order.Status)
	assert.Equal(t, "task_abc", order.TaskID)
}

func TestTransitionOrderAppliesPatch(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	orderID := orders[0].ID

	started := time.Now()
	ok, err := mgr.OrderStorage().TransitionOrder(ctx, orderID, nil, models.OrderStatusInProgress,
		&models.OrderPatch{
			CurrentStep: models.StrPtr(models.StepLogin),
			WorkerID:    models.StrPtr("worker-1"),
			StartedAt:   models.TimePtr(started),
		})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.OrderStorage().TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderStatusInProgress}, models.OrderStatusFailed,
		&models.OrderPatch{
			ErrorMessage:    models.StrPtr("login timed out"),
			ErrorStep:       models.StrPtr(models.StepLogin),
			DurationSeconds: models.F64Ptr(42.5),
			FinishedAt:      models.TimePtr(time.Now()),
		})
	require.NoError(t, err)
	require.True(t, ok)

	order, err := mgr.OrderStorage().GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, "login timed out", order.ErrorMessage)
	assert.Equal(t, models.StepLogin, order.ErrorStep)
	assert.Equal(t, 42.5, order.DurationSeconds)
	assert.Equal(t, "worker-1", order.WorkerID)
	require.NotNil(t, order.StartedAt)
	require.NotNil(t, order.FinishedAt)
}

func TestBumpRetryClearsErrorFields(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	orderID := orders[0].ID

	_, err := mgr.OrderStorage().TransitionOrder(ctx, orderID, nil, models.OrderStatusRetrying,
		&models.OrderPatch{
			ErrorMessage: models.StrPtr("boom"),
			ErrorStep:    models.StrPtr(models.StepUpload),
		})
	require.NoError(t, err)

	require.NoError(t, mgr.OrderStorage().BumpRetry(ctx, orderID))

	order, err := mgr.OrderStorage().GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, 1, order.RetryCount)
	assert.Empty(t, order.ErrorMessage)
	assert.Empty(t, order.ErrorStep)
}

func TestRecomputeBatchCountersFinalizes(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 2)
	require.NoError(t, mgr.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusRunning))

	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)

	// one done, one still pending: counters move, status stays running
	_, err := mgr.OrderStorage().TransitionOrder(ctx, orders[0].ID, nil, models.OrderStatusCompleted, nil)
	require.NoError(t, err)

	batch, err := mgr.BatchStorage().RecomputeBatchCounters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.CompletedOrders)
	assert.Equal(t, models.BatchStatusRunning, batch.Status)
	assert.Nil(t, batch.FinishedAt)

	// last child terminal with a failure: batch finalizes as failed
	_, err = mgr.OrderStorage().TransitionOrder(ctx, orders[1].ID, nil, models.OrderStatusFailed, nil)
	require.NoError(t, err)

	batch, err = mgr.BatchStorage().RecomputeBatchCounters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.CompletedOrders)
	assert.Equal(t, 1, batch.FailedOrders)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
	require.NotNil(t, batch.FinishedAt)
}

func TestRecomputeBatchCountersAllCompleted(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 2)
	require.NoError(t, mgr.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusRunning))

	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	for _, o := range orders {
		_, err := mgr.OrderStorage().TransitionOrder(ctx, o.ID, nil, models.OrderStatusCompleted, nil)
		require.NoError(t, err)
	}

	batch, err := mgr.BatchStorage().RecomputeBatchCounters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.CompletedOrders)
	require.NotNil(t, batch.FinishedAt)
}

func TestRecomputeDoesNotFinalizePausedBatch(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	require.NoError(t, mgr.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusPaused))

	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	_, err := mgr.OrderStorage().TransitionOrder(ctx, orders[0].ID, nil, models.OrderStatusCompleted, nil)
	require.NoError(t, err)

	batch, err := mgr.BatchStorage().RecomputeBatchCounters(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPaused, batch.Status)
	assert.Equal(t, 1, batch.CompletedOrders)
}

func TestGetBatchOrdersStatusFilter(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 3)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)

	_, err := mgr.OrderStorage().TransitionOrder(ctx, orders[0].ID, nil, models.OrderStatusCompleted, nil)
	require.NoError(t, err)

	pending, err := mgr.OrderStorage().GetBatchOrders(ctx, batchID, &interfaces.OrderFilter{Status: models.OrderStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	completed, err := mgr.OrderStorage().GetBatchOrders(ctx, batchID, &interfaces.OrderFilter{Status: models.OrderStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestOrderLogsPreserveAppendOrder(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	orderID := orders[0].ID

	steps := []string{models.StepStarting, models.StepLogin, models.StepSearch}
	for _, step := range steps {
		err := mgr.OrderLogStorage().AppendLog(ctx, orderID, &models.StepLogEntry{
			Level:   models.LogLevelInfo,
			Step:    step,
			Message: "step " + step,
		})
		require.NoError(t, err)
	}

	logs, err := mgr.OrderLogStorage().GetOrderLogs(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, step := range steps {
		assert.Equal(t, step, logs[i].Step)
		assert.False(t, logs[i].Timestamp.IsZero())
	}

	count, err := mgr.OrderLogStorage().CountOrderLogs(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestBatchStatsProgressAndETA(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 4)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)

	for _, o := range orders[:2] {
		_, err := mgr.OrderStorage().TransitionOrder(ctx, o.ID, nil, models.OrderStatusCompleted,
			&models.OrderPatch{DurationSeconds: models.F64Ptr(60)})
		require.NoError(t, err)
	}

	stats, err := mgr.BatchStorage().BatchStats(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalOrders)
	assert.Equal(t, 50.0, stats.ProgressPercent)
	assert.Equal(t, 60.0, stats.MeanDurationSeconds)
	assert.Equal(t, 120.0, stats.ETASeconds)
	assert.Equal(t, 2, stats.StatusCounts[string(models.OrderStatusPending)])
}

func TestBatchStatsMeanIncludesFailedDurations(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 3)
	orders, _ := mgr.OrderStorage().GetBatchOrders(ctx, batchID, nil)

	_, err := mgr.OrderStorage().TransitionOrder(ctx, orders[0].ID, nil, models.OrderStatusCompleted,
		&models.OrderPatch{DurationSeconds: models.F64Ptr(30)})
	require.NoError(t, err)

	// A failed attempt spent wall-clock time too; it counts toward the mean.
	_, err = mgr.OrderStorage().TransitionOrder(ctx, orders[1].ID, nil, models.OrderStatusFailed,
		&models.OrderPatch{DurationSeconds: models.F64Ptr(90)})
	require.NoError(t, err)

	stats, err := mgr.BatchStorage().BatchStats(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, stats.MeanDurationSeconds)
	assert.Equal(t, 60.0, stats.ETASeconds)
}

func TestTransitionBatchPrecondition(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	batchID := seedBatch(t, mgr, 1)
	require.NoError(t, mgr.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusPaused))

	ok, err := mgr.BatchStorage().TransitionBatch(ctx, batchID,
		[]models.BatchStatus{models.BatchStatusPending, models.BatchStatusRunning}, models.BatchStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	batch, err := mgr.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPaused, batch.Status)

	ok, err = mgr.BatchStorage().TransitionBatch(ctx, batchID,
		[]models.BatchStatus{models.BatchStatusPaused}, models.BatchStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)
}
