package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/ternarybob/despacho/internal/queue"
	"github.com/ternarybob/despacho/internal/services/events"
	storage "github.com/ternarybob/despacho/internal/storage/badger"
)

type fixture struct {
	storage *storage.Manager
	queue   *queue.Manager
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := common.NewDefaultConfig()
	qm, err := queue.NewManager(store.DB(), &cfg.Queue, logger)
	require.NoError(t, err)

	return &fixture{
		storage: store,
		queue:   qm,
		svc:     NewService(store, qm, events.NewService(logger), cfg, logger),
	}
}

func (f *fixture) seedBatch(t *testing.T, orderCount int) (uint64, []*models.Order) {
	t.Helper()
	ctx := context.Background()

	orders := make([]interfaces.NewOrder, orderCount)
	for i := range orders {
		orders[i] = interfaces.NewOrder{
			ConsultoraCode: "C" + string(rune('1'+i)),
			Products:       []models.ProductRef{{ProductCode: "P1", Quantity: 1}},
		}
	}
	id, err := f.storage.BatchStorage().CreateBatch(ctx, "b", "", "", orders)
	require.NoError(t, err)
	rows, err := f.storage.OrderStorage().GetBatchOrders(ctx, id, nil)
	require.NoError(t, err)
	return id, rows
}

func TestStartBatchEnqueuesDispatchTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, _ := f.seedBatch(t, 2)

	taskID, err := f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	batch, err := f.storage.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusRunning, batch.Status)

	msg, ack, err := f.queue.Receive(ctx, models.LaneBatches)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeBatchDispatch, msg.Type)
	assert.Equal(t, batchID, msg.BatchID)
	require.NoError(t, ack())
}

func TestStartBatchRejectsRunningAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, _ := f.seedBatch(t, 1)

	_, err := f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)

	_, err = f.svc.StartBatch(ctx, batchID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	require.NoError(t, f.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusCompleted))
	_, err = f.svc.StartBatch(ctx, batchID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestPauseRevertsQueuedOrdersToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, rows := f.seedBatch(t, 3)
	_, err := f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)

	// Simulate dispatch having queued all orders.
	for _, o := range rows {
		taskID, err := f.queue.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
			Type: models.TaskTypeOrder, OrderID: o.ID, BatchID: batchID,
		}, nil)
		require.NoError(t, err)
		_, err = f.storage.OrderStorage().TransitionOrder(ctx, o.ID,
			[]models.OrderStatus{models.OrderStatusPending}, models.OrderStatusQueued,
			&models.OrderPatch{TaskID: models.StrPtr(taskID)})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.PauseBatch(ctx, batchID))

	batch, err := f.storage.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPaused, batch.Status)

	// No duplication, no loss: the multiset of pending orders matches.
	pending, err := f.storage.OrderStorage().GetBatchOrders(ctx, batchID,
		&interfaces.OrderFilter{Status: models.OrderStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	for _, o := range pending {
		assert.Empty(t, o.TaskID)
	}

	// Revoked messages are gone from the lane.
	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth[models.LaneOrders])

	// Resume re-dispatches.
	_, err = f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)
}

func TestPauseRequiresRunning(t *testing.T) {
	f := newFixture(t)
	batchID, _ := f.seedBatch(t, 1)

	err := f.svc.PauseBatch(context.Background(), batchID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestCancelBatchCancelsNonTerminalOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, rows := f.seedBatch(t, 3)
	_, err := f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)

	// One order already finished; one is mid-flight.
	_, err = f.storage.OrderStorage().TransitionOrder(ctx, rows[0].ID, nil, models.OrderStatusCompleted, nil)
	require.NoError(t, err)
	_, err = f.storage.OrderStorage().TransitionOrder(ctx, rows[1].ID, nil, models.OrderStatusInProgress, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelBatch(ctx, batchID))

	batch, err := f.storage.BatchStorage().GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, batch.Status)
	require.NotNil(t, batch.FinishedAt)

	first, _ := f.storage.OrderStorage().GetOrder(ctx, rows[0].ID)
	assert.Equal(t, models.OrderStatusCompleted, first.Status)

	// In-progress orders finish naturally.
	second, _ := f.storage.OrderStorage().GetOrder(ctx, rows[1].ID)
	assert.Equal(t, models.OrderStatusInProgress, second.Status)

	third, _ := f.storage.OrderStorage().GetOrder(ctx, rows[2].ID)
	assert.Equal(t, models.OrderStatusCancelled, third.Status)
	require.NotNil(t, third.FinishedAt)
}

func TestCancelRejectsTerminalBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, _ := f.seedBatch(t, 1)
	require.NoError(t, f.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusCompleted))

	err := f.svc.CancelBatch(ctx, batchID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestRetrySingleOrderFromFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, rows := f.seedBatch(t, 1)
	orderID := rows[0].ID

	_, err := f.storage.OrderStorage().TransitionOrder(ctx, orderID, nil, models.OrderStatusFailed,
		&models.OrderPatch{ErrorMessage: models.StrPtr("boom"), ErrorStep: models.StrPtr(models.StepNavigateCart)})
	require.NoError(t, err)

	require.NoError(t, f.svc.RetrySingleOrder(ctx, orderID))

	order, err := f.storage.OrderStorage().GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRetrying, order.Status)
	assert.Equal(t, 1, order.RetryCount)
	assert.Empty(t, order.ErrorMessage)
	assert.NotEmpty(t, order.TaskID)

	// Exactly one message per call.
	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[models.LaneOrders])
}

func TestRetrySingleOrderGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, rows := f.seedBatch(t, 1)
	orderID := rows[0].ID

	// Wrong status.
	err := f.svc.RetrySingleOrder(ctx, orderID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	// Ceiling reached.
	for i := 0; i < models.DefaultMaxRetries+models.ManualRetrySlack; i++ {
		require.NoError(t, f.storage.OrderStorage().BumpRetry(ctx, orderID))
	}
	_, err = f.storage.OrderStorage().TransitionOrder(ctx, orderID, nil, models.OrderStatusFailed, nil)
	require.NoError(t, err)

	err = f.svc.RetrySingleOrder(ctx, orderID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestRetryBatchFailuresEnqueuesControlTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, _ := f.seedBatch(t, 1)

	taskID, err := f.svc.RetryBatchFailures(ctx, batchID)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	msg, ack, err := f.queue.Receive(ctx, models.LaneBatches)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeBatchRetry, msg.Type)
	require.NoError(t, ack())
}

func TestSystemStatsIncludesQueueDepthAndWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batchID, _ := f.seedBatch(t, 2)
	_, err := f.svc.StartBatch(ctx, batchID)
	require.NoError(t, err)

	stats, err := f.svc.SystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalBatches)
	assert.Equal(t, 1, stats.ActiveBatches)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.QueueDepth[models.LaneBatches])
	assert.Equal(t, f.svc.config.Queue.Concurrency, stats.WorkerCount)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
}
