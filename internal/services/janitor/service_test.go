package janitor

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
	"github.com/ternarybob/despacho/internal/queue"
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
	cfg.Janitor.StaleAge = "20ms"

	qm, err := queue.NewManager(store.DB(), &cfg.Queue, logger)
	require.NoError(t, err)

	return &fixture{
		storage: store,
		queue:   qm,
		svc:     NewService(store, qm, cfg, logger),
	}
}

func (f *fixture) seedInProgressOrder(t *testing.T) *models.Order {
	t.Helper()
	ctx := context.Background()

	batchID, err := f.storage.BatchStorage().CreateBatch(ctx, "b", "", "", []interfaces.NewOrder{
		{ConsultoraCode: "C1", Products: []models.ProductRef{{ProductCode: "P1", Quantity: 1}}},
	})
	require.NoError(t, err)
	require.NoError(t, f.storage.BatchStorage().UpdateBatchStatus(ctx, batchID, models.BatchStatusRunning))

	rows, err := f.storage.OrderStorage().GetBatchOrders(ctx, batchID, nil)
	require.NoError(t, err)

	_, err = f.storage.OrderStorage().TransitionOrder(ctx, rows[0].ID, nil, models.OrderStatusInProgress,
		&models.OrderPatch{WorkerID: models.StrPtr("worker-1"), TaskID: models.StrPtr("dead-task")})
	require.NoError(t, err)

	order, err := f.storage.OrderStorage().GetOrder(ctx, rows[0].ID)
	require.NoError(t, err)
	return order
}

func TestSweepRequeuesStaleOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.seedInProgressOrder(t)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.svc.Sweep(ctx))

	updated, err := f.storage.OrderStorage().GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRetrying, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Empty(t, updated.WorkerID)
	assert.NotEqual(t, "dead-task", updated.TaskID)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[models.LaneOrders])
}

func TestSweepFailsOrderWithExhaustedBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.seedInProgressOrder(t)
	for i := 0; i < models.DefaultMaxRetries; i++ {
		require.NoError(t, f.storage.OrderStorage().BumpRetry(ctx, order.ID))
	}
	_, err := f.storage.OrderStorage().TransitionOrder(ctx, order.ID, nil, models.OrderStatusInProgress, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.svc.Sweep(ctx))

	updated, err := f.storage.OrderStorage().GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "worker lost")
	require.NotNil(t, updated.FinishedAt)

	// Only child failed, so the batch finalizes as failed.
	batch, err := f.storage.BatchStorage().GetBatch(ctx, updated.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth[models.LaneOrders])
}

func TestSweepIgnoresFreshOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.config.Janitor.StaleAge = "1h"
	order := f.seedInProgressOrder(t)

	require.NoError(t, f.svc.Sweep(ctx))

	updated, err := f.storage.OrderStorage().GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, updated.Status)
	assert.Equal(t, 0, updated.RetryCount)
}
