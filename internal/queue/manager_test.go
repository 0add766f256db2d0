package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

func newTestManager(t *testing.T, visibility string, maxReceive int) *Manager {
	t.Helper()

	opts := badgerdb.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr, err := NewManager(db, &common.QueueConfig{
		VisibilityTimeout: visibility,
		MaxReceive:        maxReceive,
	}, arbor.NewLogger())
	require.NoError(t, err)
	return mgr
}

func TestEnqueueReceiveAck(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	taskID, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 7,
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	msg, ack, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)
	assert.Equal(t, taskID, msg.TaskID)
	assert.Equal(t, uint64(7), msg.OrderID)

	// While in flight, the message is invisible to other receivers.
	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)

	require.NoError(t, ack())

	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)
}

func TestReceiveEmptyLane(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)

	_, _, err := mgr.Receive(context.Background(), models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)
}

func TestLanesAreIndependent(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	_, err := mgr.Enqueue(ctx, models.LaneBatches, &models.QueueMessage{
		Type:    models.TaskTypeBatchDispatch,
		BatchID: 1,
	}, nil)
	require.NoError(t, err)

	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)

	msg, ack, err := mgr.Receive(ctx, models.LaneBatches)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeBatchDispatch, msg.Type)
	require.NoError(t, ack())
}

func TestDelayedMessageInvisibleUntilDue(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	_, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 1,
	}, &interfaces.EnqueueOptions{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)

	time.Sleep(200 * time.Millisecond)

	msg, ack, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.OrderID)
	require.NoError(t, ack())
}

func TestUnackedMessageRedelivered(t *testing.T) {
	mgr := newTestManager(t, "100ms", 3)
	ctx := context.Background()

	taskID, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 2,
	}, nil)
	require.NoError(t, err)

	msg, _, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)
	assert.Equal(t, taskID, msg.TaskID)

	// No ack; after the visibility timeout the same message comes back.
	time.Sleep(150 * time.Millisecond)

	msg, ack, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)
	assert.Equal(t, taskID, msg.TaskID)
	require.NoError(t, ack())
}

func TestReceiveBudgetDeadLetters(t *testing.T) {
	mgr := newTestManager(t, "50ms", 2)
	ctx := context.Background()

	_, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 3,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := mgr.Receive(ctx, models.LaneOrders)
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)
	}

	// Third attempt finds the budget spent and dead-letters the message.
	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)

	depth, err := mgr.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth[models.LaneOrders])
}

func TestExtendPushesVisibility(t *testing.T) {
	mgr := newTestManager(t, "100ms", 3)
	ctx := context.Background()

	taskID, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 4,
	}, nil)
	require.NoError(t, err)

	_, ack, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)

	require.NoError(t, mgr.Extend(ctx, models.LaneOrders, taskID, time.Minute))

	// Past the original timeout, but the extension keeps it invisible.
	time.Sleep(150 * time.Millisecond)
	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)

	require.NoError(t, ack())
}

func TestRevokeQueuedMessage(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	taskID, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 5,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, models.LaneOrders, taskID, false))

	_, _, err = mgr.Receive(ctx, models.LaneOrders)
	assert.Equal(t, models.ErrNoMessage, err)
	assert.False(t, mgr.Revoked(taskID))
}

func TestRevokeInFlightSetsTerminateFlag(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	taskID, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
		Type:    models.TaskTypeOrder,
		OrderID: 6,
	}, nil)
	require.NoError(t, err)

	_, ack, err := mgr.Receive(ctx, models.LaneOrders)
	require.NoError(t, err)

	// Claimed message stays; only the terminate flag is raised.
	require.NoError(t, mgr.Revoke(ctx, models.LaneOrders, taskID, true))
	assert.True(t, mgr.Revoked(taskID))

	// Ack clears the flag with the message.
	require.NoError(t, ack())
	assert.False(t, mgr.Revoked(taskID))
}

func TestDepthCountsPerLane(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
			Type:    models.TaskTypeOrder,
			OrderID: uint64(i + 1),
		}, nil)
		require.NoError(t, err)
	}
	_, err := mgr.Enqueue(ctx, models.LaneBatches, &models.QueueMessage{
		Type:    models.TaskTypeBatchDispatch,
		BatchID: 1,
	}, nil)
	require.NoError(t, err)

	depth, err := mgr.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth[models.LaneOrders])
	assert.Equal(t, 1, depth[models.LaneBatches])
	assert.Equal(t, 0, depth[models.LaneDefault])
}

func TestWorkerPoolRoutesByType(t *testing.T) {
	mgr := newTestManager(t, "1m", 2)
	ctx := context.Background()

	pool := NewWorkerPool(mgr, &common.QueueConfig{
		PollInterval: "20ms",
		Concurrency:  2,
	}, arbor.NewLogger())

	var mu sync.Mutex
	got := make(map[string][]uint64)
	done := make(chan struct{}, 4)

	pool.RegisterHandler(models.TaskTypeOrder, func(ctx context.Context, msg *models.QueueMessage) error {
		mu.Lock()
		got[msg.Type] = append(got[msg.Type], msg.OrderID)
		mu.Unlock()
		assert.NotEmpty(t, WorkerIDFrom(ctx))
		done <- struct{}{}
		return nil
	})
	pool.RegisterHandler(models.TaskTypeBatchDispatch, func(ctx context.Context, msg *models.QueueMessage) error {
		mu.Lock()
		got[msg.Type] = append(got[msg.Type], msg.BatchID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	for i := 1; i <= 3; i++ {
		_, err := mgr.Enqueue(ctx, models.LaneOrders, &models.QueueMessage{
			Type:    models.TaskTypeOrder,
			OrderID: uint64(i),
		}, nil)
		require.NoError(t, err)
	}
	_, err := mgr.Enqueue(ctx, models.LaneBatches, &models.QueueMessage{
		Type:    models.TaskTypeBatchDispatch,
		BatchID: 9,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got[models.TaskTypeOrder], 3)
	assert.Equal(t, []uint64{9}, got[models.TaskTypeBatchDispatch])
}
