package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

type workerIDKey struct{}

// WithWorkerID tags the context with the worker identity for bookkeeping.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerIDFrom returns the worker identity stored by WithWorkerID.
func WorkerIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(workerIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WorkerPool runs the task consumers. Order workers poll only the orders
// lane; one browser session per worker means holding exactly one message at
// a time. A single control worker drains the batches and default lanes so
// dispatch fan-out never competes with order execution for a browser.
type WorkerPool struct {
	queue        interfaces.QueueManager
	logger       arbor.ILogger
	concurrency  int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]interfaces.TaskHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the queue manager.
func NewWorkerPool(queue interfaces.QueueManager, config *common.QueueConfig, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &WorkerPool{
		queue:        queue,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: config.PollIntervalDuration(),
		handlers:     make(map[string]interfaces.TaskHandler),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterHandler registers a task type handler
func (wp *WorkerPool) RegisterHandler(taskType string, handler interfaces.TaskHandler) {
	wp.mu.Lock()
	wp.handlers[taskType] = handler
	wp.mu.Unlock()

	wp.logger.Debug().
		Str("task_type", taskType).
		Msg("Task handler registered")
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("order_workers", wp.concurrency).
		Dur("poll_interval", wp.pollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(fmt.Sprintf("worker-%d", i+1), []string{models.LaneOrders}, i)
	}

	// Control worker: batch dispatch and everything else.
	wp.wg.Add(1)
	go wp.worker("control-worker", []string{models.LaneBatches, models.LaneDefault}, wp.concurrency)

	return nil
}

// Stop cancels all workers and waits for in-flight tasks to finish
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

func (wp *WorkerPool) worker(workerID string, lanes []string, slot int) {
	defer wp.wg.Done()

	// Stagger worker starts to spread badger transaction contention across
	// the poll interval.
	stagger := (wp.pollInterval / time.Duration(wp.concurrency+1)) * time.Duration(slot)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Str("worker_id", workerID).
		Strs("lanes", lanes).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			for _, lane := range lanes {
				if err := wp.processOne(workerID, lane); err != nil {
					if err == models.ErrNoMessage {
						continue
					}
					wp.logger.Warn().
						Err(err).
						Str("worker_id", workerID).
						Str("lane", lane).
						Msg("Error processing message")
				}
				// One message per tick keeps the pacing honest.
				break
			}
		}
	}
}

func (wp *WorkerPool) processOne(workerID, lane string) error {
	msg, ack, err := wp.queue.Receive(wp.ctx, lane)
	if err != nil {
		return err
	}

	wp.mu.RLock()
	handler, exists := wp.handlers[msg.Type]
	wp.mu.RUnlock()

	if !exists {
		wp.logger.Error().
			Str("type", msg.Type).
			Str("task_id", msg.TaskID).
			Msg("No handler registered for task type")
		// Unknown types can never succeed; drop instead of redelivering.
		if ackErr := ack(); ackErr != nil {
			wp.logger.Warn().Err(ackErr).Msg("Failed to ack unroutable message")
		}
		return fmt.Errorf("no handler for task type: %s", msg.Type)
	}

	wp.logger.Debug().
		Str("worker_id", workerID).
		Str("task_id", msg.TaskID).
		Str("type", msg.Type).
		Msg("Processing message")

	ctx := WithWorkerID(wp.ctx, workerID)

	start := time.Now()
	handlerErr := handler(ctx, msg)
	duration := time.Since(start)

	if handlerErr != nil {
		// Ack-late: leave the message in the lane so the visibility timeout
		// redelivers it (bounded by the receive budget).
		wp.logger.Error().
			Err(handlerErr).
			Str("worker_id", workerID).
			Str("task_id", msg.TaskID).
			Str("type", msg.Type).
			Dur("duration", duration).
			Msg("Task handler failed")
		return handlerErr
	}

	wp.logger.Info().
		Str("worker_id", workerID).
		Str("task_id", msg.TaskID).
		Str("type", msg.Type).
		Dur("duration", duration).
		Msg("Task completed")

	if err := ack(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("task_id", msg.TaskID).
			Msg("Failed to ack message after completion")
		return err
	}
	return nil
}
