package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/despacho/internal/models"
)

// EnqueueOptions tune per-message delivery.
type EnqueueOptions struct {
	Delay      time.Duration // visibility delay before first pickup (retry countdown)
	MaxReceive int           // 0 = lane default
}

// QueueManager manages the persistent message queue lanes.
// Delivery is at-least-once with acknowledgement after completion (ack-late);
// handlers must tolerate redelivery.
type QueueManager interface {
	// Enqueue places a message on the named lane and returns its task ID.
	Enqueue(ctx context.Context, lane string, msg *models.QueueMessage, opts *EnqueueOptions) (string, error)
	// Receive pulls the next visible message from the lane. The returned ack
	// function removes the message; not calling it lets the visibility
	// timeout redeliver.
	Receive(ctx context.Context, lane string) (*models.QueueMessage, func() error, error)
	// Extend pushes out the visibility timeout of an in-flight message.
	Extend(ctx context.Context, lane string, taskID string, d time.Duration) error
	// Revoke is best-effort cancellation. terminate=false only removes a
	// still-queued message; terminate=true additionally flags a running task
	// so cooperative checkpoints abandon it.
	Revoke(ctx context.Context, lane string, taskID string, terminate bool) error
	// Revoked reports whether a running task has been flagged for termination.
	Revoked(taskID string) bool
	// Depth returns the number of visible plus in-flight messages per lane.
	Depth(ctx context.Context) (map[string]int, error)
	Close() error
}

// TaskHandler processes one queue message.
type TaskHandler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool manages concurrent task processing. Each worker goroutine holds
// exactly one message at a time (prefetch = 1 equivalent).
type WorkerPool interface {
	RegisterHandler(taskType string, handler TaskHandler)
	Start() error
	Stop() error
}
