package models

import "errors"

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Queue lane names. Each lane is an independent badger-backed queue.
const (
	LaneOrders  = "orders"
	LaneBatches = "batches"
	LaneDefault = "default"
)

// Task type names routed by the worker pool.
const (
	TaskTypeOrder         = "process_order"
	TaskTypeBatchDispatch = "dispatch_batch"
	TaskTypeBatchRetry    = "retry_batch_failures"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the task.
type QueueMessage struct {
	TaskID  string `json:"task_id"` // Opaque handle stored back on the order/batch row
	Type    string `json:"type"`    // Task type for handler routing
	OrderID uint64 `json:"order_id,omitempty"`
	BatchID uint64 `json:"batch_id,omitempty"`
}
