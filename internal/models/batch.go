package models

import (
	"time"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusPaused    BatchStatus = "paused"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// IsTerminal reports whether the batch status admits no further transitions.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// Batch represents a single upload/run of orders managed and reported on as a unit.
//
// Counter invariants (enforced by storage.RecomputeBatchCounters):
//   - CompletedOrders + FailedOrders <= TotalOrders
//   - Status == completed  => FailedOrders == 0 and all children terminal
//   - Status == failed     => FailedOrders > 0 and all children terminal
//   - FinishedAt set iff Status is terminal
//
// Lifecycle transitions are driven only by the orchestrator (start/pause/cancel)
// and by the order task's auto-finalize when all children reach a terminal state.
type Batch struct {
	ID              uint64      `json:"id" badgerhold:"key"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Status          BatchStatus `json:"status" badgerholdIndex:"Status"`
	TotalOrders     int         `json:"total_orders"`
	CompletedOrders int         `json:"completed_orders"`
	FailedOrders    int         `json:"failed_orders"`
	SourceFile      string      `json:"source_file,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// BatchStats is the read-only aggregate returned by the stats endpoints.
type BatchStats struct {
	BatchID             uint64         `json:"batch_id"`
	Status              BatchStatus    `json:"status"`
	TotalOrders         int            `json:"total_orders"`
	StatusCounts        map[string]int `json:"status_counts"`
	ProgressPercent     float64        `json:"progress_percent"`
	MeanDurationSeconds float64        `json:"mean_duration_seconds"`
	ETASeconds          float64        `json:"eta_seconds"`
}

// SystemStats is the application-wide aggregate for the /api/stats endpoint.
type SystemStats struct {
	TotalBatches    int            `json:"total_batches"`
	ActiveBatches   int            `json:"active_batches"`
	TotalOrders     int            `json:"total_orders"`
	OrderStatus     map[string]int `json:"order_status_counts"`
	QueueDepth      map[string]int `json:"queue_depth"`
	WorkerCount     int            `json:"worker_count"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	ScreenshotCount int            `json:"screenshot_count,omitempty"`
}
