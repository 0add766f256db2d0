package models

import (
	"time"
)

// OrderStatus represents the state of an order in the dispatch state machine
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusQueued     OrderStatus = "queued"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusRetrying   OrderStatus = "retrying"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsTerminal reports whether the order status admits no further transitions
// (manual retry from failed/cancelled is the explicit exception).
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusCancelled
}

// DefaultMaxRetries is the automatic retry budget for a new order.
const DefaultMaxRetries = 3

// ManualRetrySlack is how far manual retries may push RetryCount past MaxRetries.
const ManualRetrySlack = 2

// Order is the unit of work assigned to one worker: a single consultora plus
// a list of products. At most one non-terminal worker owns an order at any time;
// ownership is taken through the conditional transition in storage.
type Order struct {
	ID              uint64      `json:"id" badgerhold:"key"`
	BatchID         uint64      `json:"batch_id" badgerholdIndex:"BatchID"`
	ConsultoraCode  string      `json:"consultora_code" badgerholdIndex:"ConsultoraCode"`
	ConsultoraName  string      `json:"consultora_name,omitempty"`
	Status          OrderStatus `json:"status" badgerholdIndex:"Status"`
	CurrentStep     string      `json:"current_step,omitempty"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	TaskID          string      `json:"task_id,omitempty"`
	WorkerID        string      `json:"worker_id,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	ErrorStep       string      `json:"error_step,omitempty"`
	ScreenshotPath  string      `json:"screenshot_path,omitempty"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// RetryBudgetExhausted reports whether the automatic retry budget is spent.
func (o *Order) RetryBudgetExhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

// ManualRetryAllowed reports whether an operator may still retry this order.
// Manual retries may exceed the automatic budget by a bounded amount.
func (o *Order) ManualRetryAllowed() bool {
	return o.RetryCount < o.MaxRetries+ManualRetrySlack
}

// ProductStatus represents the per-line outcome of an order product
type ProductStatus string

const (
	ProductStatusPending  ProductStatus = "pending"
	ProductStatusAdded    ProductStatus = "added"
	ProductStatusFailed   ProductStatus = "failed"
	ProductStatusNotFound ProductStatus = "not_found"
)

// OrderProduct is one line of an order. Created with the order; mutated only
// by the order task after the browser driver returns.
type OrderProduct struct {
	ID           uint64        `json:"id" badgerhold:"key"`
	OrderID      uint64        `json:"order_id" badgerholdIndex:"OrderID"`
	ProductCode  string        `json:"product_code"`
	Quantity     int           `json:"quantity"`
	Status       ProductStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	AddedAt      *time.Time    `json:"added_at,omitempty"`
}

// OrderPatch is the field patch applied atomically by TransitionOrder.
// Nil pointers leave the corresponding field untouched.
type OrderPatch struct {
	CurrentStep     *string
	ErrorMessage    *string
	ErrorStep       *string
	ScreenshotPath  *string
	WorkerID        *string
	TaskID          *string
	DurationSeconds *float64
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// StrPtr is a convenience for building OrderPatch literals.
func StrPtr(s string) *string { return &s }

// F64Ptr is a convenience for building OrderPatch literals.
func F64Ptr(f float64) *float64 { return &f }

// TimePtr is a convenience for building OrderPatch literals.
func TimePtr(t time.Time) *time.Time { return &t }
