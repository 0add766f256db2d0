package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/despacho/internal/models"
)

// NewOrder is the per-order input to CreateBatch.
type NewOrder struct {
	ConsultoraCode string
	ConsultoraName string
	Products       []models.ProductRef
}

// OrderFilter narrows order queries.
type OrderFilter struct {
	Status models.OrderStatus // empty = all
	Limit  int
	Offset int
}

// BatchStorage - batch persistence and batch-level bookkeeping
type BatchStorage interface {
	// CreateBatch atomically inserts the batch, its orders and their product
	// rows, and sets TotalOrders. Returns the assigned batch ID.
	CreateBatch(ctx context.Context, name, description, sourceFile string, orders []NewOrder) (uint64, error)
	GetBatch(ctx context.Context, id uint64) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	UpdateBatchStatus(ctx context.Context, id uint64, status models.BatchStatus) error

	// TransitionBatch moves the batch to the target status only when its
	// current status is in the from set (empty set = unconditional). Returns
	// false when the precondition did not hold.
	TransitionBatch(ctx context.Context, id uint64, from []models.BatchStatus, to models.BatchStatus) (bool, error)

	// RecomputeBatchCounters recounts completed/failed orders and finalizes
	// Status/FinishedAt iff all children are terminal. Idempotent; serialized
	// per batch to prevent lost updates under concurrent completion.
	RecomputeBatchCounters(ctx context.Context, id uint64) (*models.Batch, error)

	BatchStats(ctx context.Context, id uint64) (*models.BatchStats, error)
	SystemStats(ctx context.Context) (*models.SystemStats, error)
}

// OrderStorage - order persistence and the conditional transition primitive
type OrderStorage interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	GetBatchOrders(ctx context.Context, batchID uint64, filter *OrderFilter) ([]*models.Order, error)
	GetOrderProducts(ctx context.Context, orderID uint64) ([]*models.OrderProduct, error)
	UpdateOrderProduct(ctx context.Context, product *models.OrderProduct) error

	// TransitionOrder applies patch and moves the order to the target status
	// only if its current status is in from. Returns false when the
	// precondition failed. This is the linearization point for order ownership.
	TransitionOrder(ctx context.Context, id uint64, from []models.OrderStatus, to models.OrderStatus, patch *models.OrderPatch) (bool, error)

	// BumpRetry atomically increments RetryCount and clears the error fields.
	BumpRetry(ctx context.Context, id uint64) error

	// ListStaleInProgress returns in_progress orders not touched since the
	// cutoff; these are the orphans of lost workers.
	ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
}

// OrderLogStorage - append-only audit rows, indexed by order id
type OrderLogStorage interface {
	AppendLog(ctx context.Context, orderID uint64, entry *models.StepLogEntry) error
	GetOrderLogs(ctx context.Context, orderID uint64) ([]*models.OrderLog, error)
	CountOrderLogs(ctx context.Context, orderID uint64) (int, error)
}

// StorageManager aggregates the storage interfaces over one database handle
type StorageManager interface {
	BatchStorage() BatchStorage
	OrderStorage() OrderStorage
	OrderLogStorage() OrderLogStorage
	Close() error
}
