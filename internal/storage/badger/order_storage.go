package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// OrderStorage implements the OrderStorage interface for Badger
type OrderStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  *lockStripes
}

// NewOrderStorage creates a new OrderStorage instance
func NewOrderStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OrderStorage {
	return &OrderStorage{
		db:     db,
		logger: logger,
		locks:  &lockStripes{},
	}
}

func (s *OrderStorage) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	var order models.Order
	if err := s.db.Store().Get(id, &order); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("order not found: %d", id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (s *OrderStorage) GetBatchOrders(ctx context.Context, batchID uint64, filter *interfaces.OrderFilter) ([]*models.Order, error) {
	query := badgerhold.Where("BatchID").Eq(batchID)

	if filter != nil {
		if filter.Status != "" {
			query = query.And("Status").Eq(filter.Status)
		}
		if filter.Offset > 0 {
			query = query.Skip(filter.Offset)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}
	query = query.SortBy("ID")

	var orders []models.Order
	if err := s.db.Store().Find(&orders, query); err != nil {
		return nil, fmt.Errorf("failed to get batch orders: %w", err)
	}

	result := make([]*models.Order, len(orders))
	for i := range orders {
		result[i] = &orders[i]
	}
	return result, nil
}

func (s *OrderStorage) GetOrderProducts(ctx context.Context, orderID uint64) ([]*models.OrderProduct, error) {
	var products []models.OrderProduct
	if err := s.db.Store().Find(&products, badgerhold.Where("OrderID").Eq(orderID).SortBy("ID")); err != nil {
		return nil, fmt.Errorf("failed to get order products: %w", err)
	}

	result := make([]*models.OrderProduct, len(products))
	for i := range products {
		result[i] = &products[i]
	}
	return result, nil
}

func (s *OrderStorage) UpdateOrderProduct(ctx context.Context, product *models.OrderProduct) error {
	if product.ID == 0 {
		return fmt.Errorf("product ID is required")
	}
	if err := s.db.Store().Update(product.ID, product); err != nil {
		return fmt.Errorf("failed to update order product: %w", err)
	}
	return nil
}

// TransitionOrder is the ownership primitive of the whole pipeline. Every
// status move goes through here; the from-set check under the stripe lock is
// what keeps a revoked or duplicate task from stomping on a live worker.
func (s *OrderStorage) TransitionOrder(ctx context.Context, id uint64, from []models.OrderStatus, to models.OrderStatus, patch *models.OrderPatch) (bool, error) {
	mu := s.locks.lock(id)
	mu.Lock()
	defer mu.Unlock()

	var order models.Order
	if err := s.db.Store().Get(id, &order); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, fmt.Errorf("order not found: %d", id)
		}
		return false, err
	}

	allowed := len(from) == 0
	for _, f := range from {
		if order.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		s.logger.Debug().
			Int64("order_id", int64(id)).
			Str("current", string(order.Status)).
			Str("target", string(to)).
			Msg("Order transition precondition failed")
		return false, nil
	}

	order.Status = to
	order.UpdatedAt = time.Now()
	applyPatch(&order, patch)

	if err := s.db.Store().Update(id, &order); err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	return true, nil
}

func (s *OrderStorage) BumpRetry(ctx context.Context, id uint64) error {
	mu := s.locks.lock(id)
	mu.Lock()
	defer mu.Unlock()

	var order models.Order
	if err := s.db.Store().Get(id, &order); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("order not found: %d", id)
		}
		return err
	}

	order.RetryCount++
	order.ErrorMessage = ""
	order.ErrorStep = ""
	order.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &order); err != nil {
		return fmt.Errorf("failed to bump retry count: %w", err)
	}
	return nil
}

func (s *OrderStorage) ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	var orders []models.Order
	query := badgerhold.Where("Status").Eq(models.OrderStatusInProgress).And("UpdatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&orders, query); err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}

	result := make([]*models.Order, len(orders))
	for i := range orders {
		result[i] = &orders[i]
	}
	return result, nil
}

func applyPatch(order *models.Order, patch *models.OrderPatch) {
	if patch == nil {
		return
	}
	if patch.CurrentStep != nil {
		order.CurrentStep = *patch.CurrentStep
	}
	if patch.ErrorMessage != nil {
		order.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStep != nil {
		order.ErrorStep = *patch.ErrorStep
	}
	if patch.ScreenshotPath != nil {
		order.ScreenshotPath = *patch.ScreenshotPath
	}
	if patch.WorkerID != nil {
		order.WorkerID = *patch.WorkerID
	}
	if patch.TaskID != nil {
		order.TaskID = *patch.TaskID
	}
	if patch.DurationSeconds != nil {
		order.DurationSeconds = *patch.DurationSeconds
	}
	if patch.StartedAt != nil {
		order.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		order.FinishedAt = patch.FinishedAt
	}
}
