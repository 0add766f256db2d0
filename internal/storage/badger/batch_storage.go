package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BatchStorage implements the BatchStorage interface for Badger
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  *lockStripes
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
		locks:  &lockStripes{},
	}
}

func (s *BatchStorage) CreateBatch(ctx context.Context, name, description, sourceFile string, orders []interfaces.NewOrder) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("batch name is required")
	}
	if len(orders) == 0 {
		return 0, fmt.Errorf("batch must contain at least one order")
	}

	now := time.Now()
	batch := &models.Batch{
		Name:        name,
		Description: description,
		Status:      models.BatchStatusPending,
		TotalOrders: len(orders),
		SourceFile:  sourceFile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Single badger transaction so a half-written batch never becomes visible.
	err := s.db.Store().Badger().Update(func(tx *badgerdb.Txn) error {
		if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), batch); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		for _, in := range orders {
			order := &models.Order{
				BatchID:        batch.ID,
				ConsultoraCode: in.ConsultoraCode,
				ConsultoraName: in.ConsultoraName,
				Status:         models.OrderStatusPending,
				MaxRetries:     models.DefaultMaxRetries,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), order); err != nil {
				return fmt.Errorf("failed to insert order for consultora %s: %w", in.ConsultoraCode, err)
			}

			for _, p := range in.Products {
				product := &models.OrderProduct{
					OrderID:     order.ID,
					ProductCode: p.ProductCode,
					Quantity:    p.Quantity,
					Status:      models.ProductStatusPending,
				}
				if err := s.db.Store().TxInsert(tx, badgerhold.NextSequence(), product); err != nil {
					return fmt.Errorf("failed to insert product %s: %w", p.ProductCode, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Int64("batch_id", int64(batch.ID)).
		Int("orders", len(orders)).
		Str("name", name).
		Msg("Batch created")

	return batch.ID, nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id uint64) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch not found: %d", id)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	var batches []models.Batch
	if err := s.db.Store().Find(&batches, badgerhold.Where("ID").Gt(uint64(0)).SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

func (s *BatchStorage) UpdateBatchStatus(ctx context.Context, id uint64, status models.BatchStatus) error {
	_, err := s.TransitionBatch(ctx, id, nil, status)
	return err
}

// TransitionBatch moves the batch to the target status only when its current
// status is in the from set. An empty from set makes the move unconditional.
// The dispatch task uses this so a batch paused or cancelled between enqueue
// and pickup is never flipped back to running.
func (s *BatchStorage) TransitionBatch(ctx context.Context, id uint64, from []models.BatchStatus, to models.BatchStatus) (bool, error) {
	mu := s.locks.lock(id)
	mu.Lock()
	defer mu.Unlock()

	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, fmt.Errorf("batch not found: %d", id)
		}
		return false, err
	}

	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if batch.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	now := time.Now()
	batch.Status = to
	batch.UpdatedAt = now

	if to == models.BatchStatusRunning && batch.StartedAt == nil {
		batch.StartedAt = &now
	}
	if to.IsTerminal() {
		if batch.FinishedAt == nil {
			batch.FinishedAt = &now
		}
	} else {
		batch.FinishedAt = nil
	}

	if err := s.db.Store().Update(id, &batch); err != nil {
		return false, fmt.Errorf("failed to update batch status: %w", err)
	}
	return true, nil
}

// RecomputeBatchCounters recounts child orders and, when every child has
// reached a terminal status and the batch is still running, finalizes the
// batch. Serialized per batch: two workers completing the last two orders
// concurrently must not both observe a non-final count.
func (s *BatchStorage) RecomputeBatchCounters(ctx context.Context, id uint64) (*models.Batch, error) {
	mu := s.locks.lock(id)
	mu.Lock()
	defer mu.Unlock()

	var batch models.Batch
	if err := s.db.Store().Get(id, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch not found: %d", id)
		}
		return nil, err
	}

	var orders []models.Order
	if err := s.db.Store().Find(&orders, badgerhold.Where("BatchID").Eq(id)); err != nil {
		return nil, fmt.Errorf("failed to load batch orders: %w", err)
	}

	completed, failed, cancelled := 0, 0, 0
	for _, o := range orders {
		switch o.Status {
		case models.OrderStatusCompleted:
			completed++
		case models.OrderStatusFailed:
			failed++
		case models.OrderStatusCancelled:
			cancelled++
		}
	}

	now := time.Now()
	batch.CompletedOrders = completed
	batch.FailedOrders = failed
	batch.UpdatedAt = now

	allTerminal := completed+failed+cancelled == len(orders) && len(orders) > 0

	// Only a running batch auto-finalizes. Paused and cancelled batches keep
	// their operator-set status; the counters still reflect reality.
	if allTerminal && batch.Status == models.BatchStatusRunning {
		if failed > 0 {
			batch.Status = models.BatchStatusFailed
		} else {
			batch.Status = models.BatchStatusCompleted
		}
		batch.FinishedAt = &now
	}

	if err := s.db.Store().Update(id, &batch); err != nil {
		return nil, fmt.Errorf("failed to update batch counters: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) BatchStats(ctx context.Context, id uint64) (*models.BatchStats, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	var orders []models.Order
	if err := s.db.Store().Find(&orders, badgerhold.Where("BatchID").Eq(id)); err != nil {
		return nil, fmt.Errorf("failed to load batch orders: %w", err)
	}

	statusCounts := make(map[string]int)
	terminal := 0
	var durationSum float64
	durationN := 0
	for _, o := range orders {
		statusCounts[string(o.Status)]++
		if !o.Status.IsTerminal() {
			continue
		}
		terminal++
		// Failed attempts spent wall-clock time too; the ETA is honest only
		// when the mean covers every terminal order with a recorded duration.
		if o.DurationSeconds > 0 {
			durationSum += o.DurationSeconds
			durationN++
		}
	}

	stats := &models.BatchStats{
		BatchID:      id,
		Status:       batch.Status,
		TotalOrders:  batch.TotalOrders,
		StatusCounts: statusCounts,
	}
	if batch.TotalOrders > 0 {
		stats.ProgressPercent = float64(terminal) / float64(batch.TotalOrders) * 100
	}
	if durationN > 0 {
		stats.MeanDurationSeconds = durationSum / float64(durationN)
		stats.ETASeconds = float64(len(orders)-terminal) * stats.MeanDurationSeconds
	}
	return stats, nil
}

func (s *BatchStorage) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	var batches []models.Batch
	if err := s.db.Store().Find(&batches, nil); err != nil {
		return nil, fmt.Errorf("failed to load batches: %w", err)
	}

	active := 0
	for _, b := range batches {
		if b.Status == models.BatchStatusRunning || b.Status == models.BatchStatusPaused {
			active++
		}
	}

	orderCount, err := s.db.Store().Count(&models.Order{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	orderStatus := make(map[string]int)
	for _, status := range []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusQueued,
		models.OrderStatusInProgress,
		models.OrderStatusRetrying,
		models.OrderStatusCompleted,
		models.OrderStatusFailed,
		models.OrderStatusCancelled,
	} {
		n, err := s.db.Store().Count(&models.Order{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return nil, fmt.Errorf("failed to count orders by status: %w", err)
		}
		if n > 0 {
			orderStatus[string(status)] = int(n)
		}
	}

	return &models.SystemStats{
		TotalBatches:  len(batches),
		ActiveBatches: active,
		TotalOrders:   int(orderCount),
		OrderStatus:   orderStatus,
		QueueDepth:    make(map[string]int),
	}, nil
}
