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

// OrderLogStorage implements the OrderLogStorage interface for Badger.
// Rows are append-only; nothing in the codebase updates or deletes them.
type OrderLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewOrderLogStorage creates a new OrderLogStorage instance
func NewOrderLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OrderLogStorage {
	return &OrderLogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *OrderLogStorage) AppendLog(ctx context.Context, orderID uint64, entry *models.StepLogEntry) error {
	if orderID == 0 {
		return fmt.Errorf("order ID is required")
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	row := &models.OrderLog{
		OrderID:        orderID,
		Level:          entry.Level,
		Step:           entry.Step,
		Message:        entry.Message,
		Details:        entry.Details,
		ScreenshotPath: entry.ScreenshotPath,
		Timestamp:      ts,
	}

	if err := s.db.Store().Insert(badgerhold.NextSequence(), row); err != nil {
		return fmt.Errorf("failed to append order log: %w", err)
	}
	return nil
}

func (s *OrderLogStorage) GetOrderLogs(ctx context.Context, orderID uint64) ([]*models.OrderLog, error) {
	// Sequence keys are monotonic, so sorting by ID preserves append order
	// even when two entries share a timestamp.
	var logs []models.OrderLog
	if err := s.db.Store().Find(&logs, badgerhold.Where("OrderID").Eq(orderID).SortBy("ID")); err != nil {
		return nil, fmt.Errorf("failed to get order logs: %w", err)
	}

	result := make([]*models.OrderLog, len(logs))
	for i := range logs {
		result[i] = &logs[i]
	}
	return result, nil
}

func (s *OrderLogStorage) CountOrderLogs(ctx context.Context, orderID uint64) (int, error) {
	count, err := s.db.Store().Count(&models.OrderLog{}, badgerhold.Where("OrderID").Eq(orderID))
	if err != nil {
		return 0, fmt.Errorf("failed to count order logs: %w", err)
	}
	return int(count), nil
}
