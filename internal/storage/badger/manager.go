package badger

import (
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	batch    interfaces.BatchStorage
	order    interfaces.OrderStorage
	orderLog interfaces.OrderLogStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		batch:    NewBatchStorage(db, logger),
		order:    NewOrderStorage(db, logger),
		orderLog: NewOrderLogStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// OrderStorage returns the Order storage interface
func (m *Manager) OrderStorage() interfaces.OrderStorage {
	return m.order
}

// OrderLogStorage returns the OrderLog storage interface
func (m *Manager) OrderLogStorage() interfaces.OrderLogStorage {
	return m.orderLog
}

// DB exposes the underlying badger database. The queue shares the same
// database handle so batch creation and enqueue survive restarts together.
func (m *Manager) DB() *badgerdb.DB {
	return m.db.Store().Badger()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
