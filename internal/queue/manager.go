package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
)

// Lanes scanned by Depth and recovered on restart.
var knownLanes = []string{models.LaneOrders, models.LaneBatches, models.LaneDefault}

// storedMessage is the envelope persisted in badger around a queue message.
type storedMessage struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
	MaxReceive   int                 `json:"max_receive"`
}

// Manager implements a persistent multi-lane queue on BadgerDB.
//
// Each lane keeps message data at queue:{lane}:msg:{id} and a visibility
// index at queue:{lane}:index:{20-digit-unix-nano}:{id}. The index key sorts
// lexicographically by visibility time, so Receive only scans until the first
// future entry. Delivery is at-least-once: a received message stays in the
// lane with a pushed-out VisibleAt until the ack function deletes it.
type Manager struct {
	db                *badgerdb.DB
	logger            arbor.ILogger
	visibilityTimeout time.Duration
	maxReceive        int
	revoked           sync.Map // taskID -> struct{}, cooperative termination flags
}

// NewManager creates a queue manager over a shared badger database.
func NewManager(db *badgerdb.DB, config *common.QueueConfig, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db is required")
	}

	maxReceive := config.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 2
	}

	return &Manager{
		db:                db,
		logger:            logger,
		visibilityTimeout: config.VisibilityTimeoutDuration(),
		maxReceive:        maxReceive,
	}, nil
}

func (m *Manager) Enqueue(ctx context.Context, lane string, msg *models.QueueMessage, opts *interfaces.EnqueueOptions) (string, error) {
	if lane == "" {
		return "", fmt.Errorf("lane is required")
	}
	if msg.TaskID == "" {
		msg.TaskID = common.NewTaskID()
	}

	now := time.Now()
	stored := storedMessage{
		ID:         msg.TaskID,
		Body:       *msg,
		EnqueuedAt: now,
		VisibleAt:  now,
		MaxReceive: m.maxReceive,
	}
	if opts != nil {
		if opts.Delay > 0 {
			stored.VisibleAt = now.Add(opts.Delay)
		}
		if opts.MaxReceive > 0 {
			stored.MaxReceive = opts.MaxReceive
		}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(msgKey(lane, stored.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(lane, stored.VisibleAt, stored.ID), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Debug().
		Str("lane", lane).
		Str("task_id", stored.ID).
		Str("type", msg.Type).
		Msg("Message enqueued")

	return stored.ID, nil
}

func (m *Manager) Receive(ctx context.Context, lane string) (*models.QueueMessage, func() error, error) {
	var claimed storedMessage

	err := m.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(lane)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := parseIndexKey(lane, key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by visibility time; everything past this
				// point is still hidden.
				break
			}

			item, err := txn.Get(msgKey(lane, id))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					// Orphaned index entry, clean it up.
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var stored storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}

			if stored.ReceiveCount >= stored.MaxReceive {
				// Receive budget spent: dead-letter so the redelivery loop
				// cannot spin on a poison message.
				if err := m.deadLetter(txn, lane, key, &stored); err != nil {
					return err
				}
				continue
			}

			stored.ReceiveCount++
			stored.VisibleAt = now.Add(m.visibilityTimeout)

			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(lane, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(indexKey(lane, stored.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = stored
			return nil
		}

		return models.ErrNoMessage
	})
	if err != nil {
		return nil, nil, err
	}

	taskID := claimed.ID
	ack := func() error {
		m.revoked.Delete(taskID)
		return m.deleteMessage(lane, taskID)
	}

	return &claimed.Body, ack, nil
}

func (m *Manager) Extend(ctx context.Context, lane string, taskID string, d time.Duration) error {
	return m.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(msgKey(lane, taskID))
		if err != nil {
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		oldVisibleAt := stored.VisibleAt
		stored.VisibleAt = time.Now().Add(d)

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(lane, taskID), data); err != nil {
			return err
		}
		if err := txn.Delete(indexKey(lane, oldVisibleAt, taskID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(indexKey(lane, stored.VisibleAt, taskID), []byte{})
	})
}

// Revoke is best-effort. A message that no worker has picked up yet
// (receive count zero, including delayed retries) is removed outright.
// An in-flight message cannot be pulled back; with terminate=true the task
// is flagged so its next cooperative checkpoint abandons the work.
func (m *Manager) Revoke(ctx context.Context, lane string, taskID string, terminate bool) error {
	removed := false

	err := m.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(msgKey(lane, taskID))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if stored.ReceiveCount > 0 {
			// Already claimed by a worker; leave it to the terminate flag.
			return nil
		}

		if err := txn.Delete(indexKey(lane, stored.VisibleAt, taskID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(msgKey(lane, taskID)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke task %s: %w", taskID, err)
	}

	if !removed && terminate {
		m.revoked.Store(taskID, struct{}{})
	}

	m.logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Bool("removed", removed).
		Bool("terminate", terminate).
		Msg("Task revoked")

	return nil
}

func (m *Manager) Revoked(taskID string) bool {
	_, ok := m.revoked.Load(taskID)
	return ok
}

func (m *Manager) Depth(ctx context.Context) (map[string]int, error) {
	depth := make(map[string]int, len(knownLanes))

	err := m.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, lane := range knownLanes {
			prefix := []byte(fmt.Sprintf("queue:%s:msg:", lane))
			n := 0
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				n++
			}
			depth[lane] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue depth: %w", err)
	}
	return depth, nil
}

// Close is a no-op; the badger database is owned by the storage manager.
func (m *Manager) Close() error {
	return nil
}

func (m *Manager) deleteMessage(lane, taskID string) error {
	return m.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(msgKey(lane, taskID))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return nil // Already gone
			}
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete(indexKey(lane, stored.VisibleAt, taskID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Delete(msgKey(lane, taskID))
	})
}

func (m *Manager) deadLetter(txn *badgerdb.Txn, lane string, idxKey []byte, stored *storedMessage) error {
	m.logger.Warn().
		Str("lane", lane).
		Str("task_id", stored.ID).
		Str("type", stored.Body.Type).
		Int("receive_count", stored.ReceiveCount).
		Msg("Message exceeded receive budget, moving to dead-letter")

	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := txn.Set(deadKey(lane, stored.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(idxKey); err != nil {
		return err
	}
	return txn.Delete(msgKey(lane, stored.ID))
}

// Key helpers

func msgKey(lane, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", lane, id))
}

func deadKey(lane, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", lane, id))
}

func indexPrefix(lane string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", lane))
}

func indexKey(lane string, visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string ordering matches numeric ordering.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", lane, visibleAt.UnixNano(), id))
}

func parseIndexKey(lane string, key []byte) (time.Time, string, error) {
	prefix := indexPrefix(lane)
	if len(key) < len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}

	suffix := string(key[len(prefix):])
	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), id, nil
}
