package collab

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/scenesync/internal/models"
)

var bucketPending = []byte("pending_operations")

// ErrQueueFull is returned when the offline queue hits its configured cap;
// the operation is dropped to bound memory.
var ErrQueueFull = fmt.Errorf("offline queue full")

// offlineQueue buffers operations generated while disconnected, in generation
// order. An optional bbolt journal writes the queue through to disk so a
// client that crashes while offline still flushes on the next start.
// Loop-confined; no internal locking.
type offlineQueue struct {
	ops     []*models.Operation
	max     int
	journal *bolt.DB
	logger  *slog.Logger
}

// newOfflineQueue creates a queue capped at max entries. journalPath may be
// empty to keep the queue purely in memory; otherwise previously journaled
// operations are loaded back in order.
func newOfflineQueue(max int, journalPath string, logger *slog.Logger) (*offlineQueue, error) {
	q := &offlineQueue{max: max, logger: logger}
	if journalPath == "" {
		return q, nil
	}

	if dir := filepath.Dir(journalPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := bolt.Open(journalPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline journal: %w", err)
	}
	q.journal = db

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var op models.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("corrupt journal entry: %w", err)
			}
			q.ops = append(q.ops, &op)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load offline journal: %w", err)
	}
	if len(q.ops) > 0 {
		logger.Info("recovered journaled operations", "count", len(q.ops))
	}
	return q, nil
}

// Append adds an operation to the tail. Returns ErrQueueFull at the cap.
func (q *offlineQueue) Append(op *models.Operation) error {
	if len(q.ops) >= q.max {
		return ErrQueueFull
	}
	q.ops = append(q.ops, op)
	if q.journal != nil {
		err := q.journal.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketPending)
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(op.ID))
			data, err := json.Marshal(op)
			if err != nil {
				return err
			}
			return b.Put(key, data)
		})
		if err != nil {
			q.logger.Warn("journal write failed", "error", err, "operation_id", op.ID)
		}
	}
	return nil
}

// Drain returns all queued operations in insertion order and empties the
// queue and its journal. Each operation is returned exactly once.
func (q *offlineQueue) Drain() []*models.Operation {
	ops := q.ops
	q.ops = nil
	if q.journal != nil && len(ops) > 0 {
		err := q.journal.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(bucketPending); err != nil {
				return err
			}
			_, err := tx.CreateBucket(bucketPending)
			return err
		})
		if err != nil {
			q.logger.Warn("journal clear failed", "error", err)
		}
	}
	return ops
}

// Len returns the number of buffered operations.
func (q *offlineQueue) Len() int { return len(q.ops) }

// Close releases the journal file.
func (q *offlineQueue) Close() error {
	if q.journal == nil {
		return nil
	}
	return q.journal.Close()
}
