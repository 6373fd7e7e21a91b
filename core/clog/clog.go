// Package clog is the transaction status log: the authoritative record of
// which xids committed and which aborted. It is the visibility boundary for
// the finish protocol — a transaction is decided once its status batch is
// written here.
package clog

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Status is the decided state of an xid.
type Status byte

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

var (
	bucketStatus = []byte("status")
	bucketMeta   = []byte("meta")
	keyOldestXid = []byte("oldest_xid")
)

// Log stores per-xid commit/abort status in a bbolt database. A status
// batch (main xid plus all subxids) is written in a single bbolt
// transaction, so it is atomic and durable as a unit.
type Log struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the status log at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction status log %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStatus); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize transaction status log: %w", err)
	}
	return &Log{db: db, logger: logger}, nil
}

func xidKey(xid uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, xid)
	return key
}

func (l *Log) mark(status Status, xid uint64, subXids []uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketStatus)
		if err := bucket.Put(xidKey(xid), []byte{byte(status)}); err != nil {
			return err
		}
		for _, sub := range subXids {
			if err := bucket.Put(xidKey(sub), []byte{byte(status)}); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkCommitted records the commit of xid and all its subtransactions.
func (l *Log) MarkCommitted(xid uint64, subXids ...uint64) error {
	if err := l.mark(StatusCommitted, xid, subXids); err != nil {
		return fmt.Errorf("failed to mark xid %d committed: %w", xid, err)
	}
	return nil
}

// MarkAborted records the abort of xid and all its subtransactions.
func (l *Log) MarkAborted(xid uint64, subXids ...uint64) error {
	if err := l.mark(StatusAborted, xid, subXids); err != nil {
		return fmt.Errorf("failed to mark xid %d aborted: %w", xid, err)
	}
	return nil
}

// Get returns the decided status of xid, or StatusInProgress when no
// decision has been recorded.
func (l *Log) Get(xid uint64) (Status, error) {
	var status Status
	err := l.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketStatus).Get(xidKey(xid))
		if len(value) == 1 {
			status = Status(value[0])
		}
		return nil
	})
	if err != nil {
		return StatusInProgress, fmt.Errorf("failed to read status of xid %d: %w", xid, err)
	}
	return status, nil
}

// IsCommitted reports whether xid has a recorded commit.
func (l *Log) IsCommitted(xid uint64) (bool, error) {
	status, err := l.Get(xid)
	return status == StatusCommitted, err
}

// IsAborted reports whether xid has a recorded abort.
func (l *Log) IsAborted(xid uint64) (bool, error) {
	status, err := l.Get(xid)
	return status == StatusAborted, err
}

// InitLowWaterMark records the oldest potentially in-flight xid computed by
// recovery prescan. Status below this mark may be truncated away.
func (l *Log) InitLowWaterMark(oldestXid uint64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyOldestXid, xidKey(oldestXid))
	})
	if err != nil {
		return fmt.Errorf("failed to store status log low-water-mark: %w", err)
	}
	l.logger.Info("transaction status log initialized", zap.Uint64("oldest_xid", oldestXid))
	return nil
}

// LowWaterMark returns the stored oldest-xid mark, zero when never set.
func (l *Log) LowWaterMark() (uint64, error) {
	var oldest uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketMeta).Get(keyOldestXid)
		if len(value) == 8 {
			oldest = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read status log low-water-mark: %w", err)
	}
	return oldest, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
