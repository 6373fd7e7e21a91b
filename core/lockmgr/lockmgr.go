// Package lockmgr provides the relation lock manager and the
// resource-manager callbacks that persist and restore lock state across a
// two-phase prepare.
package lockmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrLockHeld = errors.New("lockmgr: resource is locked by another transaction")

// Tag identifies one lockable resource.
type Tag struct {
	Database uint64
	Relation uint64
}

const encodedTagSize = 16

func encodeTag(tag Tag) []byte {
	buf := make([]byte, encodedTagSize)
	binary.LittleEndian.PutUint64(buf, tag.Database)
	binary.LittleEndian.PutUint64(buf[8:], tag.Relation)
	return buf
}

func decodeTag(data []byte) (Tag, error) {
	if len(data) < encodedTagSize {
		return Tag{}, fmt.Errorf("lock tag truncated: %d bytes", len(data))
	}
	return Tag{
		Database: binary.LittleEndian.Uint64(data),
		Relation: binary.LittleEndian.Uint64(data[8:]),
	}, nil
}

// Manager is an exclusive per-resource lock table keyed by holder xid.
type Manager struct {
	mu     sync.Mutex
	locks  map[Tag]uint64   // resource -> holder xid
	held   map[uint64][]Tag // holder xid -> resources, acquisition order
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		locks:  make(map[Tag]uint64),
		held:   make(map[uint64][]Tag),
		logger: logger,
	}
}

// Acquire takes an exclusive lock on tag for xid. Re-acquisition by the
// same xid is a no-op.
func (m *Manager) Acquire(xid uint64, tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.locks[tag]; ok {
		if holder == xid {
			return nil
		}
		return fmt.Errorf("%w: %+v held by xid %d", ErrLockHeld, tag, holder)
	}
	m.locks[tag] = xid
	m.held[xid] = append(m.held[xid], tag)
	return nil
}

// Release drops one lock held by xid; unknown locks are ignored.
func (m *Manager) Release(xid uint64, tag Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(xid, tag)
}

func (m *Manager) releaseLocked(xid uint64, tag Tag) {
	if m.locks[tag] != xid {
		return
	}
	delete(m.locks, tag)
	tags := m.held[xid]
	for i, t := range tags {
		if t == tag {
			m.held[xid] = append(tags[:i], tags[i+1:]...)
			break
		}
	}
	if len(m.held[xid]) == 0 {
		delete(m.held, xid)
	}
}

// ReleaseAll drops every lock held by xid.
func (m *Manager) ReleaseAll(xid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range append([]Tag(nil), m.held[xid]...) {
		m.releaseLocked(xid, tag)
	}
}

// HeldBy returns the resources xid currently holds.
func (m *Manager) HeldBy(xid uint64) []Tag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Tag(nil), m.held[xid]...)
}

// Holder returns the xid holding tag, or false when unlocked.
func (m *Manager) Holder(tag Tag) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.locks[tag]
	return holder, ok
}
