package transaction

import (
	"sync"

	"github.com/google/uuid"
)

// EntryKind distinguishes live sessions from the shadow entries that stand
// in for prepared transactions. Both kinds participate in the same
// in-progress visibility checks; there is no inheritance, only the tag.
type EntryKind int

const (
	KindSession EntryKind = iota
	KindPreparedShadow
)

// ProcEntry is one registered participant in snapshot visibility. A shadow
// entry is owned exclusively by whichever backend currently holds the
// corresponding prepared transaction's locking right.
type ProcEntry struct {
	ID       uuid.UUID
	Kind     EntryKind
	Xid      uint64
	SubXids  []uint64
	Database uint64
}

// ProcRegistry is the shared registry of sessions and prepared-transaction
// shadows. Snapshot logic treats any registered xid (or subxid) as still in
// progress.
type ProcRegistry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*ProcEntry
}

func NewProcRegistry() *ProcRegistry {
	return &ProcRegistry{entries: make(map[uuid.UUID]*ProcEntry)}
}

// Add registers an entry and returns its id.
func (r *ProcRegistry) Add(entry *ProcEntry) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	r.entries[entry.ID] = entry
	return entry.ID
}

// AddShadow registers a prepared-transaction shadow entry.
func (r *ProcRegistry) AddShadow(xid uint64, subXids []uint64, database uint64) uuid.UUID {
	return r.Add(&ProcEntry{
		Kind:     KindPreparedShadow,
		Xid:      xid,
		SubXids:  append([]uint64(nil), subXids...),
		Database: database,
	})
}

// Remove drops an entry; unknown ids are ignored.
func (r *ProcRegistry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// XidInProgress reports whether xid is registered as a main or sub
// transaction id of any entry.
func (r *ProcRegistry) XidInProgress(xid uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.entries {
		if entry.Xid == xid {
			return true
		}
		for _, sub := range entry.SubXids {
			if sub == xid {
				return true
			}
		}
	}
	return false
}

// Len returns the number of registered entries.
func (r *ProcRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
