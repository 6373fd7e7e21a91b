package twophase

import (
	"fmt"
	"sort"

	"github.com/kyodb/kyodb/core/lockmgr"
)

// ResourceManager is a subsystem that owns per-transaction state which must
// survive a prepare: it contributes records to the state payload, rebuilds
// its state from them during recovery, and cleans up when the decision
// lands. Id zero is reserved as the record-stream terminator.
type ResourceManager interface {
	ID() uint8
	AtPrepare(xid uint64) []lockmgr.RMRecord
	Recover(xid uint64, info uint16, payload []byte) error
	PostCommit(xid uint64, info uint16, payload []byte)
	PostAbort(xid uint64, info uint16, payload []byte)
}

// RMRegistry maps resource-manager ids to their implementations.
type RMRegistry struct {
	byID map[uint8]ResourceManager
}

func NewRMRegistry() *RMRegistry {
	return &RMRegistry{byID: make(map[uint8]ResourceManager)}
}

// Register adds a resource manager. Ids must be unique and nonzero.
func (r *RMRegistry) Register(rm ResourceManager) error {
	id := rm.ID()
	if id == 0 {
		return fmt.Errorf("twophase: resource manager id 0 is reserved")
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("twophase: resource manager id %d registered twice", id)
	}
	r.byID[id] = rm
	return nil
}

// Lookup returns the resource manager with the given id, or nil.
func (r *RMRegistry) Lookup(id uint8) ResourceManager { return r.byID[id] }

// All returns the registered managers in id order, so state records are
// assembled deterministically.
func (r *RMRegistry) All() []ResourceManager {
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]ResourceManager, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[uint8(id)])
	}
	return out
}
