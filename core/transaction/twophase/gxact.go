package twophase

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/transaction"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// GlobalTransaction is one slot in the global transaction table: an
// in-flight prepared transaction. A slot is either on the free list or in
// the active set, never both.
type GlobalTransaction struct {
	xid        uint64
	gid        string
	owner      uint64
	database   uint64
	preparedAt time.Time

	prepareBeginLSN wal.LSN
	prepareEndLSN   wal.LSN

	// valid flips false->true exactly once, under the table lock, after
	// the PREPARE record is durable. It never reverts except when the
	// slot is being destroyed.
	valid bool

	// lockingBackend identifies the backend that currently owns the
	// exclusive right to prepare or finish this transaction; uuid.Nil
	// means none. Every exit path clears it.
	lockingBackend uuid.UUID

	// shadowID is the proc-registry entry that keeps this xid visible as
	// in-progress to snapshot logic.
	shadowID uuid.UUID
}

func (g *GlobalTransaction) Xid() uint64           { return g.xid }
func (g *GlobalTransaction) GID() string           { return g.gid }
func (g *GlobalTransaction) Owner() uint64         { return g.owner }
func (g *GlobalTransaction) Database() uint64      { return g.database }
func (g *GlobalTransaction) PreparedAt() time.Time { return g.preparedAt }
func (g *GlobalTransaction) PrepareLSN() wal.LSN   { return g.prepareBeginLSN }

// PreparedInfo is one row of the read-only diagnostic view over valid
// prepared transactions.
type PreparedInfo struct {
	Xid        uint64    `json:"xid"`
	GID        string    `json:"gid"`
	PreparedAt time.Time `json:"prepared_at"`
	Owner      uint64    `json:"owner"`
	Database   uint64    `json:"database"`
}

// Table is the fixed-capacity shared table of in-flight prepared
// transactions. All mutation happens under one table-wide lock held only
// for bounded critical sections, never across I/O.
type Table struct {
	mu       sync.RWMutex
	capacity int
	free     []*GlobalTransaction
	active   []*GlobalTransaction

	// Single-entry xid lookup memoization, invalidated on every mutation.
	cachedXid   uint64
	cachedGxact *GlobalTransaction

	registry *transaction.ProcRegistry
	logger   *zap.Logger
}

// NewTable creates a table with the given slot capacity. Capacity zero
// administratively disables prepared transactions.
func NewTable(capacity int, registry *transaction.ProcRegistry, logger *zap.Logger) *Table {
	t := &Table{
		capacity: capacity,
		registry: registry,
		logger:   logger,
	}
	for i := 0; i < capacity; i++ {
		t.free = append(t.free, &GlobalTransaction{})
	}
	return t
}

// Reserve claims a slot for a transaction about to be prepared. The
// reserving backend owns the slot exclusively until it finishes preparing
// (or fails and releases it). The gid must not collide with any active
// entry, valid or not.
func (t *Table) Reserve(gid string, xid, owner, database uint64, preparedAt time.Time, backend uuid.UUID) (*GlobalTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.capacity == 0 {
		return nil, ErrTwoPhaseDisabled
	}
	for _, g := range t.active {
		if g.gid == gid {
			return nil, ErrDuplicateGID
		}
	}
	if len(t.free) == 0 {
		return nil, ErrMaxPreparedExceeded
	}

	g := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	*g = GlobalTransaction{
		xid:            xid,
		gid:            gid,
		owner:          owner,
		database:       database,
		preparedAt:     preparedAt,
		lockingBackend: backend,
	}
	t.active = append(t.active, g)
	t.invalidateCacheLocked()
	return g, nil
}

// SetPrepareLSN records where the PREPARE record landed in the log.
func (t *Table) SetPrepareLSN(g *GlobalTransaction, begin, end wal.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.prepareBeginLSN = begin
	g.prepareEndLSN = end
}

// Finalize marks the slot valid — durably prepared — and publishes its
// shadow proc-registry entry so in-progress checks see the xid.
func (t *Table) Finalize(g *GlobalTransaction, subXids []uint64) {
	t.mu.Lock()
	g.valid = true
	t.invalidateCacheLocked()
	t.mu.Unlock()

	// Registry publication happens outside the table lock; the entry is
	// owned by the reserving backend until it clears lockingBackend.
	g.shadowID = t.registry.AddShadow(g.xid, subXids, g.database)
}

// LockForFinish claims the valid entry with the given gid for finishing.
// Exactly one concurrent claimant wins; the rest observe ErrBusy. The
// caller must finish in the preparing database unless it runs under the
// distributed-execution role, and must be the owner or a superuser.
func (t *Table) LockForFinish(gid string, user, database uint64, superuser, distributedRole bool, backend uuid.UUID) (*GlobalTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, g := range t.active {
		if !g.valid || g.gid != gid {
			continue
		}
		if g.lockingBackend != uuid.Nil {
			return nil, ErrBusy
		}
		if user != g.owner && !superuser {
			return nil, ErrPermissionDenied
		}
		if database != g.database && !distributedRole {
			return nil, ErrWrongDatabase
		}
		g.lockingBackend = backend
		return g, nil
	}
	return nil, ErrNotFound
}

// ClearLockingBackend relinquishes a backend's claim on the entry. Called
// on every exit path, success or failure.
func (t *Table) ClearLockingBackend(g *GlobalTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.lockingBackend = uuid.Nil
}

// Invalidate flips valid off once the transaction's outcome is durably
// decided. After this no crash may resurrect the transaction as prepared.
func (t *Table) Invalidate(g *GlobalTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.valid = false
	t.invalidateCacheLocked()
}

// Release destroys the entry and returns its slot to the free list.
// Precondition: the caller already removed the shadow registry entry.
func (t *Table) Release(g *GlobalTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, candidate := range t.active {
		if candidate == g {
			t.active = append(t.active[:i], t.active[i+1:]...)
			break
		}
	}
	*g = GlobalTransaction{}
	t.free = append(t.free, g)
	t.invalidateCacheLocked()
}

// XidIsPrepared reports whether xid belongs to a valid prepared
// transaction. The last answer is memoized; every table mutation drops it.
func (t *Table) XidIsPrepared(xid uint64) bool {
	t.mu.RLock()
	if t.cachedGxact != nil && t.cachedXid == xid {
		prepared := t.cachedGxact.valid && t.cachedGxact.xid == xid
		t.mu.RUnlock()
		return prepared
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.active {
		if g.valid && g.xid == xid {
			t.cachedXid = xid
			t.cachedGxact = g
			return true
		}
	}
	return false
}

func (t *Table) invalidateCacheLocked() {
	t.cachedXid = 0
	t.cachedGxact = nil
}

// Prepared returns the diagnostic view: one row per valid prepared
// transaction.
func (t *Table) Prepared() []PreparedInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]PreparedInfo, 0, len(t.active))
	for _, g := range t.active {
		if !g.valid {
			continue
		}
		rows = append(rows, PreparedInfo{
			Xid:        g.xid,
			GID:        g.gid,
			PreparedAt: g.preparedAt,
			Owner:      g.owner,
			Database:   g.database,
		})
	}
	return rows
}

// InUse returns the number of occupied slots.
func (t *Table) InUse() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Capacity returns the configured slot count.
func (t *Table) Capacity() int { return t.capacity }
