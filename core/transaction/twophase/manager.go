// Package twophase implements prepared transactions: the fixed-capacity
// global transaction table, the serialized state records that make a
// prepared transaction finishable after a crash, the commit/abort finish
// protocol, and startup recovery.
package twophase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/clog"
	"github.com/kyodb/kyodb/core/dtx"
	"github.com/kyodb/kyodb/core/invalidation"
	"github.com/kyodb/kyodb/core/storage_engine/lifecycle"
	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/transaction"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Deps wires the manager to the subsystems the prepare/finish/recovery
// protocols touch.
type Deps struct {
	Logger   *zap.Logger
	WAL      *wal.Manager
	Clog     *clog.Log
	Smgr     *smgr.Manager
	Table    *Table
	Registry *transaction.ProcRegistry
	RMs      *RMRegistry
	Inval    invalidation.Sink
	SyncRep  SyncRepWaiter
	Metrics  *Metrics
}

// Manager drives the two-phase commit protocol for this node.
type Manager struct {
	logger   *zap.Logger
	wal      *wal.Manager
	clog     *clog.Log
	smgr     *smgr.Manager
	table    *Table
	registry *transaction.ProcRegistry
	rms      *RMRegistry
	inval    invalidation.Sink
	syncRep  SyncRepWaiter
	metrics  *Metrics

	// prescanned carries prepared transactions from Prescan to RecoverAll
	// during startup.
	prescanned []*prescannedXact
}

func NewManager(deps Deps) *Manager {
	if deps.SyncRep == nil {
		deps.SyncRep = NoSyncRep{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	return &Manager{
		logger:   deps.Logger,
		wal:      deps.WAL,
		clog:     deps.Clog,
		smgr:     deps.Smgr,
		table:    deps.Table,
		registry: deps.Registry,
		rms:      deps.RMs,
		inval:    deps.Inval,
		syncRep:  deps.SyncRep,
		metrics:  deps.Metrics,
	}
}

// Table exposes the global transaction table, for diagnostics and
// visibility checks.
func (m *Manager) Table() *Table { return m.table }

// Prepare runs the prepare protocol for tx under the given gid: reserve a
// table slot, serialize the complete transaction state, write and flush the
// PREPARE record, then mark the entry valid. After a successful return the
// transaction can only be resolved by FinishPrepared — the session's own
// ledger and queues have been handed over to the state record.
//
// A crash after the flush but before the return simply leaves a durable
// PREPARE record for recovery to rebuild; a failure before the flush
// releases the slot and leaves no trace.
func (m *Manager) Prepare(ctx context.Context, backend uuid.UUID, tx *transaction.Transaction,
	gid string, storage *lifecycle.Manager, queue *invalidation.Queue) (*GlobalTransaction, error) {

	if err := dtx.ValidateGID(gid); err != nil {
		return nil, err
	}

	preparedAt := time.Now()
	g, err := m.table.Reserve(gid, tx.Xid, tx.Owner, tx.Database, preparedAt, backend)
	if err != nil {
		return nil, err
	}

	st := &State{
		Xid:        tx.Xid,
		Database:   tx.Database,
		Owner:      tx.Owner,
		PreparedAt: preparedAt,
		GID:        gid,
		SubXids:    tx.CommittedSubXids(),
	}
	if storage != nil {
		st.CommitDeletes = storage.PendingFor2PC(1, true)
		st.AbortDeletes = storage.PendingFor2PC(1, false)
	}
	if queue != nil {
		st.InvalMsgs = queue.Messages()
		st.InitFileInval = queue.InitFileInval()
	}
	for _, rm := range m.rms.All() {
		for _, rec := range rm.AtPrepare(tx.Xid) {
			st.RMRecords = append(st.RMRecords, StateRMRecord{
				RMID:    rm.ID(),
				Info:    rec.Info,
				Payload: rec.Payload,
			})
		}
	}

	payload, err := EncodeState(st)
	if err != nil {
		m.table.Release(g)
		return nil, err
	}

	begin, end, err := m.wal.Append(&wal.Record{
		Type:    wal.RecordPrepare,
		Xid:     tx.Xid,
		Payload: payload,
	})
	if err != nil {
		m.table.Release(g)
		return nil, fmt.Errorf("failed to log prepare of %q: %w", gid, err)
	}
	m.table.SetPrepareLSN(g, begin, end)

	if err := m.wal.Flush(end); err != nil {
		// The record is already buffered and may yet reach disk; failing
		// softly could leave a prepared transaction the client was told
		// does not exist. Recovery sorts it out on the next start.
		m.logger.Error("failed to flush prepare record", zap.String("gid", gid), zap.Error(err))
		panic(fmt.Sprintf("twophase: cannot flush prepare record for %q: %v", gid, err))
	}

	m.table.Finalize(g, st.SubXids)

	// The session forgets its pending deletes and queued invalidations;
	// the state record owns them now. Locks stay held under the xid until
	// the decision arrives.
	if storage != nil {
		storage.Forget()
	}
	if queue != nil {
		queue.Reset()
	}

	m.metrics.PreparedInc(ctx)
	m.logger.Info("transaction prepared",
		zap.String("gid", gid),
		zap.Uint64("xid", tx.Xid),
		zap.Uint64("lsn", uint64(begin)),
		zap.Int("state_bytes", len(payload)))

	if err := m.syncRep.WaitForCommit(ctx, end); err != nil {
		m.logger.Warn("gave up waiting for standby acknowledgement of prepare",
			zap.String("gid", gid), zap.Error(err))
	}

	m.table.ClearLockingBackend(g)
	return g, nil
}
