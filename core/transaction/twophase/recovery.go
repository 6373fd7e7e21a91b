package twophase

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/clog"
	"github.com/kyodb/kyodb/core/transaction"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// prescannedXact is one PREPARE record that survived the prescan filter:
// durable, and not yet decided in the status log.
type prescannedXact struct {
	beginLSN wal.LSN
	endLSN   wal.LSN
	state    *State
}

// Prescan walks the log for PREPARE records before any replay happens. It
// filters out transactions the status log already decided, folds every
// main and subtransaction id into the xid allocator so no id is ever
// reissued, and returns the oldest xid that may still be in flight (the
// status-log truncation horizon). An unreadable state record aborts
// startup: continuing would silently lose a prepared transaction.
func (m *Manager) Prescan(alloc *transaction.XIDAllocator) (uint64, error) {
	m.prescanned = nil
	var oldest uint64
	found := false

	err := m.wal.Scan(func(rec *wal.Record) error {
		if rec.Type != wal.RecordPrepare {
			return nil
		}
		st, err := DecodeState(rec.Payload)
		if err != nil {
			return fmt.Errorf("prepare record at lsn %d is unreadable, cannot start (restore the log from backup): %w",
				rec.LSN, err)
		}

		alloc.AdvancePast(st.Xid)
		for _, sub := range st.SubXids {
			alloc.AdvancePast(sub)
		}

		status, err := m.clog.Get(st.Xid)
		if err != nil {
			return err
		}
		if status != clog.StatusInProgress {
			// Decided before the crash; the finish side effects either
			// happened or are redone by decision-record replay.
			return nil
		}

		if !found || st.Xid < oldest {
			oldest = st.Xid
			found = true
		}
		m.prescanned = append(m.prescanned, &prescannedXact{
			beginLSN: rec.LSN,
			endLSN:   rec.LSN + wal.LSN(rec.SerializedSize()),
			state:    st,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		// Nothing pending: the horizon is whatever xid comes next, after
		// fencing past everything the log mentioned.
		oldest = alloc.Peek()
	}

	m.logger.Info("prepared-transaction prescan complete",
		zap.Int("pending", len(m.prescanned)),
		zap.Uint64("oldest_xid", oldest))
	return oldest, nil
}

// Redo replays one decision record: it finishes the status update and file
// removal that a crash may have cut off between the decision flush and the
// cleanup. Marking an already-marked status and unlinking an already-gone
// file are both harmless, so replaying the whole history is safe. Run
// before Prescan, so transactions decided on the record's evidence are
// filtered out of recovery.
func (m *Manager) Redo(rec *wal.Record) error {
	var commit bool
	switch rec.Type {
	case wal.RecordCommitPrepared:
		commit = true
	case wal.RecordAbortPrepared:
	default:
		return nil
	}

	subXids, deletes, err := decodeDecision(rec.Payload)
	if err != nil {
		return fmt.Errorf("decision record at lsn %d is unreadable, cannot start (restore the log from backup): %w",
			rec.LSN, err)
	}
	if commit {
		err = m.clog.MarkCommitted(rec.Xid, subXids...)
	} else {
		err = m.clog.MarkAborted(rec.Xid, subXids...)
	}
	if err != nil {
		return err
	}
	m.removeFiles("", deletes)
	return nil
}

// RecoverAll rebuilds the global transaction table from the prescanned
// PREPARE records: each pending transaction gets a slot, its shadow
// registry entry with the full subtransaction set, and its resource
// managers replay their continuation records (re-acquiring locks and the
// like). The log records themselves are left untouched; a crash during
// recovery just runs recovery again.
func (m *Manager) RecoverAll() error {
	for _, px := range m.prescanned {
		st := px.state
		g, err := m.table.Reserve(st.GID, st.Xid, st.Owner, st.Database, st.PreparedAt, uuid.Nil)
		if err != nil {
			return fmt.Errorf("cannot recover prepared transaction %q: %w", st.GID, err)
		}
		m.table.SetPrepareLSN(g, px.beginLSN, px.endLSN)

		for _, rec := range st.RMRecords {
			rm := m.rms.Lookup(rec.RMID)
			if rm == nil {
				return fmt.Errorf("%w: prepared transaction %q references unknown resource manager %d",
					ErrCorruptState, st.GID, rec.RMID)
			}
			if err := rm.Recover(st.Xid, rec.Info, rec.Payload); err != nil {
				return fmt.Errorf("resource manager %d failed to recover transaction %q: %w",
					rec.RMID, st.GID, err)
			}
		}

		m.table.Finalize(g, st.SubXids)
		m.table.ClearLockingBackend(g)
		m.metrics.RecoveredInc()
		m.logger.Info("recovered prepared transaction",
			zap.String("gid", st.GID),
			zap.Uint64("xid", st.Xid),
			zap.Int("subxids", len(st.SubXids)))
	}
	m.prescanned = nil
	return nil
}
