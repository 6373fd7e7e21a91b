package twophase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/dtx"
	"github.com/kyodb/kyodb/core/storage_engine/lifecycle"
	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// FinishRequest names the prepared transaction to resolve and the identity
// of the backend resolving it.
type FinishRequest struct {
	GID    string
	Commit bool

	Backend         uuid.UUID
	User            uint64
	Database        uint64
	Superuser       bool
	DistributedRole bool
}

// FinishPrepared resolves a prepared transaction with a commit or abort
// decision. The authoritative state is re-read and re-validated from the
// durable PREPARE record, never trusted from memory.
//
// Once the decision record is flushed the transaction is decided; every
// later step is cleanup that recovery can tolerate losing. Side effects run
// in a fixed order: status log, registry removal, table invalidation,
// standby acknowledgement, file removal, cache invalidation, resource
// manager cleanup, slot release.
func (m *Manager) FinishPrepared(ctx context.Context, req FinishRequest) error {
	if req.DistributedRole {
		// Gids arriving from the distributed-transaction driver carry a
		// distributed timestamp and xid worth having in the log.
		if ts, dxid, err := dtx.CrackGID(req.GID); err == nil {
			m.logger.Debug("finishing distributed transaction",
				zap.Uint64("distributed_timestamp", ts),
				zap.Uint64("distributed_xid", dxid),
				zap.Bool("commit", req.Commit))
		}
	}

	g, err := m.table.LockForFinish(req.GID, req.User, req.Database,
		req.Superuser, req.DistributedRole, req.Backend)
	if err != nil {
		if errors.Is(err, ErrNotFound) && req.Commit {
			// A retried distributed commit may arrive after the
			// transaction already finished here. Wait out standby
			// acknowledgement so the earlier commit is fully propagated
			// before reporting the gid unknown.
			if waitErr := m.syncRep.WaitForCommit(ctx, m.wal.CurrentLSN()); waitErr != nil {
				m.logger.Warn("gave up waiting for standby acknowledgement",
					zap.String("gid", req.GID), zap.Error(waitErr))
			}
		}
		return err
	}

	st, err := m.readState(g)
	if err != nil {
		m.table.ClearLockingBackend(g)
		return err
	}

	committed, err := m.clog.IsCommitted(st.Xid)
	if err != nil {
		m.table.ClearLockingBackend(g)
		return err
	}
	if committed && !req.Commit {
		// The commit decision is already durable; pretending to abort now
		// would corrupt the cluster-wide outcome. Nothing can proceed.
		m.logger.Error("attempt to abort an already-committed prepared transaction",
			zap.String("gid", req.GID), zap.Uint64("xid", st.Xid))
		panic(fmt.Sprintf("twophase: transaction %d (%q) is already committed and cannot be aborted", st.Xid, req.GID))
	}

	// Last interruptible point: once the decision record goes in, the
	// protocol runs to completion.
	if err := ctx.Err(); err != nil {
		m.table.ClearLockingBackend(g)
		return err
	}

	recType := wal.RecordAbortPrepared
	deletes := st.AbortDeletes
	if req.Commit {
		recType = wal.RecordCommitPrepared
		deletes = st.CommitDeletes
	}

	_, end, err := m.wal.Append(&wal.Record{
		Type:    recType,
		Xid:     st.Xid,
		Payload: encodeDecision(st.SubXids, deletes),
	})
	if err == nil {
		err = m.wal.Flush(end)
	}
	if err != nil {
		// The decision may be partially buffered; reporting a soft
		// failure here could let it become durable behind the caller's
		// back. Recovery re-derives the truth on the next start.
		m.logger.Error("failed to log decision", zap.String("gid", req.GID), zap.Error(err))
		panic(fmt.Sprintf("twophase: cannot log decision for %q: %v", req.GID, err))
	}

	if req.Commit {
		err = m.clog.MarkCommitted(st.Xid, st.SubXids...)
	} else {
		err = m.clog.MarkAborted(st.Xid, st.SubXids...)
	}
	if err != nil {
		// The decision is durable in the log but the status store refused
		// it. Continuing would leave visibility and durability disagreeing.
		m.logger.Error("failed to record decided transaction status",
			zap.String("gid", req.GID), zap.Uint64("xid", st.Xid), zap.Error(err))
		panic(fmt.Sprintf("twophase: cannot record status of decided transaction %d: %v", st.Xid, err))
	}

	m.registry.Remove(g.shadowID)
	m.table.Invalidate(g)

	if err := m.syncRep.WaitForCommit(ctx, end); err != nil {
		m.logger.Warn("gave up waiting for standby acknowledgement of decision",
			zap.String("gid", req.GID), zap.Error(err))
	}

	m.removeFiles(req.GID, deletes)

	if req.Commit && (len(st.InvalMsgs) > 0 || st.InitFileInval) {
		if st.InitFileInval {
			m.inval.PreInvalidateInitFile()
		}
		m.inval.Send(st.InvalMsgs)
		if st.InitFileInval {
			m.inval.PostInvalidateInitFile()
		}
	}

	for _, rec := range st.RMRecords {
		rm := m.rms.Lookup(rec.RMID)
		if rm == nil {
			m.logger.Warn("no resource manager for record at finish",
				zap.Uint8("rmid", rec.RMID), zap.Uint64("xid", st.Xid))
			continue
		}
		if req.Commit {
			rm.PostCommit(st.Xid, rec.Info, rec.Payload)
		} else {
			rm.PostAbort(st.Xid, rec.Info, rec.Payload)
		}
	}

	m.table.Release(g)

	if req.Commit {
		m.metrics.CommittedInc(ctx)
	} else {
		m.metrics.AbortedInc(ctx)
	}
	m.logger.Info("prepared transaction finished",
		zap.String("gid", req.GID),
		zap.Uint64("xid", st.Xid),
		zap.Bool("commit", req.Commit))
	return nil
}

// readState re-reads and validates the PREPARE record behind a locked
// entry. Any mismatch means the durable state cannot be trusted; the error
// tells the operator what to check.
func (m *Manager) readState(g *GlobalTransaction) (*State, error) {
	rec, err := m.wal.ReadAt(g.prepareBeginLSN)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot re-read prepare record for %q at lsn %d (verify log segments are intact and restore from backup if not): %v",
			ErrCorruptState, g.gid, g.prepareBeginLSN, err)
	}
	if rec.Type != wal.RecordPrepare || rec.Xid != g.xid {
		return nil, fmt.Errorf("%w: record at lsn %d is not the prepare record of transaction %d",
			ErrCorruptState, g.prepareBeginLSN, g.xid)
	}
	st, err := DecodeState(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("prepare record for %q at lsn %d is unreadable (restore the log from backup): %w",
			g.gid, g.prepareBeginLSN, err)
	}
	if st.GID != g.gid || st.Xid != g.xid {
		return nil, fmt.Errorf("%w: prepare record at lsn %d identifies %q/%d, expected %q/%d",
			ErrCorruptState, g.prepareBeginLSN, st.GID, st.Xid, g.gid, g.xid)
	}
	return st, nil
}

// removeFiles unlinks the relation files chosen by the decision. Failures
// are logged and skipped: the transaction is already decided and a leaked
// file is recoverable by hand, an aborted finish is not.
func (m *Manager) removeFiles(gid string, deletes []lifecycle.PendingDelete) {
	var nodes []smgr.RelFileNode
	for _, entry := range deletes {
		if entry.WholeDB {
			if err := m.smgr.DropDatabaseDir(entry.Node.Database); err != nil {
				m.logger.Warn("failed to remove database directory at finish",
					zap.String("gid", gid),
					zap.Uint64("database", entry.Node.Database),
					zap.Error(err))
			}
			continue
		}
		nodes = append(nodes, entry.Node)
	}
	if err := m.smgr.UnlinkAll(nodes); err != nil {
		m.logger.Warn("failed to remove relation files at finish",
			zap.String("gid", gid), zap.Error(err))
	}
}
