// Package lifecycle keeps physical relation storage consistent with
// transaction outcome. Creates happen immediately but carry a
// delete-on-abort intent; drops are deferred behind a delete-on-commit
// intent; truncation is WAL-logged before it touches the data file. The
// per-session pending-delete ledger resolves at commit, abort, and
// subtransaction boundaries, and can be snapshotted into a two-phase state
// record.
package lifecycle

import (
	"encoding/binary"
	"fmt"

	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Manager is the session-local storage lifecycle manager. It is not shared
// between sessions; prepared-transaction state travels through the
// serialized two-phase payload instead.
type Manager struct {
	smgr    *smgr.Manager
	wal     *wal.Manager
	logger  *zap.Logger
	pending []PendingDelete // stack, most recent last
}

func NewManager(storage *smgr.Manager, log *wal.Manager, logger *zap.Logger) *Manager {
	return &Manager{smgr: storage, wal: log, logger: logger}
}

// CreateStorage creates the relation's physical storage right away and
// schedules its removal should the transaction abort. Durable relations
// additionally get a creation WAL record so replay can recreate the file.
func (m *Manager) CreateStorage(xid uint64, level int, node smgr.RelFileNode, persistence smgr.Persistence) error {
	if err := m.smgr.Create(node); err != nil {
		return err
	}
	if persistence == smgr.Permanent {
		if _, _, err := m.wal.Append(&wal.Record{
			Type:    wal.RecordSmgrCreate,
			Xid:     xid,
			Payload: encodeCreatePayload(node),
		}); err != nil {
			return fmt.Errorf("failed to log storage creation for %+v: %w", node, err)
		}
	}
	m.push(PendingDelete{
		Node:     node,
		AtCommit: false,
		Level:    level,
		Temp:     persistence == smgr.Temporary,
	})
	return nil
}

// DropStorage schedules the relation's file for removal once the
// transaction durably commits. The file must survive until then so the
// drop can be rolled back.
func (m *Manager) DropStorage(level int, node smgr.RelFileNode, temp bool) {
	m.push(PendingDelete{Node: node, AtCommit: true, Level: level, Temp: temp})
}

// DropDatabase schedules a whole-database-directory removal at commit.
func (m *Manager) DropDatabase(level int, database uint64) {
	m.push(PendingDelete{
		Node:     smgr.RelFileNode{Database: database},
		AtCommit: true,
		Level:    level,
		WholeDB:  true,
	})
}

// Preserve removes the most recent intent matching (node, atCommit)
// without touching the file. Used when a relation-map change commits out
// of band, or a table rewrite repurposes a freshly built file.
func (m *Manager) Preserve(node smgr.RelFileNode, atCommit bool) {
	for i := len(m.pending) - 1; i >= 0; i-- {
		entry := m.pending[i]
		if entry.Node == node && entry.AtCommit == atCommit && !entry.WholeDB {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Truncate shortens the relation to nblocks. The auxiliary forks go first,
// then the truncation record is WAL-logged and flushed, and only then is
// the main fork cut. If the process dies between the flush and the
// physical truncate, replay redoes it; the reverse order could leave a
// shortened file with no record to recover it.
func (m *Manager) Truncate(xid uint64, node smgr.RelFileNode, nblocks uint32) error {
	// Free-space and visibility data is advisory and rebuilt on demand;
	// dropping the forks' tails cannot lose committed data.
	if err := m.smgr.Truncate(node, smgr.FreeSpaceFork, 0); err != nil {
		return err
	}
	if err := m.smgr.Truncate(node, smgr.VisibilityFork, 0); err != nil {
		return err
	}

	_, end, err := m.wal.Append(&wal.Record{
		Type:    wal.RecordSmgrTruncate,
		Xid:     xid,
		Payload: encodeTruncatePayload(node, nblocks),
	})
	if err != nil {
		return fmt.Errorf("failed to log truncation of %+v: %w", node, err)
	}
	if err := m.wal.Flush(end); err != nil {
		return fmt.Errorf("failed to flush truncation record for %+v: %w", node, err)
	}

	return m.smgr.Truncate(node, smgr.MainFork, nblocks)
}

func (m *Manager) push(entry PendingDelete) {
	m.pending = append(m.pending, entry)
}

// PendingCount returns the number of unresolved intents.
func (m *Manager) PendingCount() int { return len(m.pending) }

// ResolvePending consumes every intent at or above level. Intents whose
// delete phase matches isCommit have their files unlinked in one batch;
// the rest are forgotten, their files retained. A whole-database drop
// fires as a singleton and the ledger must hold nothing else.
func (m *Manager) ResolvePending(level int, isCommit bool) error {
	var keep []PendingDelete
	var unlink []smgr.RelFileNode
	var wholeDB *PendingDelete
	resolved := 0

	for _, entry := range m.pending {
		if entry.Level < level {
			keep = append(keep, entry)
			continue
		}
		resolved++
		if entry.AtCommit != isCommit {
			continue
		}
		if entry.WholeDB {
			e := entry
			wholeDB = &e
			continue
		}
		unlink = append(unlink, entry.Node)
	}

	if wholeDB != nil && resolved != 1 {
		m.logger.Error("whole-database drop resolved alongside other pending deletes",
			zap.Uint64("database", wholeDB.Node.Database),
			zap.Int("entries", resolved))
		panic("lifecycle: whole-database drop must be the only pending delete")
	}

	m.pending = keep

	if wholeDB != nil {
		return m.smgr.DropDatabaseDir(wholeDB.Node.Database)
	}
	return m.smgr.UnlinkAll(unlink)
}

// AtSubCommit reassigns every intent at or above the committing
// subtransaction's level to its parent, deferring resolution to the
// enclosing transaction's outcome.
func (m *Manager) AtSubCommit(level int) {
	for i := range m.pending {
		if m.pending[i].Level >= level {
			m.pending[i].Level = level - 1
		}
	}
}

// AtSubAbort resolves intents at or above the aborting subtransaction's
// level immediately.
func (m *Manager) AtSubAbort(level int) error {
	return m.ResolvePending(level, false)
}

// PendingFor2PC copies the intents at or above level for the requested
// phase, for inclusion in a two-phase state record. Unlike ordinary
// commit/abort processing this includes temp-scoped relations: a prepared
// transaction may touch session-temporary storage and its cleanup must
// still be recorded.
func (m *Manager) PendingFor2PC(level int, atCommit bool) []PendingDelete {
	var out []PendingDelete
	for _, entry := range m.pending {
		if entry.Level >= level && entry.AtCommit == atCommit {
			out = append(out, entry)
		}
	}
	return out
}

// Forget drops all intents without resolving them. The two-phase prepare
// path uses it once responsibility has moved into the serialized state
// record.
func (m *Manager) Forget() { m.pending = nil }

// --- WAL payload encodings ---

func encodeCreatePayload(node smgr.RelFileNode) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, node.Database)
	binary.LittleEndian.PutUint64(buf[8:], node.Relation)
	return buf
}

func decodeCreatePayload(data []byte) (smgr.RelFileNode, error) {
	if len(data) < 16 {
		return smgr.RelFileNode{}, fmt.Errorf("smgr create record truncated: %d bytes", len(data))
	}
	return smgr.RelFileNode{
		Database: binary.LittleEndian.Uint64(data),
		Relation: binary.LittleEndian.Uint64(data[8:]),
	}, nil
}

func encodeTruncatePayload(node smgr.RelFileNode, nblocks uint32) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf, node.Database)
	binary.LittleEndian.PutUint64(buf[8:], node.Relation)
	binary.LittleEndian.PutUint32(buf[16:], nblocks)
	return buf
}

func decodeTruncatePayload(data []byte) (smgr.RelFileNode, uint32, error) {
	if len(data) < 20 {
		return smgr.RelFileNode{}, 0, fmt.Errorf("smgr truncate record truncated: %d bytes", len(data))
	}
	node := smgr.RelFileNode{
		Database: binary.LittleEndian.Uint64(data),
		Relation: binary.LittleEndian.Uint64(data[8:]),
	}
	return node, binary.LittleEndian.Uint32(data[16:]), nil
}
