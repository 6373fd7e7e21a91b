package lifecycle

import (
	"fmt"

	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Redo replays storage-affecting WAL records at startup. Both handlers are
// idempotent: replay may encounter records whose effects already happened,
// or whose files were since removed by a committed drop.
type Redo struct {
	Smgr   *smgr.Manager
	Logger *zap.Logger
}

// Apply dispatches one storage record; non-storage records are ignored.
func (r *Redo) Apply(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordSmgrCreate:
		return r.redoCreate(rec)
	case wal.RecordSmgrTruncate:
		return r.redoTruncate(rec)
	default:
		return nil
	}
}

func (r *Redo) redoCreate(rec *wal.Record) error {
	node, err := decodeCreatePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("smgr create record at lsn %d: %w", rec.LSN, err)
	}
	if err := r.Smgr.RecreateIfMissing(node); err != nil {
		return fmt.Errorf("failed to replay storage creation for %+v: %w", node, err)
	}
	r.Logger.Debug("replayed storage creation",
		zap.Uint64("database", node.Database), zap.Uint64("relation", node.Relation))
	return nil
}

func (r *Redo) redoTruncate(rec *wal.Record) error {
	node, nblocks, err := decodeTruncatePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("smgr truncate record at lsn %d: %w", rec.LSN, err)
	}
	if err := r.Smgr.Truncate(node, smgr.FreeSpaceFork, 0); err != nil {
		return err
	}
	if err := r.Smgr.Truncate(node, smgr.VisibilityFork, 0); err != nil {
		return err
	}
	if err := r.Smgr.Truncate(node, smgr.MainFork, nblocks); err != nil {
		return err
	}
	r.Logger.Debug("replayed storage truncation",
		zap.Uint64("database", node.Database),
		zap.Uint64("relation", node.Relation),
		zap.Uint32("nblocks", nblocks))
	return nil
}
