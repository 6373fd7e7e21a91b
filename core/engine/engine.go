// Package engine assembles the storage and transaction subsystems into one
// embeddable database engine and owns the startup recovery sequence.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/clog"
	"github.com/kyodb/kyodb/core/invalidation"
	"github.com/kyodb/kyodb/core/lockmgr"
	"github.com/kyodb/kyodb/core/storage_engine/lifecycle"
	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/transaction"
	"github.com/kyodb/kyodb/core/transaction/twophase"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const defaultMaxPrepared = 16

// Config tunes the engine. Zero values select defaults.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// MaxPreparedTransactions caps the global transaction table. Zero
	// selects the default; a negative value disables prepared
	// transactions entirely.
	MaxPreparedTransactions int         `yaml:"max_prepared_transactions"`
	WAL                     wal.Options `yaml:"wal"`
}

// Engine is a single-node transactional storage engine with prepared
// transaction support.
type Engine struct {
	logger *zap.Logger
	cfg    Config

	dirLock  *flock.Flock
	wal      *wal.Manager
	clog     *clog.Log
	smgr     *smgr.Manager
	registry *transaction.ProcRegistry
	xids     *transaction.XIDAllocator
	locks    *lockmgr.Manager
	silocks  *lockmgr.Manager
	sink     *invalidation.LocalSink
	twophase *twophase.Manager
}

// Open locks the data directory, brings up every subsystem, and runs
// recovery: prescan for prepared transactions, storage redo, then rebuild
// of the global transaction table. A second Open on the same directory
// fails while the first engine holds the lock.
func Open(cfg Config, logger *zap.Logger, meter metric.Meter) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("engine: data directory is required")
	}
	if cfg.MaxPreparedTransactions == 0 {
		cfg.MaxPreparedTransactions = defaultMaxPrepared
	}
	if cfg.MaxPreparedTransactions < 0 {
		cfg.MaxPreparedTransactions = 0
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	dirLock := flock.New(filepath.Join(cfg.DataDir, "kyodb.lock"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory %s: %w", cfg.DataDir, err)
	}
	if !locked {
		return nil, fmt.Errorf("engine: data directory %s is in use by another process", cfg.DataDir)
	}

	e := &Engine{logger: logger, cfg: cfg, dirLock: dirLock}
	if err := e.start(meter); err != nil {
		e.shutdown()
		return nil, err
	}
	return e, nil
}

func (e *Engine) start(meter metric.Meter) error {
	var err error
	if e.wal, err = wal.NewManager(filepath.Join(e.cfg.DataDir, "wal"), e.logger, e.cfg.WAL); err != nil {
		return err
	}
	if e.clog, err = clog.Open(filepath.Join(e.cfg.DataDir, "clog.db"), e.logger); err != nil {
		return err
	}
	e.smgr = smgr.NewManager(e.cfg.DataDir, e.logger)
	e.registry = transaction.NewProcRegistry()
	e.xids = transaction.NewXIDAllocator(transaction.FirstNormalXid)
	e.locks = lockmgr.NewManager(e.logger)
	e.silocks = lockmgr.NewManager(e.logger)
	e.sink = invalidation.NewLocalSink()

	table := twophase.NewTable(e.cfg.MaxPreparedTransactions, e.registry, e.logger)
	rms := twophase.NewRMRegistry()
	if err := rms.Register(lockmgr.NewLockRM(e.locks, e.logger)); err != nil {
		return err
	}
	if err := rms.Register(lockmgr.NewPredicateRM(e.silocks, e.logger)); err != nil {
		return err
	}

	var metrics *twophase.Metrics
	if meter != nil {
		if metrics, err = twophase.NewMetrics(meter, table); err != nil {
			return err
		}
	}
	e.twophase = twophase.NewManager(twophase.Deps{
		Logger:   e.logger,
		WAL:      e.wal,
		Clog:     e.clog,
		Smgr:     e.smgr,
		Table:    table,
		Registry: e.registry,
		RMs:      rms,
		Inval:    e.sink,
		Metrics:  metrics,
	})

	return e.recover()
}

// recover replays the durable state in order: redo storage effects and
// interrupted decisions, then find still-pending prepared transactions and
// fence off their xids, initialize the status-log horizon, and rebuild the
// transaction table. The whole sequence is re-runnable: nothing here
// consumes or rewrites log records.
func (e *Engine) recover() error {
	redo := &lifecycle.Redo{Smgr: e.smgr, Logger: e.logger}
	err := e.wal.Scan(func(rec *wal.Record) error {
		e.xids.AdvancePast(rec.Xid)
		if err := redo.Apply(rec); err != nil {
			return err
		}
		return e.twophase.Redo(rec)
	})
	if err != nil {
		return fmt.Errorf("redo failed: %w", err)
	}

	oldest, err := e.twophase.Prescan(e.xids)
	if err != nil {
		return err
	}
	if err := e.clog.InitLowWaterMark(oldest); err != nil {
		return err
	}

	if err := e.twophase.RecoverAll(); err != nil {
		return err
	}
	e.logger.Info("engine recovery complete",
		zap.Uint64("next_xid", e.xids.Peek()),
		zap.Int("prepared", e.twophase.Table().InUse()))
	return nil
}

// Prepared returns the diagnostic view of prepared transactions.
func (e *Engine) Prepared() []twophase.PreparedInfo {
	return e.twophase.Table().Prepared()
}

// InvalidationSink exposes the local cache-invalidation sink so embedders
// can register hooks.
func (e *Engine) InvalidationSink() *invalidation.LocalSink { return e.sink }

// Close flushes and closes every subsystem and releases the directory lock.
func (e *Engine) Close() error {
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	var firstErr error
	if e.wal != nil {
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.wal = nil
	}
	if e.clog != nil {
		if err := e.clog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.clog = nil
	}
	if e.dirLock != nil {
		if err := e.dirLock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.dirLock = nil
	}
	return firstErr
}

// Session is one client's view of the engine: its identity, its current
// transaction, and the session-local storage ledger and invalidation queue.
// Sessions are not safe for concurrent use; each client gets its own.
type Session struct {
	engine  *Engine
	backend uuid.UUID

	user            uint64
	database        uint64
	superuser       bool
	distributedRole bool

	tx      *transaction.Transaction
	entryID uuid.UUID
	storage *lifecycle.Manager
	inval   *invalidation.Queue
}

// SessionOption adjusts a new session's identity.
type SessionOption func(*Session)

// AsSuperuser grants the session superuser finish rights.
func AsSuperuser() SessionOption { return func(s *Session) { s.superuser = true } }

// AsDistributedRole lets the session finish prepared transactions across
// databases, for the distributed-transaction driver.
func AsDistributedRole() SessionOption { return func(s *Session) { s.distributedRole = true } }

// NewSession creates a session for the given user and database.
func (e *Engine) NewSession(user, database uint64, opts ...SessionOption) *Session {
	s := &Session{
		engine:   e,
		backend:  uuid.New(),
		user:     user,
		database: database,
		storage:  lifecycle.NewManager(e.smgr, e.wal, e.logger),
		inval:    invalidation.NewQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a top-level transaction on the session.
func (s *Session) Begin() (*transaction.Transaction, error) {
	if s.tx != nil {
		return nil, fmt.Errorf("engine: session already has a transaction in progress")
	}
	xid := s.engine.xids.Next()
	s.tx = transaction.Begin(xid, s.user, s.database)
	s.entryID = s.engine.registry.Add(&transaction.ProcEntry{
		Kind:     transaction.KindSession,
		Xid:      xid,
		Database: s.database,
	})
	return s.tx, nil
}

// Tx returns the session's current transaction, nil when idle.
func (s *Session) Tx() *transaction.Transaction { return s.tx }

// Storage returns the session's storage lifecycle manager.
func (s *Session) Storage() *lifecycle.Manager { return s.storage }

// Inval returns the session's invalidation queue.
func (s *Session) Inval() *invalidation.Queue { return s.inval }

// AcquireLock takes a transactional lock owned by the current transaction.
func (s *Session) AcquireLock(tag lockmgr.Tag) error {
	if s.tx == nil {
		return fmt.Errorf("engine: no transaction in progress")
	}
	return s.engine.locks.Acquire(s.tx.Xid, tag)
}

// Commit ends the current transaction locally: status first, then file
// cleanup, invalidation delivery, and lock release.
func (s *Session) Commit() error {
	if s.tx == nil {
		return fmt.Errorf("engine: no transaction in progress")
	}
	xid := s.tx.Xid
	subXids := s.tx.CommittedSubXids()

	if err := s.engine.wal.Flush(wal.InvalidLSN); err != nil {
		return err
	}
	if err := s.engine.clog.MarkCommitted(xid, subXids...); err != nil {
		return err
	}
	if err := s.storage.ResolvePending(1, true); err != nil {
		s.engine.logger.Warn("failed to remove relation files at commit",
			zap.Uint64("xid", xid), zap.Error(err))
	}
	if s.inval.InitFileInval() {
		s.engine.sink.PreInvalidateInitFile()
	}
	s.engine.sink.Send(s.inval.Messages())
	if s.inval.InitFileInval() {
		s.engine.sink.PostInvalidateInitFile()
	}
	s.finishLocal(xid)
	return nil
}

// Abort rolls the current transaction back.
func (s *Session) Abort() error {
	if s.tx == nil {
		return fmt.Errorf("engine: no transaction in progress")
	}
	xid := s.tx.Xid
	subXids := s.tx.CommittedSubXids()

	if err := s.engine.clog.MarkAborted(xid, subXids...); err != nil {
		return err
	}
	if err := s.storage.ResolvePending(1, false); err != nil {
		s.engine.logger.Warn("failed to remove relation files at abort",
			zap.Uint64("xid", xid), zap.Error(err))
	}
	s.finishLocal(xid)
	return nil
}

func (s *Session) finishLocal(xid uint64) {
	s.engine.locks.ReleaseAll(xid)
	s.engine.silocks.ReleaseAll(xid)
	s.engine.registry.Remove(s.entryID)
	s.inval.Reset()
	s.tx = nil
}

// Prepare turns the current transaction into a prepared transaction under
// gid. On success the session becomes idle; the transaction can only be
// resolved by CommitPrepared or AbortPrepared, on any session.
func (s *Session) Prepare(ctx context.Context, gid string) error {
	if s.tx == nil {
		return fmt.Errorf("engine: no transaction in progress")
	}
	_, err := s.engine.twophase.Prepare(ctx, s.backend, s.tx, gid, s.storage, s.inval)
	if err != nil {
		return err
	}
	// Locks now belong to the prepared transaction; only the session's
	// own registry entry goes away.
	s.engine.registry.Remove(s.entryID)
	s.tx = nil
	return nil
}

// CommitPrepared commits the prepared transaction named by gid.
func (s *Session) CommitPrepared(ctx context.Context, gid string) error {
	return s.finishPrepared(ctx, gid, true)
}

// AbortPrepared aborts the prepared transaction named by gid.
func (s *Session) AbortPrepared(ctx context.Context, gid string) error {
	return s.finishPrepared(ctx, gid, false)
}

func (s *Session) finishPrepared(ctx context.Context, gid string, commit bool) error {
	return s.engine.twophase.FinishPrepared(ctx, twophase.FinishRequest{
		GID:             gid,
		Commit:          commit,
		Backend:         s.backend,
		User:            s.user,
		Database:        s.database,
		Superuser:       s.superuser,
		DistributedRole: s.distributedRole,
	})
}
