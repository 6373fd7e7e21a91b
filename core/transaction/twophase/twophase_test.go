package twophase

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kyodb/kyodb/core/clog"
	"github.com/kyodb/kyodb/core/invalidation"
	"github.com/kyodb/kyodb/core/lockmgr"
	"github.com/kyodb/kyodb/core/storage_engine/lifecycle"
	"github.com/kyodb/kyodb/core/storage_engine/smgr"
	"github.com/kyodb/kyodb/core/transaction"
	"github.com/kyodb/kyodb/core/write_engine/wal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testOwner    uint64 = 10
	testDatabase uint64 = 1
)

// env assembles the full prepare/finish stack over one data directory. A
// restart closes everything and rebuilds from disk, the way a crashed
// process would.
type env struct {
	t       *testing.T
	dir     string
	logger  *zap.Logger
	wal     *wal.Manager
	status  *clog.Log
	storage *smgr.Manager
	reg     *transaction.ProcRegistry
	locks   *lockmgr.Manager
	silocks *lockmgr.Manager
	table   *Table
	mgr     *Manager
	alloc   *transaction.XIDAllocator
	backend uuid.UUID
}

func newEnv(t *testing.T, dir string, capacity int) *env {
	t.Helper()
	logger := zap.NewNop()

	w, err := wal.NewManager(filepath.Join(dir, "wal"), logger, wal.Options{})
	require.NoError(t, err)
	status, err := clog.Open(filepath.Join(dir, "clog.db"), logger)
	require.NoError(t, err)

	storage := smgr.NewManager(dir, logger)
	reg := transaction.NewProcRegistry()
	locks := lockmgr.NewManager(logger)
	silocks := lockmgr.NewManager(logger)
	table := NewTable(capacity, reg, logger)
	rms := NewRMRegistry()
	require.NoError(t, rms.Register(lockmgr.NewLockRM(locks, logger)))
	require.NoError(t, rms.Register(lockmgr.NewPredicateRM(silocks, logger)))

	return &env{
		t:       t,
		dir:     dir,
		logger:  logger,
		wal:     w,
		status:  status,
		storage: storage,
		reg:     reg,
		locks:   locks,
		silocks: silocks,
		table:   table,
		mgr: NewManager(Deps{
			Logger:   logger,
			WAL:      w,
			Clog:     status,
			Smgr:     storage,
			Table:    table,
			Registry: reg,
			RMs:      rms,
			Inval:    invalidation.NewLocalSink(),
		}),
		alloc:   transaction.NewXIDAllocator(transaction.FirstNormalXid),
		backend: uuid.New(),
	}
}

func (e *env) close() {
	e.wal.Close()
	e.status.Close()
}

// restart simulates a crash and recovery cycle: decision redo, prescan,
// then table reconstruction, in the order startup runs them.
func (e *env) restart(capacity int) *env {
	e.close()
	next := newEnv(e.t, e.dir, capacity)
	require.NoError(e.t, next.wal.Scan(next.mgr.Redo))
	oldest, err := next.mgr.Prescan(next.alloc)
	require.NoError(e.t, err)
	require.NoError(e.t, next.status.InitLowWaterMark(oldest))
	require.NoError(e.t, next.mgr.RecoverAll())
	return next
}

func (e *env) lifecycle() *lifecycle.Manager {
	return lifecycle.NewManager(e.storage, e.wal, e.logger)
}

func (e *env) prepare(xid uint64, gid string, life *lifecycle.Manager, tx *transaction.Transaction) *GlobalTransaction {
	e.t.Helper()
	if tx == nil {
		tx = transaction.Begin(xid, testOwner, testDatabase)
	}
	g, err := e.mgr.Prepare(context.Background(), e.backend, tx, gid, life, nil)
	require.NoError(e.t, err)
	return g
}

func (e *env) finish(gid string, commit bool) error {
	return e.mgr.FinishPrepared(context.Background(), FinishRequest{
		GID:      gid,
		Commit:   commit,
		Backend:  uuid.New(),
		User:     testOwner,
		Database: testDatabase,
	})
}

func TestPrepareCommitResolvesStorage(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	existing := smgr.RelFileNode{Database: testDatabase, Relation: 100}
	created := smgr.RelFileNode{Database: testDatabase, Relation: 101}
	require.NoError(t, e.storage.Create(existing))

	life := e.lifecycle()
	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	require.NoError(t, life.CreateStorage(tx.Xid, 1, created, smgr.Permanent))
	life.DropStorage(1, existing, false)

	e.prepare(tx.Xid, "commit-case", life, tx)

	// Prepared but undecided: both files must survive.
	require.True(t, e.storage.Exists(existing))
	require.True(t, e.storage.Exists(created))

	require.NoError(t, e.finish("commit-case", true))
	require.False(t, e.storage.Exists(existing), "dropped relation must be unlinked at commit")
	require.True(t, e.storage.Exists(created), "created relation must survive commit")
	require.Equal(t, 0, e.table.InUse())
}

func TestPrepareAbortResolvesStorage(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	existing := smgr.RelFileNode{Database: testDatabase, Relation: 200}
	created := smgr.RelFileNode{Database: testDatabase, Relation: 201}
	require.NoError(t, e.storage.Create(existing))

	life := e.lifecycle()
	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	require.NoError(t, life.CreateStorage(tx.Xid, 1, created, smgr.Permanent))
	life.DropStorage(1, existing, false)

	e.prepare(tx.Xid, "abort-case", life, tx)
	require.NoError(t, e.finish("abort-case", false))

	require.True(t, e.storage.Exists(existing), "dropped relation must survive abort")
	require.False(t, e.storage.Exists(created), "created relation must be unlinked at abort")
}

func TestDuplicateGIDRejected(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	e.prepare(e.alloc.Next(), "gid-1", nil, nil)

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	_, err := e.mgr.Prepare(context.Background(), e.backend, tx, "gid-1", nil, nil)
	require.ErrorIs(t, err, ErrDuplicateGID)

	// The failed prepare must not leak a slot.
	require.Equal(t, 1, e.table.InUse())
}

func TestCapacityExhaustion(t *testing.T) {
	e := newEnv(t, t.TempDir(), 2)
	defer e.close()

	e.prepare(e.alloc.Next(), "slot-1", nil, nil)
	e.prepare(e.alloc.Next(), "slot-2", nil, nil)

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	_, err := e.mgr.Prepare(context.Background(), e.backend, tx, "slot-3", nil, nil)
	require.ErrorIs(t, err, ErrMaxPreparedExceeded)

	// Finishing one frees its slot for the retry.
	require.NoError(t, e.finish("slot-1", true))
	e.prepare(tx.Xid, "slot-3", nil, nil)
}

func TestPreparedTransactionsDisabled(t *testing.T) {
	e := newEnv(t, t.TempDir(), 0)
	defer e.close()

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	_, err := e.mgr.Prepare(context.Background(), e.backend, tx, "any", nil, nil)
	require.ErrorIs(t, err, ErrTwoPhaseDisabled)
}

func TestGIDLengthLimit(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'g'
	}
	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	_, err := e.mgr.Prepare(context.Background(), e.backend, tx, string(long), nil, nil)
	require.Error(t, err)
	require.Equal(t, 0, e.table.InUse())
}

func TestFinishUnknownGID(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	require.ErrorIs(t, e.finish("never-prepared", true), ErrNotFound)
	require.ErrorIs(t, e.finish("never-prepared", false), ErrNotFound)
}

func TestFinishPermissionAndDatabaseChecks(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	e.prepare(e.alloc.Next(), "guarded", nil, nil)

	base := FinishRequest{GID: "guarded", Commit: true, Backend: uuid.New()}

	req := base
	req.User = testOwner + 1
	req.Database = testDatabase
	require.ErrorIs(t, e.mgr.FinishPrepared(context.Background(), req), ErrPermissionDenied)

	req = base
	req.User = testOwner
	req.Database = testDatabase + 1
	require.ErrorIs(t, e.mgr.FinishPrepared(context.Background(), req), ErrWrongDatabase)

	// A superuser in the wrong database is still refused; only the
	// distributed-execution role may cross databases.
	req.Superuser = true
	require.ErrorIs(t, e.mgr.FinishPrepared(context.Background(), req), ErrWrongDatabase)

	req.DistributedRole = true
	require.NoError(t, e.mgr.FinishPrepared(context.Background(), req))
}

func TestConcurrentFinishSingleWinner(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	e.prepare(e.alloc.Next(), "contended", nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.finish("contended", true)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			// The loser sees Busy while the winner holds the entry, or
			// NotFound once it has already released it.
			losses++
		}
	}
	require.Equal(t, 1, wins, "exactly one finisher must win: %v", errs)
	require.Equal(t, 1, losses)
	require.Equal(t, 0, e.table.InUse())
}

func TestLockedEntryIsBusy(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	g := e.prepare(e.alloc.Next(), "held", nil, nil)
	_, err := e.table.LockForFinish("held", testOwner, testDatabase, false, false, uuid.New())
	require.NoError(t, err)

	require.ErrorIs(t, e.finish("held", true), ErrBusy)
	e.table.ClearLockingBackend(g)
	require.NoError(t, e.finish("held", true))
}

func TestAbortOfCommittedPanics(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	e.prepare(tx.Xid, "decided", nil, tx)

	// Simulate a commit decision that became durable without the entry
	// being cleaned up yet.
	require.NoError(t, e.status.MarkCommitted(tx.Xid))
	require.Panics(t, func() { _ = e.finish("decided", false) })
}

func TestPreparedSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	existing := smgr.RelFileNode{Database: testDatabase, Relation: 300}
	require.NoError(t, e.storage.Create(existing))

	life := e.lifecycle()
	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	life.DropStorage(1, existing, false)
	require.NoError(t, e.locks.Acquire(tx.Xid, lockmgr.Tag{Database: testDatabase, Relation: 300}))
	e.prepare(tx.Xid, "survivor", life, tx)

	e = e.restart(4)
	defer e.close()

	rows := e.table.Prepared()
	require.Len(t, rows, 1)
	require.Equal(t, "survivor", rows[0].GID)
	require.Equal(t, tx.Xid, rows[0].Xid)
	require.True(t, e.table.XidIsPrepared(tx.Xid))
	require.True(t, e.reg.XidInProgress(tx.Xid))

	// The lock was re-acquired under the prepared xid during recovery.
	holder, held := e.locks.Holder(lockmgr.Tag{Database: testDatabase, Relation: 300})
	require.True(t, held)
	require.Equal(t, tx.Xid, holder)

	// Finishing after recovery applies the commit-time deletes.
	require.NoError(t, e.finish("survivor", true))
	require.False(t, e.storage.Exists(existing))
	_, held = e.locks.Holder(lockmgr.Tag{Database: testDatabase, Relation: 300})
	require.False(t, held)
}

func TestRecoverySkipsDecidedTransactions(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	first := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	second := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	e.prepare(first.Xid, "finished-before-crash", nil, first)
	e.prepare(second.Xid, "pending-at-crash", nil, second)
	require.NoError(t, e.finish("finished-before-crash", true))

	e = e.restart(4)
	defer e.close()

	rows := e.table.Prepared()
	require.Len(t, rows, 1)
	require.Equal(t, "pending-at-crash", rows[0].GID)

	// Recovery is repeatable: a second crash before any finish changes
	// nothing.
	e = e.restart(4)
	defer e.close()
	rows = e.table.Prepared()
	require.Len(t, rows, 1)
	require.Equal(t, "pending-at-crash", rows[0].GID)
}

func TestPrescanFencesHiddenSubXids(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	subXid := uint64(900)
	tx.BeginSub(subXid)
	tx.CommitSub()
	e.prepare(tx.Xid, "with-subxids", nil, tx)

	e = e.restart(4)
	defer e.close()

	// No future assignment may collide with the subtransaction id hidden
	// inside the prepare record.
	require.Greater(t, e.alloc.Peek(), subXid)
	require.True(t, e.reg.XidInProgress(subXid))
}

func TestPrescanReportsOldestPendingXid(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	young := transaction.Begin(77, testOwner, testDatabase)
	old := transaction.Begin(12, testOwner, testDatabase)
	e.prepare(young.Xid, "young", nil, young)
	e.prepare(old.Xid, "old", nil, old)

	e.close()
	next := newEnv(t, dir, 4)
	defer next.close()
	oldest, err := next.mgr.Prescan(next.alloc)
	require.NoError(t, err)
	require.Equal(t, uint64(12), oldest)
	require.NoError(t, next.mgr.RecoverAll())
}

func TestPrescanHorizonWhenAllDecided(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	tx := transaction.Begin(500, testOwner, testDatabase)
	e.prepare(tx.Xid, "decided", nil, tx)
	require.NoError(t, e.finish("decided", true))

	e.close()
	next := newEnv(t, dir, 4)
	defer next.close()

	// With nothing left pending the horizon is the next assignable xid,
	// fenced past every xid the log mentioned.
	oldest, err := next.mgr.Prescan(next.alloc)
	require.NoError(t, err)
	require.Equal(t, next.alloc.Peek(), oldest)
	require.Greater(t, oldest, tx.Xid)
}

func TestFinishIsExactlyOnceAcrossRetries(t *testing.T) {
	e := newEnv(t, t.TempDir(), 4)
	defer e.close()

	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	e.prepare(tx.Xid, "once", nil, tx)
	require.NoError(t, e.finish("once", true))

	committed, err := e.status.IsCommitted(tx.Xid)
	require.NoError(t, err)
	require.True(t, committed)

	// Retried decisions observe NotFound, not a second application.
	require.ErrorIs(t, e.finish("once", true), ErrNotFound)
	require.ErrorIs(t, e.finish("once", false), ErrNotFound)
}

func TestStateRecordRoundTrip(t *testing.T) {
	st := &State{
		Xid:        42,
		Database:   testDatabase,
		Owner:      testOwner,
		PreparedAt: time.Unix(0, 1724400000000000000),
		GID:        "round-trip",
		SubXids:    []uint64{43, 44, 45},
		CommitDeletes: []lifecycle.PendingDelete{
			{Node: smgr.RelFileNode{Database: 1, Relation: 9}, AtCommit: true},
		},
		AbortDeletes: []lifecycle.PendingDelete{
			{Node: smgr.RelFileNode{Database: 1, Relation: 10}, Temp: true},
		},
		InvalMsgs: []invalidation.Message{
			{Class: invalidation.ClassRelCache, Database: 1, Relation: 9, Hash: 0xDEAD},
		},
		InitFileInval: true,
		RMRecords: []StateRMRecord{
			{RMID: 1, Info: 7, Payload: []byte("lock-a")},
			{RMID: 2, Payload: []byte("lock-b")},
		},
	}

	data, err := EncodeState(st)
	require.NoError(t, err)

	got, err := DecodeState(data)
	require.NoError(t, err)
	require.Equal(t, st.Xid, got.Xid)
	require.Equal(t, st.GID, got.GID)
	require.Equal(t, st.SubXids, got.SubXids)
	require.True(t, st.PreparedAt.Equal(got.PreparedAt))
	require.Len(t, got.CommitDeletes, 1)
	require.Equal(t, st.CommitDeletes[0].Node, got.CommitDeletes[0].Node)
	require.Len(t, got.AbortDeletes, 1)
	require.True(t, got.AbortDeletes[0].Temp)
	require.Equal(t, st.InvalMsgs, got.InvalMsgs)
	require.True(t, got.InitFileInval)
	require.Equal(t, st.RMRecords, got.RMRecords)
}

func TestStateRecordDetectsCorruption(t *testing.T) {
	data, err := EncodeState(&State{Xid: 7, GID: "target", SubXids: []uint64{8}})
	require.NoError(t, err)

	for _, offset := range []int{0, offXid, len(data) / 2, len(data) - 1} {
		corrupted := append([]byte(nil), data...)
		corrupted[offset] ^= 0xFF
		_, err := DecodeState(corrupted)
		require.ErrorIs(t, err, ErrCorruptState, "flipping byte %d must be detected", offset)
	}

	_, err = DecodeState(data[:stateHeaderFixedSize])
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestDecisionRecordRoundTrip(t *testing.T) {
	subXids := []uint64{5, 6, 7}
	deletes := []lifecycle.PendingDelete{
		{Node: smgr.RelFileNode{Database: 1, Relation: 8}, AtCommit: true},
	}
	gotXids, gotDeletes, err := decodeDecision(encodeDecision(subXids, deletes))
	require.NoError(t, err)
	require.Equal(t, subXids, gotXids)
	require.Len(t, gotDeletes, 1)
	require.Equal(t, deletes[0].Node, gotDeletes[0].Node)

	_, _, err = decodeDecision([]byte{1, 0})
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestDecisionReplayCompletesInterruptedFinish(t *testing.T) {
	dir := t.TempDir()
	e := newEnv(t, dir, 4)

	dropped := smgr.RelFileNode{Database: testDatabase, Relation: 400}
	require.NoError(t, e.storage.Create(dropped))

	life := e.lifecycle()
	tx := transaction.Begin(e.alloc.Next(), testOwner, testDatabase)
	life.DropStorage(1, dropped, false)
	e.prepare(tx.Xid, "interrupted", life, tx)

	// Crash window: the commit decision reached the log, but the status
	// update and the file unlink never ran.
	deletes := []lifecycle.PendingDelete{{Node: dropped, AtCommit: true}}
	_, end, err := e.wal.Append(&wal.Record{
		Type:    wal.RecordCommitPrepared,
		Xid:     tx.Xid,
		Payload: encodeDecision(nil, deletes),
	})
	require.NoError(t, err)
	require.NoError(t, e.wal.Flush(end))

	e = e.restart(4)
	defer e.close()

	committed, err := e.status.IsCommitted(tx.Xid)
	require.NoError(t, err)
	require.True(t, committed, "replay must finish the status update")
	require.False(t, e.storage.Exists(dropped), "replay must finish the file removal")
	require.Empty(t, e.table.Prepared(), "a decided transaction must not be resurrected")
}
