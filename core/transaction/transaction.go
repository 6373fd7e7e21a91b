// Package transaction holds the session-local transaction state: xid
// assignment, subtransaction nesting, and the process registry that makes
// in-flight xids visible to snapshot logic.
package transaction

// State represents the in-memory state of a transaction.
type State int

const (
	StateRunning   State = iota // operations are being applied
	StatePrepared               // durably prepared, waiting for the global decision
	StateCommitted              // commit decision received
	StateAborted                // abort decision received or local abort
)

// Transaction is the per-session record of the transaction currently in
// progress, including its subtransaction nesting. The top level is nesting
// level 1; BeginSub pushes deeper levels.
//
// A subtransaction's commit is not separately WAL-logged: its xid simply
// joins the parent's committed-subxid list and rides in the parent's
// PREPARE record.
type Transaction struct {
	Xid      uint64
	Owner    uint64
	Database uint64

	levels []*nestingLevel
}

type nestingLevel struct {
	xid       uint64 // 0 for the top level's slot (the main xid lives on Transaction)
	committed []uint64
}

// Begin starts a top-level transaction.
func Begin(xid, owner, database uint64) *Transaction {
	return &Transaction{
		Xid:      xid,
		Owner:    owner,
		Database: database,
		levels:   []*nestingLevel{{}},
	}
}

// NestingLevel returns the current depth; the top level is 1.
func (t *Transaction) NestingLevel() int {
	return len(t.levels)
}

// BeginSub opens a subtransaction with its own xid and returns the new
// nesting level.
func (t *Transaction) BeginSub(xid uint64) int {
	t.levels = append(t.levels, &nestingLevel{xid: xid})
	return len(t.levels)
}

// CommitSub merges the current subtransaction's xid and its committed
// descendants into the parent level.
func (t *Transaction) CommitSub() {
	if len(t.levels) <= 1 {
		return
	}
	child := t.levels[len(t.levels)-1]
	t.levels = t.levels[:len(t.levels)-1]
	parent := t.levels[len(t.levels)-1]
	parent.committed = append(parent.committed, child.xid)
	parent.committed = append(parent.committed, child.committed...)
}

// AbortSub discards the current subtransaction and everything it committed.
func (t *Transaction) AbortSub() {
	if len(t.levels) <= 1 {
		return
	}
	t.levels = t.levels[:len(t.levels)-1]
}

// CommittedSubXids returns the subtransaction ids that have committed up to
// the current nesting level, in commit order. For PREPARE this is the
// subxid list serialized into the state record.
func (t *Transaction) CommittedSubXids() []uint64 {
	var out []uint64
	for _, lvl := range t.levels {
		out = append(out, lvl.committed...)
	}
	return out
}
