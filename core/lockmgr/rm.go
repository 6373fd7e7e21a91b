package lockmgr

import "go.uber.org/zap"

// Resource-manager ids used in two-phase state records. Zero is the stream
// sentinel and is never assigned.
const (
	RMIDLock          uint8 = 1
	RMIDPredicateLock uint8 = 2
)

// RMRecord is one record a resource manager contributes to a transaction's
// two-phase state.
type RMRecord struct {
	Info    uint16
	Payload []byte
}

// LockRM adapts the lock manager to the two-phase resource-manager
// callbacks: one record per held lock at prepare, re-acquisition at
// recovery, release on either decision.
type LockRM struct {
	locks  *Manager
	logger *zap.Logger
}

func NewLockRM(locks *Manager, logger *zap.Logger) *LockRM {
	return &LockRM{locks: locks, logger: logger}
}

func (rm *LockRM) ID() uint8 { return RMIDLock }

// AtPrepare serializes every lock held by xid, one record each.
func (rm *LockRM) AtPrepare(xid uint64) []RMRecord {
	tags := rm.locks.HeldBy(xid)
	records := make([]RMRecord, 0, len(tags))
	for _, tag := range tags {
		records = append(records, RMRecord{Payload: encodeTag(tag)})
	}
	return records
}

// Recover re-acquires one lock for a prepared transaction rebuilt from WAL.
func (rm *LockRM) Recover(xid uint64, info uint16, payload []byte) error {
	tag, err := decodeTag(payload)
	if err != nil {
		return err
	}
	return rm.locks.Acquire(xid, tag)
}

// PostCommit releases the lock named by one prepare-time record.
func (rm *LockRM) PostCommit(xid uint64, info uint16, payload []byte) {
	rm.releaseFromRecord(xid, payload)
}

// PostAbort releases the lock named by one prepare-time record.
func (rm *LockRM) PostAbort(xid uint64, info uint16, payload []byte) {
	rm.releaseFromRecord(xid, payload)
}

func (rm *LockRM) releaseFromRecord(xid uint64, payload []byte) {
	tag, err := decodeTag(payload)
	if err != nil {
		rm.logger.Error("undecodable lock record at finish", zap.Uint64("xid", xid), zap.Error(err))
		return
	}
	rm.locks.Release(xid, tag)
}

// PredicateRM mirrors LockRM for the predicate (SIREAD) lock table. The
// serializable-conflict machinery itself lives elsewhere; here we only
// persist and clean up lock ownership across a prepare.
type PredicateRM struct {
	locks  *Manager
	logger *zap.Logger
}

func NewPredicateRM(locks *Manager, logger *zap.Logger) *PredicateRM {
	return &PredicateRM{locks: locks, logger: logger}
}

func (rm *PredicateRM) ID() uint8 { return RMIDPredicateLock }

func (rm *PredicateRM) AtPrepare(xid uint64) []RMRecord {
	tags := rm.locks.HeldBy(xid)
	records := make([]RMRecord, 0, len(tags))
	for _, tag := range tags {
		records = append(records, RMRecord{Payload: encodeTag(tag)})
	}
	return records
}

func (rm *PredicateRM) Recover(xid uint64, info uint16, payload []byte) error {
	tag, err := decodeTag(payload)
	if err != nil {
		return err
	}
	return rm.locks.Acquire(xid, tag)
}

func (rm *PredicateRM) PostCommit(xid uint64, info uint16, payload []byte) {
	rm.cleanup(xid, payload)
}

func (rm *PredicateRM) PostAbort(xid uint64, info uint16, payload []byte) {
	rm.cleanup(xid, payload)
}

func (rm *PredicateRM) cleanup(xid uint64, payload []byte) {
	tag, err := decodeTag(payload)
	if err != nil {
		rm.logger.Error("undecodable predicate lock record at finish", zap.Uint64("xid", xid), zap.Error(err))
		return
	}
	rm.locks.Release(xid, tag)
}
