package transaction

import "sync"

// FirstNormalXid is the lowest xid ever handed out; lower values are
// reserved so that zero can mean "no transaction".
const FirstNormalXid uint64 = 3

// XIDAllocator hands out monotonically increasing transaction ids. Recovery
// advances it past any xid discovered inside prepared-transaction state so
// no future assignment can collide with one hidden in a PREPARE record.
type XIDAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewXIDAllocator starts allocation at next, clamped to FirstNormalXid.
func NewXIDAllocator(next uint64) *XIDAllocator {
	if next < FirstNormalXid {
		next = FirstNormalXid
	}
	return &XIDAllocator{next: next}
}

// Next assigns and returns a fresh xid.
func (a *XIDAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	xid := a.next
	a.next++
	return xid
}

// Peek returns the xid that Next would assign, without assigning it.
func (a *XIDAllocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// AdvancePast makes sure the allocator will never hand out xid or anything
// below it.
func (a *XIDAllocator) AdvancePast(xid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if xid >= a.next {
		a.next = xid + 1
	}
}
