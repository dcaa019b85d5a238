package book

import (
	"github.com/shopspring/decimal"
)

// PriceLevelEntry aggregates all resting liquidity at one price: total
// quantity, number of resting orders (order-tracked feeds only), and the
// head/tail of the in-level FIFO order chain.
//
// Invariant when order tracking is enabled: OrderCount == 0 iff Qty is
// zero. Aggregated feeds carry no order counts and the invariant is not
// asserted there.
type PriceLevelEntry struct {
	Qty        decimal.Decimal
	OrderCount int

	head *OrderRecord
	tail *OrderRecord
}

// Empty reports whether the level carries no resting quantity. Dense
// sides keep empty slots allocated; sparse sides erase them.
func (l *PriceLevelEntry) Empty() bool {
	return l.Qty.Sign() <= 0
}

func (l *PriceLevelEntry) reset() {
	l.Qty = decimal.Zero
	l.OrderCount = 0
	l.head = nil
	l.tail = nil
}

// appendOrder links rec at the back of the level's FIFO chain.
func (l *PriceLevelEntry) appendOrder(rec *OrderRecord) {
	rec.prev = l.tail
	rec.next = nil
	if l.tail != nil {
		l.tail.next = rec
	} else {
		l.head = rec
	}
	l.tail = rec
	l.OrderCount++
}

// unlinkOrder removes rec from the chain. Returns false if rec is not
// linked into this level, which callers treat as a consistency warning.
func (l *PriceLevelEntry) unlinkOrder(rec *OrderRecord) bool {
	if !l.contains(rec) {
		return false
	}
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		l.head = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	} else {
		l.tail = rec.prev
	}
	rec.prev = nil
	rec.next = nil
	l.OrderCount--
	return true
}

func (l *PriceLevelEntry) contains(rec *OrderRecord) bool {
	for r := l.head; r != nil; r = r.next {
		if r == rec {
			return true
		}
	}
	return false
}

// releaseChain frees every record chained into the level back to the
// order table. Used when a level is cleared wholesale (Clear, CorrectBook,
// depth eviction) or healed after a consistency violation.
func (l *PriceLevelEntry) releaseChain(tbl *orderTable) {
	for r := l.head; r != nil; {
		next := r.next
		tbl.release(r)
		r = next
	}
	l.head = nil
	l.tail = nil
	l.OrderCount = 0
}

// slot lifecycle states for the open-addressed order table
type slotState uint8

const (
	slotFree slotState = iota
	slotUsed
	slotDead // released; probe chains continue through it
)

// OrderRecord is one tracked resting order, stored in place inside the
// order table and chained into its price level.
type OrderRecord struct {
	ID    uint64
	Qty   decimal.Decimal
	Price float64 // level the order rests at

	state slotState
	prev  *OrderRecord
	next  *OrderRecord
}

// orderTable is a fixed-capacity open-addressed table keyed by
// orderID mod capacity with linear probing, wrapping once. A full table
// means the order goes untracked; the feed keeps running.
type orderTable struct {
	slots []OrderRecord
	used  int
}

func newOrderTable(capacity int) *orderTable {
	return &orderTable{slots: make([]OrderRecord, capacity)}
}

// lookup returns the record holding id, or nil. Dead slots do not stop
// the probe; a never-used slot does.
func (t *orderTable) lookup(id uint64) *OrderRecord {
	n := len(t.slots)
	if n == 0 {
		return nil
	}
	start := int(id % uint64(n))
	for i := 0; i < n; i++ {
		s := &t.slots[(start+i)%n]
		switch s.state {
		case slotFree:
			return nil
		case slotUsed:
			if s.ID == id {
				return s
			}
		}
	}
	return nil
}

// findOrCreate returns the record for id, creating one if absent. The
// second result is false when the table is full and id is not present.
func (t *orderTable) findOrCreate(id uint64) (*OrderRecord, bool) {
	n := len(t.slots)
	if n == 0 {
		return nil, false
	}
	start := int(id % uint64(n))
	var reuse *OrderRecord
	for i := 0; i < n; i++ {
		s := &t.slots[(start+i)%n]
		switch s.state {
		case slotUsed:
			if s.ID == id {
				return s, true
			}
		case slotDead:
			if reuse == nil {
				reuse = s
			}
		case slotFree:
			if reuse == nil {
				reuse = s
			}
			return t.claim(reuse, id), true
		}
	}
	if reuse == nil {
		return nil, false
	}
	return t.claim(reuse, id), true
}

func (t *orderTable) claim(s *OrderRecord, id uint64) *OrderRecord {
	*s = OrderRecord{ID: id, Qty: decimal.Zero, state: slotUsed}
	t.used++
	return s
}

func (t *orderTable) release(rec *OrderRecord) {
	if rec.state != slotUsed {
		return
	}
	rec.state = slotDead
	rec.prev = nil
	rec.next = nil
	t.used--
}

func (t *orderTable) clear() {
	for i := range t.slots {
		t.slots[i] = OrderRecord{}
	}
	t.used = 0
}

func (t *orderTable) len() int { return t.used }
