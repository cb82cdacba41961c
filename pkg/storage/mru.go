package storage

import (
	"container/list"
	"sync/atomic"
)

// mruTouch is one capacity-accounting event: a (table, key) pair moved to
// the tail of recency order, with the signed byte delta that move implies.
// Touches are produced by readers and committers on the hot path and
// consumed only by the evictor.
type mruTouch struct {
	table, key string
	delta      int64
}

type mruEntry struct {
	table, key string
}

// MRUTracker is the recency-ordered index of cached (table, key) pairs plus
// the capacity counter it is kept in sync with. Per the design, the list,
// the lookup index and the counter are owned exclusively by the evictor
// goroutine; every other goroutine communicates with them solely through
// the buffered touch queue, trading precise real-time capacity accounting
// for a hot path that never blocks on eviction bookkeeping.
type MRUTracker struct {
	queue chan mruTouch

	order *list.List
	index map[string]*list.Element

	capacity atomic.Int64
}

// NewMRUTracker returns a tracker with a queue sized for queueSize pending
// touches before Touch starts dropping.
func NewMRUTracker(queueSize int) *MRUTracker {
	return &MRUTracker{
		queue: make(chan mruTouch, queueSize),
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Touch schedules a recency update. It never blocks: under a full queue the
// touch is dropped. A dropped touch only delays that slot's eviction
// eligibility -- it can never cause a slot to be evicted early, since the
// evictor additionally guards every eviction on slot.num <= syncNum.
func (m *MRUTracker) Touch(table, key string, delta int64) {
	select {
	case m.queue <- mruTouch{table: table, key: key, delta: delta}:
	default:
	}
}

// Capacity returns the current resident-byte estimate.
func (m *MRUTracker) Capacity() int64 {
	return m.capacity.Load()
}

// Drain pulls up to max pending touches off the queue and applies them to
// the recency list and capacity counter. Must only be called from the
// evictor goroutine. Returns the number applied.
func (m *MRUTracker) Drain(max int) int {
	n := 0
	for n < max {
		select {
		case t := <-m.queue:
			m.apply(t)
			n++
		default:
			return n
		}
	}
	return n
}

func (m *MRUTracker) apply(t mruTouch) {
	k := indexKey(t.table, t.key)
	if el, ok := m.index[k]; ok {
		m.order.MoveToBack(el)
	} else {
		el := m.order.PushBack(mruEntry{table: t.table, key: t.key})
		m.index[k] = el
	}
	m.capacity.Add(t.delta)
}

// Front returns the oldest (table, key) pair without removing it.
func (m *MRUTracker) Front() (table, key string, ok bool) {
	el := m.order.Front()
	if el == nil {
		return "", "", false
	}
	e := el.Value.(mruEntry)
	return e.table, e.key, true
}

// RemoveFront removes and returns the oldest entry. The caller is
// responsible for adjusting the capacity counter separately, since the
// capacity freed by an eviction is the evicted slot's resident size, not
// whatever delta originally queued the touch.
func (m *MRUTracker) RemoveFront() (table, key string, ok bool) {
	el := m.order.Front()
	if el == nil {
		return "", "", false
	}
	e := el.Value.(mruEntry)
	m.order.Remove(el)
	delete(m.index, indexKey(e.table, e.key))
	return e.table, e.key, true
}

// AdjustCapacity applies a direct signed delta to the counter, bypassing
// the touch queue. Used by the evictor when it frees a slot's bytes.
func (m *MRUTracker) AdjustCapacity(delta int64) {
	m.capacity.Add(delta)
}

// Len reports how many (table, key) pairs are currently tracked.
func (m *MRUTracker) Len() int {
	return m.order.Len()
}
