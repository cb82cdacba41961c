package storage

import (
	"sync"

	"github.com/cuemby/cachestore/pkg/types"
)

// Slot is the cache row-group for one (table, key) pair: its entries list,
// its own RW lock, the highest block number among its entries, and an
// empty flag. While empty is false the entries list is authoritative -- it
// reflects everything the backend holds plus any not-yet-flushed updates.
// While empty is true the slot is a placeholder reserved under the cache
// index's lock but carries no data yet.
//
// Every exported accessor below assumes the caller already holds the
// appropriate side of mu; Slot is a leaf type shared only within this
// package so lock discipline is enforced by the callers in commit.go,
// select.go and evictor.go rather than by the type itself.
type Slot struct {
	mu    sync.RWMutex
	table *types.TableInfo
	key   string

	entries types.Entries
	num     uint64
	empty   bool
}

func newSlot(table *types.TableInfo, key string) *Slot {
	return &Slot{table: table, key: key, empty: true}
}

// Lock/Unlock/RLock/RUnlock expose the slot's RW lock to collaborators in
// this package without re-exposing the entries list itself.
func (s *Slot) Lock()    { s.mu.Lock() }
func (s *Slot) Unlock()  { s.mu.Unlock() }
func (s *Slot) RLock()   { s.mu.RLock() }
func (s *Slot) RUnlock() { s.mu.RUnlock() }

// TryLock attempts to acquire the write lock without blocking.
func (s *Slot) TryLock() bool { return s.mu.TryLock() }

// Empty reports the slot's liveness flag. Caller must hold a read or write
// lock.
func (s *Slot) Empty() bool { return s.empty }

// Num returns the slot's watermark: max(entry.Num) across its entries.
// Caller must hold a read or write lock.
func (s *Slot) Num() uint64 { return s.num }

// Capacity sums the byte cost of every entry currently resident. Caller
// must hold a read or write lock.
func (s *Slot) Capacity() int64 { return s.entries.TotalCapacity() }

// fill populates an empty slot from a backend read. Caller must hold the
// write lock. Returns the capacity of the newly resident entries, used by
// the caller to schedule the initial MRU touch.
func (s *Slot) fill(entries types.Entries) int64 {
	s.entries = entries
	s.empty = false
	s.recomputeNum()
	return s.entries.TotalCapacity()
}

// recomputeNum restores the slot.num = max(entry.num) invariant. Caller
// must hold the write lock.
func (s *Slot) recomputeNum() {
	var max uint64
	for _, e := range s.entries {
		if e.Num > max {
			max = e.Num
		}
	}
	s.num = max
}

// applyDirty overwrites the matched entry's fields, status and num in
// place, keeping the slot sorted and the id-uniqueness invariant intact. It
// returns the signed capacity delta (new size - old size) and a deep copy
// of the updated entry for the outgoing commit payload. Caller must hold
// the write lock.
func (s *Slot) applyDirty(dirty *types.Entry, blockNum uint64) (delta int64, published *types.Entry, err error) {
	i, ok := s.entries.SearchByID(dirty.ID)
	if !ok {
		return 0, nil, ErrEntryNotFound
	}
	existing := s.entries[i]
	before := existing.Capacity()

	for k, v := range dirty.Fields {
		existing.Set(k, v)
	}
	existing.Status = dirty.Status
	existing.Num = blockNum

	after := existing.Capacity()
	if blockNum > s.num {
		s.num = blockNum
	}
	return after - before, existing.Clone(), nil
}

// appendNew inserts a freshly id-allocated entry into the slot, keeping the
// list sorted by id. Caller must hold the write lock.
func (s *Slot) appendNew(e *types.Entry) {
	s.entries = append(s.entries, e)
	s.entries.SortByID()
	if e.Num > s.num {
		s.num = e.Num
	}
}

// snapshotExcept returns deep copies of every entry in the slot other than
// the one with skipID, used when the backend requires full-row-group
// payloads. Caller must hold at least the read lock.
func (s *Slot) snapshotExcept(skipID uint64) types.Entries {
	out := make(types.Entries, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ID == skipID {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// CacheIndex is the concurrent mapping from table-name ∥ "_" ∥ key to a
// shared Slot. The lock it owns is held only for the map mutation itself;
// slots carry their own locks for everything else.
type CacheIndex struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewCacheIndex returns an empty index.
func NewCacheIndex() *CacheIndex {
	return &CacheIndex{slots: make(map[string]*Slot)}
}

func indexKey(table, key string) string {
	return table + "_" + key
}

// InsertOrGet returns the slot for (table, key), creating and inserting one
// if absent. The second return value reports whether this call created it.
func (ci *CacheIndex) InsertOrGet(table *types.TableInfo, key string) (*Slot, bool) {
	idx := indexKey(table.Name, key)

	ci.mu.RLock()
	if s, ok := ci.slots[idx]; ok {
		ci.mu.RUnlock()
		return s, false
	}
	ci.mu.RUnlock()

	ci.mu.Lock()
	defer ci.mu.Unlock()
	if s, ok := ci.slots[idx]; ok {
		return s, false
	}
	s := newSlot(table, key)
	ci.slots[idx] = s
	return s, true
}

// Get looks up an existing slot without creating one. Used by the evictor,
// which only ever acts on (table, key) pairs the MRU tracker already knows
// about.
func (ci *CacheIndex) Get(table, key string) (*Slot, bool) {
	idx := indexKey(table, key)
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	s, ok := ci.slots[idx]
	return s, ok
}

// Erase removes the (table, key) mapping. It does not touch the slot
// object itself -- any goroutine already holding a pointer to it keeps
// working with it until it releases the lock.
func (ci *CacheIndex) Erase(table, key string) {
	idx := indexKey(table, key)
	ci.mu.Lock()
	delete(ci.slots, idx)
	ci.mu.Unlock()
}

// Restore re-inserts a slot that a concurrent evictor pass erased out from
// under a committer that was about to fill it. If the index already holds
// a different slot object for the same key, that is a fatal invariant
// violation: two divergent slot objects for one row-group can never be
// reconciled safely, so this panics rather than silently picking one.
func (ci *CacheIndex) Restore(slot *Slot, table, key string) {
	idx := indexKey(table, key)
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if existing, ok := ci.slots[idx]; ok {
		if existing != slot {
			panic("storage: slot identity mismatch restoring " + idx)
		}
		return
	}
	ci.slots[idx] = slot
}

// Size returns the number of resident slots.
func (ci *CacheIndex) Size() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.slots)
}
