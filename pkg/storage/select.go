package storage

import (
	"fmt"

	"github.com/cuemby/cachestore/pkg/metrics"
	"github.com/cuemby/cachestore/pkg/types"
)

// Select performs a consistent point read for (table, key), filtered by
// cond (nil matches everything). The returned entries are deep copies: the
// caller may mutate them freely without affecting the cache.
//
// On a miss it fills the slot from the backend under the slot's write lock,
// which serialises concurrent misses on the same key but never blocks
// misses on unrelated keys.
func (e *Engine) Select(hash string, num uint64, table *types.TableInfo, key string, cond *types.Condition) (types.Entries, error) {
	metrics.CacheQueriesTotal.Inc()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SelectDuration)

	slot, _ := e.idx().InsertOrGet(table, key)

	slot.RLock()
	if !slot.Empty() {
		out := slot.entries.Filter(cond)
		slot.RUnlock()
		metrics.CacheHitsTotal.Inc()
		e.mru.Touch(table.Name, key, 0)
		return out, nil
	}
	slot.RUnlock()

	slot.Lock()
	if slot.Empty() {
		backend := e.currentBackend()
		if backend == nil {
			slot.Unlock()
			return nil, backendRequiredError("storage: select")
		}
		fetched, err := backend.Select(hash, num, table, key, types.EqualsKey(table.KeyField, key))
		if err != nil {
			slot.Unlock()
			return nil, fmt.Errorf("storage: backend select for %s/%s: %w", table.Name, key, err)
		}
		fetched.SortByID()
		delta := slot.fill(fetched)
		e.idx().Restore(slot, table.Name, key)
		slot.Unlock()
		e.mru.Touch(table.Name, key, delta)
	} else {
		slot.Unlock()
		metrics.CacheHitsTotal.Inc()
		e.mru.Touch(table.Name, key, 0)
	}

	slot.RLock()
	out := slot.entries.Filter(cond)
	slot.RUnlock()
	return out, nil
}
