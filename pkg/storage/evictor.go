package storage

import (
	"time"

	"github.com/cuemby/cachestore/pkg/events"
	"github.com/cuemby/cachestore/pkg/metrics"
)

// runEvictor wakes every ClearInterval and trims row-groups already
// persisted (num <= syncNum) until resident capacity is back at or below
// MaxCapacityBytes. It owns the MRU list and capacity counter exclusively;
// every other goroutine only ever reaches them through the touch queue.
func (e *Engine) runEvictor() {
	defer e.wg.Done()

	cfg := e.config()
	ticker := time.NewTicker(cfg.ClearInterval)
	defer ticker.Stop()

	logger := e.logger.With().Str("worker", "evictor").Logger()
	logger.Info().Dur("interval", cfg.ClearInterval).Msg("evictor started")

	for {
		select {
		case <-ticker.C:
			e.evictionSweep()
		case <-e.stopCh:
			logger.Info().Msg("evictor stopped")
			return
		}
	}
}

func (e *Engine) evictionSweep() {
	cfg := e.config()
	e.mru.Drain(cfg.MaxPopMRU)
	metrics.CachedSlots.Set(float64(e.idx().Size()))
	metrics.EvictionSweepsTotal.Inc()

	if e.syncNum.Load() == 0 {
		return
	}

	for e.mru.Capacity() > cfg.MaxCapacityBytes && e.mru.Len() > 0 {
		table, key, ok := e.mru.Front()
		if !ok {
			return
		}
		if !e.tryEvict(table, key) {
			// head is younger than syncNum: it is the conservative
			// frontier, nothing further back can be evicted either.
			return
		}
	}

	metrics.CapacityBytes.Set(float64(e.mru.Capacity()))
	metrics.CachedSlots.Set(float64(e.idx().Size()))
}

// tryEvict attempts to evict the slot at (table, key), which must be the
// current MRU head. It returns false when the sweep must stop: either the
// slot is too new to drop, or it is momentarily contended and the sweep
// will retry it on a later pass.
func (e *Engine) tryEvict(table, key string) bool {
	slot, ok := e.idx().Get(table, key)
	if !ok {
		// Already gone (evicted or never filled); drop the stale MRU
		// head and let the sweep continue from the next entry.
		e.mru.RemoveFront()
		return true
	}
	if !slot.TryLock() {
		// Contended: leave MRU order untouched and let the next sweep
		// retry, rather than skip ahead and risk evicting out of order.
		return false
	}
	defer slot.Unlock()

	if slot.Num() > e.syncNum.Load() {
		return false
	}

	freed := slot.Capacity()
	slot.empty = true
	e.idx().Erase(table, key)
	e.mru.RemoveFront()
	e.mru.AdjustCapacity(-freed)

	metrics.EvictionsTotal.Inc()
	e.broker.Publish(&events.Event{Type: events.EventEvicted, Message: table + "/" + key})
	return true
}
