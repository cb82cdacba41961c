package storage

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/cachestore/pkg/events"
	"github.com/cuemby/cachestore/pkg/metrics"
	"github.com/cuemby/cachestore/pkg/types"
)

// tableBuild accumulates one table's outgoing commit payload across
// concurrent goroutines during Phase A.
type tableBuild struct {
	mu      sync.Mutex
	table   *types.TableInfo
	entries types.Entries
	touched map[string]bool
}

func newTableBuild(table *types.TableInfo) *tableBuild {
	return &tableBuild{table: table, touched: make(map[string]bool)}
}

func (b *tableBuild) append(entries ...*types.Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, entries...)
	b.mu.Unlock()
}

// firstTouch reports whether key has not yet been recorded as touched in
// this commit, marking it touched as a side effect.
func (b *tableBuild) firstTouch(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.touched[key] {
		return false
	}
	b.touched[key] = true
	return true
}

func (b *tableBuild) payload() TableData {
	b.mu.Lock()
	defer b.mu.Unlock()
	sorted := b.entries.Clone()
	sortByKeyThenID(sorted, b.table.KeyField)
	return TableData{Table: b.table, Dirty: sorted}
}

func sortByKeyThenID(entries types.Entries, keyField string) {
	// insertion sort is adequate: per-commit payloads are small relative
	// to total cache size, and the comparator needs the table's key field.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			ak, _ := a.Get(keyField)
			bk, _ := b.Get(keyField)
			if ak < bk || (ak == bk && a.ID <= b.ID) {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Commit accepts one block's worth of row mutations. Phase A prepares the
// outgoing backend payload in parallel over tables and, within a table,
// over dirty entries. Phase B runs single-threaded: it allocates ids for
// new entries, publishes everything into the cache, synthesizes the
// system row, advances commitNum and hands the task to the flusher.
//
// When the engine is not running (before Start, after Stop, or after a
// fatal backend failure) Commit returns ErrStorageDead without touching the
// cache.
func (e *Engine) Commit(hash string, num uint64, tableDatas []TableData) (int, error) {
	if !e.isRunning() {
		return 0, ErrStorageDead
	}
	cfg := e.config()

	timer := metrics.NewTimer()
	builds, total, err := e.prepare(hash, num, tableDatas)
	timer.ObserveDuration(metrics.CommitPrepareDuration)
	if err != nil {
		return 0, err
	}

	payload, newCount := e.publish(hash, num, tableDatas, builds)
	total += newCount

	metrics.CommitsTotal.Inc()
	metrics.CommitEntriesTotal.Add(float64(total))
	e.commitNum.Store(num)
	metrics.CommitNum.Set(float64(num))
	e.broker.Publish(&events.Event{Type: events.EventCommitAccepted, BlockNum: num})

	if cfg.Disabled() {
		backend := e.currentBackend()
		if backend == nil {
			return total, backendRequiredError("storage: synchronous commit")
		}
		if err := backend.Commit(hash, num, payload); err != nil {
			e.fail(err)
			return total, fmt.Errorf("storage: synchronous commit of block %d: %w", num, ErrStorageDead)
		}
		e.syncNum.Store(num)
		metrics.SyncNum.Set(float64(num))
		e.resetIndex()
		return total, nil
	}

	task := commitTask{hash: hash, num: num, payload: payload}
	select {
	case e.flushCh <- task:
	case <-e.stopCh:
		return total, ErrStorageDead
	}

	e.awaitBackpressure(cfg.MaxForwardBlock)
	return total, nil
}

// prepare runs Phase A: parallel over tables, and within each table,
// parallel over dirty entries.
func (e *Engine) prepare(hash string, num uint64, tableDatas []TableData) ([]*tableBuild, int, error) {
	backend := e.currentBackend()
	onlyDirty := backend == nil || backend.OnlyDirty()

	builds := make([]*tableBuild, len(tableDatas))
	errs := make([]error, len(tableDatas))
	total := 0

	var tablesWG sync.WaitGroup
	for i, td := range tableDatas {
		i, td := i, td
		build := newTableBuild(td.Table)
		builds[i] = build
		total += len(td.Dirty)

		tablesWG.Add(1)
		go func() {
			defer tablesWG.Done()

			var entriesWG sync.WaitGroup
			var firstErr error
			var errMu sync.Mutex

			for _, dirty := range td.Dirty {
				dirty := dirty
				entriesWG.Add(1)
				go func() {
					defer entriesWG.Done()
					if err := e.prepareDirty(hash, num, td.Table, dirty, build, onlyDirty); err != nil {
						errMu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						errMu.Unlock()
					}
				}()
			}
			entriesWG.Wait()
			errs[i] = firstErr
		}()
	}
	tablesWG.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, 0, err
		}
	}
	return builds, total, nil
}

func (e *Engine) prepareDirty(hash string, num uint64, table *types.TableInfo, dirty *types.Entry, build *tableBuild, onlyDirty bool) error {
	if dirty.ID == 0 {
		panic(fmt.Sprintf("storage: dirty entry for table %s has id = 0", table.Name))
	}
	key, ok := dirty.Get(table.KeyField)
	if !ok {
		panic(fmt.Sprintf("storage: dirty entry for table %s missing key field %s", table.Name, table.KeyField))
	}

	slot, _ := e.idx().InsertOrGet(table, key)
	if err := e.ensureFilled(slot, hash, num, table, key); err != nil {
		return err
	}

	slot.Lock()
	delta, published, err := slot.applyDirty(dirty, num)
	if err != nil {
		slot.Unlock()
		panic(fmt.Sprintf("storage: dirty entry id=%d not found in cache for %s/%s: %v", dirty.ID, table.Name, key, err))
	}
	var snapshot types.Entries
	if !onlyDirty && build.firstTouch(key) {
		snapshot = slot.snapshotExcept(published.ID)
	}
	slot.Unlock()

	e.mru.Touch(table.Name, key, delta)
	build.append(published)
	if len(snapshot) > 0 {
		build.append(snapshot...)
	}
	return nil
}

// ensureFilled miss-fills slot from the backend if it is still empty. It
// takes no lock on entry and holds the slot's write lock only for the
// duration of the backend call and the fill itself.
func (e *Engine) ensureFilled(slot *Slot, hash string, num uint64, table *types.TableInfo, key string) error {
	slot.RLock()
	empty := slot.Empty()
	slot.RUnlock()
	if !empty {
		return nil
	}

	slot.Lock()
	defer slot.Unlock()
	if !slot.Empty() {
		return nil
	}
	backend := e.currentBackend()
	if backend == nil {
		return backendRequiredError("storage: commit miss-fill")
	}
	fetched, err := backend.Select(hash, num, table, key, types.EqualsKey(table.KeyField, key))
	if err != nil {
		return fmt.Errorf("storage: backend select for %s/%s: %w", table.Name, key, err)
	}
	fetched.SortByID()
	delta := slot.fill(fetched)
	e.idx().Restore(slot, table.Name, key)
	e.mru.Touch(table.Name, key, delta)
	return nil
}

// publish runs Phase B: serial id allocation and cache population for new
// entries, then synthesizes the system row. It returns the final backend
// payload (Phase A's dirty-plus-snapshot entries, extended with newly
// allocated entries and the system row) and the count of new entries
// processed.
func (e *Engine) publish(hash string, num uint64, tableDatas []TableData, builds []*tableBuild) ([]TableData, int) {
	newCount := 0

	for i, td := range tableDatas {
		build := builds[i]
		for _, fresh := range td.New {
			e.publishNew(hash, num, td.Table, fresh)
			build.append(fresh)
			newCount++
		}
	}

	payload := make([]TableData, 0, len(builds)+1)
	for _, build := range builds {
		payload = append(payload, build.payload())
	}
	payload = append(payload, e.synthesizeSystemRow(num))
	return payload, newCount
}

func (e *Engine) publishNew(hash string, num uint64, table *types.TableInfo, fresh *types.Entry) {
	fresh.ID = e.globalID.Add(1)
	fresh.Num = num

	key, ok := fresh.Get(table.KeyField)
	if !ok {
		panic(fmt.Sprintf("storage: new entry for table %s missing key field %s", table.Name, table.KeyField))
	}

	slot, _ := e.idx().InsertOrGet(table, key)
	slot.Lock()
	if fresh.Force {
		if slot.Empty() {
			slot.fill(types.Entries{})
		}
	} else if slot.Empty() {
		backend := e.currentBackend()
		if backend != nil {
			if fetched, err := backend.Select(hash, num, table, key, types.EqualsKey(table.KeyField, key)); err == nil {
				fetched.SortByID()
				slot.fill(fetched)
			}
		} else {
			slot.fill(types.Entries{})
		}
	}
	slot.appendNew(fresh.Clone())
	e.idx().Restore(slot, table.Name, key)
	slot.Unlock()

	e.mru.Touch(table.Name, key, fresh.Capacity())
}

// synthesizeSystemRow writes the current global id to the reserved system
// table and returns it as an extra table payload entry. The system row's
// id is the global id value itself: stable, monotonic, and unique except
// when a block allocates no new entries, in which case the value (and so
// the id) is unchanged from the previous commit -- an idempotent overwrite.
func (e *Engine) synthesizeSystemRow(num uint64) TableData {
	sysTable := types.NewTableInfo(types.SysTable, types.SysKeyField, types.SysValueField)
	id := e.globalID.Load()

	sysEntry := types.NewEntry()
	sysEntry.Set(types.SysKeyField, types.SysCurrentIDKey)
	sysEntry.Set(types.SysValueField, strconv.FormatUint(id, 10))
	sysEntry.ID = id
	sysEntry.Num = num

	slot, _ := e.idx().InsertOrGet(sysTable, types.SysCurrentIDKey)
	slot.Lock()
	if slot.Empty() {
		slot.fill(types.Entries{})
	}
	if i, ok := slot.entries.SearchByID(id); ok {
		slot.entries[i].Set(types.SysValueField, strconv.FormatUint(id, 10))
		slot.entries[i].Num = num
	} else {
		slot.appendNew(sysEntry.Clone())
	}
	slot.Unlock()

	return TableData{Table: sysTable, Dirty: types.Entries{sysEntry}}
}

func (e *Engine) resetIndex() {
	e.indexMu.Lock()
	e.index = NewCacheIndex()
	e.indexMu.Unlock()
}

func (e *Engine) idx() *CacheIndex {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	return e.index
}

// awaitBackpressure blocks the committer while commitNum - syncNum exceeds
// maxForwardBlock: a short spin phase followed by sleeps that double up to
// a 5s cap. It returns early if the engine stops.
func (e *Engine) awaitBackpressure(maxForwardBlock uint64) {
	if !e.overForwardLimit(maxForwardBlock) {
		return
	}

	e.broker.Publish(&events.Event{Type: events.EventBackpressure})
	metrics.BackpressureStallsTotal.Inc()

	for spins := 0; spins < 64 && e.overForwardLimit(maxForwardBlock); spins++ {
		if !e.isRunning() {
			return
		}
		runtime.Gosched()
	}

	sleep := time.Millisecond
	const sleepCap = 5 * time.Second
	for e.overForwardLimit(maxForwardBlock) {
		if !e.isRunning() {
			return
		}
		select {
		case <-time.After(sleep):
		case <-e.stopCh:
			return
		}
		if sleep < sleepCap {
			sleep *= 2
			if sleep > sleepCap {
				sleep = sleepCap
			}
		}
	}
}

func (e *Engine) overForwardLimit(maxForwardBlock uint64) bool {
	return e.commitNum.Load()-e.syncNum.Load() > maxForwardBlock
}
