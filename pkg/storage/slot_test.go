package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cachestore/pkg/types"
)

func accountsTable() *types.TableInfo {
	return types.NewTableInfo("accounts", "account", "balance")
}

func TestSlotFillSetsNumAndEmpty(t *testing.T) {
	s := newSlot(accountsTable(), "alice")
	assert.True(t, s.Empty())

	e1 := types.NewEntry()
	e1.ID = 1
	e1.Num = 3
	e2 := types.NewEntry()
	e2.ID = 2
	e2.Num = 5

	delta := s.fill(types.Entries{e1, e2})
	assert.False(t, s.Empty())
	assert.Equal(t, uint64(5), s.Num())
	assert.Equal(t, e1.Capacity()+e2.Capacity(), delta)
}

func TestSlotApplyDirtyOverwritesAndReportsDelta(t *testing.T) {
	s := newSlot(accountsTable(), "alice")
	e1 := types.NewEntry()
	e1.ID = 1
	e1.Num = 1
	e1.Set("balance", "10")
	s.fill(types.Entries{e1})

	dirty := types.NewEntry()
	dirty.ID = 1
	dirty.Set("balance", "1000")

	delta, published, err := s.applyDirty(dirty, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Num())
	assert.Equal(t, "1000", published.Fields["balance"])
	assert.Equal(t, uint64(2), published.Num)

	v, _ := s.entries[0].Get("balance")
	assert.Equal(t, "1000", v)
	assert.Equal(t, int64(2), delta) // "balance"+"10" (9 bytes) -> "balance"+"1000" (11 bytes)
}

func TestSlotApplyDirtyMissingIDIsFatal(t *testing.T) {
	s := newSlot(accountsTable(), "alice")
	e1 := types.NewEntry()
	e1.ID = 1
	s.fill(types.Entries{e1})

	dirty := types.NewEntry()
	dirty.ID = 99

	_, _, err := s.applyDirty(dirty, 2)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSlotAppendNewKeepsEntriesSorted(t *testing.T) {
	s := newSlot(accountsTable(), "alice")
	s.fill(types.Entries{})

	e2 := types.NewEntry()
	e2.ID = 2
	e1 := types.NewEntry()
	e1.ID = 1

	s.appendNew(e2)
	s.appendNew(e1)

	require.Len(t, s.entries, 2)
	assert.Equal(t, uint64(1), s.entries[0].ID)
	assert.Equal(t, uint64(2), s.entries[1].ID)
}

func TestSlotSnapshotExceptExcludesGivenID(t *testing.T) {
	s := newSlot(accountsTable(), "alice")
	e1 := types.NewEntry()
	e1.ID = 1
	e2 := types.NewEntry()
	e2.ID = 2
	s.fill(types.Entries{e1, e2})

	snap := s.snapshotExcept(1)
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].ID)
	// Must be a deep copy, not an alias into the slot's own list.
	snap[0].Set("balance", "mutated")
	v, _ := s.entries[1].Get("balance")
	assert.NotEqual(t, "mutated", v)
}

func TestCacheIndexInsertOrGetIsIdempotent(t *testing.T) {
	ci := NewCacheIndex()
	table := accountsTable()

	s1, created1 := ci.InsertOrGet(table, "alice")
	s2, created2 := ci.InsertOrGet(table, "alice")

	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, ci.Size())
}

func TestCacheIndexEraseAndRestore(t *testing.T) {
	ci := NewCacheIndex()
	table := accountsTable()

	s, _ := ci.InsertOrGet(table, "alice")
	ci.Erase(table.Name, "alice")
	assert.Equal(t, 0, ci.Size())

	_, ok := ci.Get(table.Name, "alice")
	assert.False(t, ok)

	ci.Restore(s, table.Name, "alice")
	got, ok := ci.Get(table.Name, "alice")
	assert.True(t, ok)
	assert.Same(t, s, got)
}

func TestCacheIndexRestoreIdentityMismatchPanics(t *testing.T) {
	ci := NewCacheIndex()
	table := accountsTable()

	other := newSlot(table, "alice")
	ci.InsertOrGet(table, "alice")

	assert.Panics(t, func() {
		ci.Restore(other, table.Name, "alice")
	})
}
