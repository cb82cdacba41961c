package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/cachestore/pkg/types"
)

func TestBoltBackendCommitThenSelectRoundTrips(t *testing.T) {
	backend, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	table := accountsTable()
	entry := types.NewEntry()
	entry.ID = 1
	entry.Num = 1
	entry.Set("account", "alice")
	entry.Set("balance", "10")

	err = backend.Commit("hash-1", 1, []TableData{
		{Table: table, Dirty: types.Entries{entry}},
	})
	require.NoError(t, err)

	got, err := backend.Select("hash-1", 1, table, "alice", types.EqualsKey("account", "alice"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].ID)
	v, _ := got[0].Get("balance")
	require.Equal(t, "10", v)
}

func TestBoltBackendCommitMergesByID(t *testing.T) {
	backend, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	table := accountsTable()

	e1 := types.NewEntry()
	e1.ID = 1
	e1.Set("account", "alice")
	e1.Set("balance", "10")
	require.NoError(t, backend.Commit("h1", 1, []TableData{{Table: table, Dirty: types.Entries{e1}}}))

	e1Updated := types.NewEntry()
	e1Updated.ID = 1
	e1Updated.Set("account", "alice")
	e1Updated.Set("balance", "20")
	e2 := types.NewEntry()
	e2.ID = 2
	e2.Set("account", "alice")
	e2.Set("balance", "30")
	require.NoError(t, backend.Commit("h2", 2, []TableData{{Table: table, Dirty: types.Entries{e1Updated, e2}}}))

	got, err := backend.Select("h2", 2, table, "alice", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	v, _ := got[0].Get("balance")
	require.Equal(t, "20", v)
	require.Equal(t, uint64(2), got[1].ID)
}

func TestBoltBackendSelectOnMissingKeyReturnsEmpty(t *testing.T) {
	backend, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	got, err := backend.Select("h", 1, accountsTable(), "nobody", nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBoltBackendOnlyDirtyIsTrue(t *testing.T) {
	backend, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	require.True(t, backend.OnlyDirty())
}
