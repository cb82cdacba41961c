package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/cachestore/pkg/types"
)

// Sentinel errors returned by the engine and its backends. Callers compare
// against these with errors.Is; where the engine adds context it wraps them
// with %w, so that comparison still holds.
var (
	// ErrStorageDead is returned by Commit once a backend commit has failed
	// fatally (in the flusher, or synchronously in disabled mode), and by
	// any Commit on an engine that is not running. The engine does not
	// attempt to self-heal.
	ErrStorageDead = errors.New("storage: engine is dead, backend commit failed")

	// ErrBackendRequired is returned when Select or Commit needs to
	// miss-fill a slot but no backend has been attached.
	ErrBackendRequired = errors.New("storage: no backend attached")

	// ErrEntryNotFound is the fatal consistency error raised when a dirty
	// entry's id does not exist in its slot after miss-fill.
	ErrEntryNotFound = errors.New("storage: dirty entry id not found in cache slot")
)

// TableData is one table's worth of commit input: the entries that already
// exist and are being updated (Dirty, id != 0) and the entries awaiting id
// allocation (New, id == 0).
type TableData struct {
	Table *types.TableInfo
	Dirty types.Entries
	New   types.Entries
}

// BackendStorage is the durable key-value dependency the engine writes
// through to. It is the only external collaborator the engine depends on
// directly; everything else (RPC, transport, consensus) sits above it.
//
// Implementations must be safe for concurrent Select calls but may assume
// Commit calls arrive serially and in increasing block-number order -- the
// flusher is the only caller of Commit, except in disabled mode, where the
// engine's Commit calls it synchronously on the committing goroutine.
type BackendStorage interface {
	// Select performs a deterministic point read for one (table, key),
	// already narrowed by condition. It returns the backend's current
	// view of the row-group; the engine treats the result as authoritative
	// for everything the cache does not already hold.
	Select(hash string, num uint64, table *types.TableInfo, key string, cond *types.Condition) (types.Entries, error)

	// Commit durably writes every table's payload for one block. It either
	// fully succeeds or returns an error; there is no partial commit.
	Commit(hash string, num uint64, payload []TableData) error

	// OnlyDirty reports whether the backend accepts just the touched
	// entries per key (true) or requires the full row-group payload for
	// any key touched in a commit (false).
	OnlyDirty() bool
}

func backendRequiredError(op string) error {
	return fmt.Errorf("%s: %w", op, ErrBackendRequired)
}
