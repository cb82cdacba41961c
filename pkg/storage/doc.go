/*
Package storage implements the write-through, bounded-capacity caching
engine that sits between an in-memory state layer and a durable key-value
backend. It serves consistent point reads by (table, key), accepts
batched per-block commits that mutate row-groups atomically, and
asynchronously flushes committed batches to the backend while bounding
both the number of in-flight (committed-but-unflushed) blocks and the
resident cache footprint.

# Core components

Slot and CacheIndex (slot.go): the concurrent hash index of row-groups. A
Slot owns its own RW lock; the index lock is held only for map mutation.

MRUTracker (mru.go): a doubly-linked recency order plus an atomic capacity
counter, mutated only by the evictor goroutine. Every other goroutine
reaches it exclusively through a buffered, best-effort touch queue --
losing a touch under extreme load delays eviction but never causes an
eviction that violates the num <= syncNum invariant.

Commit pipeline (commit.go): Phase A prepares the outgoing backend payload
in parallel over tables and, within a table, over dirty entries; Phase B
runs single-threaded, allocating ids for new entries, publishing into the
cache, synthesizing the system row and handing the block to the flusher.
A committer that outruns the flusher by more than maxForwardBlock blocks
in awaitBackpressure.

Flusher (flusher.go): the single consumer of commit tasks. A backend
failure here is fatal: the engine transitions to not-running and a
shutdown signal is raised.

Evictor (evictor.go): wakes on a ticker, drains the MRU touch queue, and
walks the MRU head evicting row-groups already durably flushed until
resident capacity is back at or below the configured bound.

BoltBackend (boltdb.go): the reference BackendStorage implementation, a
bucket-per-table bbolt layout. Any other implementation of the three-method
BackendStorage contract works equally well; the engine never depends on
bbolt directly outside this one adapter.

# Usage

	engine := storage.NewEngine(storage.DefaultConfig())
	engine.SetBackend(backend)
	if err := engine.Init(); err != nil {
		log.Fatal(err)
	}
	engine.Start()
	defer engine.Stop()

	entries, err := engine.Select(hash, num, accounts, "alice", nil)

	n, err := engine.Commit(hash, num, []storage.TableData{
		{Table: accounts, Dirty: dirty, New: fresh},
	})

# Invariants

commitNum never decreases and is always >= syncNum; syncNum advances
monotonically; commitNum - syncNum never exceeds maxForwardBlock while
caching is enabled; a cached slot's entries are always sorted by id with
no duplicates; a slot with num > syncNum is never erased; the global id
is strictly increasing across the engine's lifetime, recovered from the
system row on restart.
*/
package storage
