package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/cachestore/pkg/events"
	"github.com/cuemby/cachestore/pkg/log"
	"github.com/cuemby/cachestore/pkg/metrics"
	"github.com/cuemby/cachestore/pkg/types"
)

// commitTask is one block's worth of durable write work, queued from the
// commit pipeline's Phase B to the flusher.
type commitTask struct {
	hash    string
	num     uint64
	payload []TableData
}

// Engine is the write-through caching storage engine: a concurrent cache
// index in front of a BackendStorage, a commit pipeline that writes through
// it, a flusher that drains commits asynchronously, and an evictor that
// bounds resident size. It is the single type collaborators above this
// package (the block verifier, the transaction-level caching layer) talk
// to, matching the exposed storage contract: select, commit, setBackend,
// init, stop, setMaxCapacity, setMaxForwardBlock, syncNum, ID.
type Engine struct {
	id string

	cfgMu sync.RWMutex
	cfg   Config

	backendMu sync.RWMutex
	backend   BackendStorage

	indexMu sync.RWMutex
	index   *CacheIndex
	mru     *MRUTracker

	globalID  atomic.Uint64
	commitNum atomic.Uint64
	syncNum   atomic.Uint64

	running atomic.Bool

	flushCh    chan commitTask
	shutdownCh chan error

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	logger zerolog.Logger
	broker *events.Broker
}

// NewEngine constructs an engine with the given tunables. The returned
// engine is not yet running -- call Init followed by Start (or SetBackend
// then Start, if the backend is not available at construction time).
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		id:         uuid.NewString(),
		cfg:        cfg,
		index:      NewCacheIndex(),
		mru:        NewMRUTracker(cfg.MaxPopMRU * 4),
		flushCh:    make(chan commitTask, 64),
		shutdownCh: make(chan error, 1),
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("storage-engine"),
		broker:     events.NewBroker(),
	}
	return e
}

// ID returns the engine's opaque instance identifier.
func (e *Engine) ID() string {
	return e.id
}

// Events returns the engine's lifecycle event broker. The engine starts it
// in Start and stops it in Stop; callers that want to observe commits,
// flushes, evictions and shutdown only Subscribe to it.
func (e *Engine) Events() *events.Broker {
	return e.broker
}

// SetBackend attaches (or replaces) the durable backend. Must be called
// before Init.
func (e *Engine) SetBackend(b BackendStorage) {
	e.backendMu.Lock()
	e.backend = b
	e.backendMu.Unlock()
	metrics.RegisterComponent("backend", b != nil, "attached")
}

func (e *Engine) currentBackend() BackendStorage {
	e.backendMu.RLock()
	defer e.backendMu.RUnlock()
	return e.backend
}

// SetMaxCapacity adjusts the evictor's resident-byte bound at runtime.
func (e *Engine) SetMaxCapacity(bytes int64) {
	e.cfgMu.Lock()
	e.cfg.MaxCapacityBytes = bytes
	e.cfgMu.Unlock()
}

// SetMaxForwardBlock adjusts the producer/flusher backpressure bound at
// runtime.
func (e *Engine) SetMaxForwardBlock(n uint64) {
	e.cfgMu.Lock()
	e.cfg.MaxForwardBlock = n
	e.cfgMu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Disabled reports whether the engine is in the degenerate synchronous
// commit configuration (both bounds zero).
func (e *Engine) Disabled() bool {
	return e.config().Disabled()
}

// CommitNum returns the highest block number accepted by the commit
// pipeline.
func (e *Engine) CommitNum() uint64 {
	return e.commitNum.Load()
}

// SyncNum returns the highest block number the flusher has durably
// written.
func (e *Engine) SyncNum() uint64 {
	return e.syncNum.Load()
}

// ShutdownSignal returns a channel that receives exactly one fatal error
// if the engine is ever forced to stop by a backend failure. Collaborators
// should select on this alongside their own work loops.
func (e *Engine) ShutdownSignal() <-chan error {
	return e.shutdownCh
}

// Init recovers the monotonic id allocator from the system row and must
// complete before any commit is accepted.
func (e *Engine) Init() error {
	backend := e.currentBackend()
	if backend == nil {
		return backendRequiredError("storage: init")
	}

	sysTable := types.NewTableInfo(types.SysTable, types.SysKeyField, types.SysValueField)
	entries, err := backend.Select("", 0, sysTable, types.SysCurrentIDKey, types.EqualsKey(types.SysKeyField, types.SysCurrentIDKey))
	if err != nil {
		return fmt.Errorf("storage: recovering monotonic id: %w", err)
	}

	var recovered uint64
	for _, entry := range entries {
		if v, ok := entry.Get(types.SysValueField); ok {
			n, ok := parseUint(v)
			if ok {
				recovered = n
			}
		}
	}
	e.globalID.Store(recovered)
	e.logger.Info().Uint64("global_id", recovered).Msg("recovered monotonic id from system row")
	return nil
}

// Start begins the flusher and, when the engine is not disabled, the
// evictor.
func (e *Engine) Start() {
	e.running.Store(true)
	e.broker.Start()

	e.wg.Add(1)
	go e.runFlusher()
	metrics.RegisterComponent("flusher", true, "running")

	if !e.Disabled() {
		e.wg.Add(1)
		go e.runEvictor()
		metrics.RegisterComponent("evictor", true, "running")
	} else {
		metrics.RegisterComponent("evictor", true, "disabled, synchronous commit mode")
	}
}

// Stop is idempotent. It signals every worker not-running, closes stopCh so
// the flusher and evictor exit at their next quiescent point, and waits for
// both to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopCh)
		e.wg.Wait()
		metrics.RegisterComponent("flusher", false, "stopped")
		metrics.RegisterComponent("evictor", false, "stopped")
		e.broker.Publish(&events.Event{Type: events.EventShutdown, Message: "engine stopped"})
		e.broker.Stop()
	})
}

func (e *Engine) isRunning() bool {
	return e.running.Load()
}

func (e *Engine) fail(err error) {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	metrics.FlushFailuresTotal.Inc()
	metrics.RegisterComponent("backend", false, err.Error())
	e.logger.Error().Err(err).Msg("backend failure, engine entering dead state")
	select {
	case e.shutdownCh <- err:
	default:
	}
	e.broker.Publish(&events.Event{Type: events.EventFlushFailed, Message: err.Error()})
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
