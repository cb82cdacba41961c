package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/cachestore/pkg/events"
	"github.com/cuemby/cachestore/pkg/metrics"
)

// runFlusher is the single FIFO consumer of commit tasks. It never holds a
// slot lock: by the time a task reaches here, Phase B has already finished
// publishing it into the cache. A backend.Commit failure is non-recoverable
// at this layer -- the flusher stops and raises the fatal shutdown signal.
func (e *Engine) runFlusher() {
	defer e.wg.Done()
	logger := e.logger.With().Str("worker", "flusher").Logger()

	for {
		select {
		case task := <-e.flushCh:
			if !e.flushOne(task, logger) {
				return
			}
		case <-e.stopCh:
			return
		}
	}
}

// flushOne commits one task to the backend. It returns false when the
// engine should stop: no backend is attached or backend.Commit failed.
func (e *Engine) flushOne(task commitTask, logger zerolog.Logger) bool {
	backend := e.currentBackend()
	if backend == nil {
		e.fail(backendRequiredError("storage: flusher"))
		return false
	}

	timer := metrics.NewTimer()
	err := backend.Commit(task.hash, task.num, task.payload)
	timer.ObserveDuration(metrics.FlushDuration)

	if err != nil {
		e.fail(fmt.Errorf("storage: flusher commit of block %d: %w", task.num, err))
		return false
	}

	e.syncNum.Store(task.num)
	metrics.SyncNum.Set(float64(task.num))
	metrics.ForwardDistance.Set(float64(e.commitNum.Load() - task.num))
	logger.Debug().Uint64("block_num", task.num).Msg("flushed commit task")
	e.broker.Publish(&events.Event{Type: events.EventFlushed, BlockNum: task.num, Message: "flushed"})
	return true
}
