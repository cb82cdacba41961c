/*
Package log provides structured logging for the cache storage engine using
zerolog.

A single global zerolog.Logger is configured once via Init, then scoped
per concern with the With* helpers: WithComponent for a subsystem
("flusher", "evictor", "commit"), WithTable for row-group context (there is
no key helper; add a key field with With().Str), and WithBlock for the
block number a commit or flush is operating on.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	flusherLog := log.WithComponent("flusher")
	flusherLog.Info().Uint64("block_num", num).Msg("flushed commit task")

	slotLog := log.WithTable("account").With().Str("key", "alice").Logger()
	slotLog.Debug().Msg("miss-filled slot from backend")
*/
package log
