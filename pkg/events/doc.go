/*
Package events provides a lightweight pub/sub broker for observing the
cache storage engine's lifecycle from outside: commit acceptance, flush
completion, eviction sweeps, and shutdown.

The engine itself never blocks on a subscriber: Publish is best-effort per
subscriber channel, so a slow or absent consumer cannot stall the commit
pipeline or the flusher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			log.Info(string(ev.Type) + ": " + ev.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventFlushed, Message: "block 42"})
*/
package events
