/*
Package metrics provides Prometheus metrics collection and exposition for
the cache storage engine.

Metrics track the watermarks and pressure the engine's invariants are
defined in terms of: commitNum, syncNum, resident capacity, eviction and
backpressure activity, and flush latency. Handler() exposes them over HTTP
for scraping.

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	err := backend.Commit(hash, num, payload)
	timer.ObserveDuration(metrics.FlushDuration)
*/
package metrics
