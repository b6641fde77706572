/*
Package monitoring provides Prometheus metrics for the engine.

# Overview

Metrics cover the pane lifecycle (spawned, live, exited by terminal state),
byte throughput in both directions, security denials per check, backend call
latency and retries, protocol requests per transport, and event fan-out
(open subscriptions, events dropped for lagging subscribers).

Each Metrics value owns its registry, so several engines (or tests) can
coexist in one process. A nil *Metrics is valid and records nothing.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "create_pane")
	_, _, err := backend.CreatePane(ctx, sessionID, req)
	timer.Stop(err)

# Snapshot

Snapshot returns the headline values as a JSON-friendly struct; the protocol
layer returns it in the metrics response.
*/
package monitoring
