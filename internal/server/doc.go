// Package server provides the HTTP gateway of the engine.
//
// Routes:
//   - GET  /          service name and schema version
//   - GET  /health    liveness plus active session and pane counts
//   - GET  /metrics   Prometheus exposition
//   - GET  /ws        WebSocket upgrade, full protocol with subscriptions
//   - POST /v1/requests  one JSON protocol request, answered with every
//     response it produced ({"responses": [...]})
//
// The unary endpoint runs each request on a throwaway peer, so execute and
// batch_execute block until they finish and subscribe is unavailable. Use
// /ws for streaming.
//
// Middleware stack: gin Recovery, tracing, request metrics, CORS, and a
// per-IP rate limit on /v1.
//
// Example Usage:
//
//	gw := server.New(orch, server.Options{Metrics: metrics, Logger: logger})
//	go gw.ListenAndServe(cfg.Server.HTTPAddr)
//	defer gw.Shutdown(ctx)
package server
