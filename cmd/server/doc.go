// Command orchflowd runs the terminal orchestration engine.
//
// It builds the configured mux backend (direct PTY, tmux or containers),
// the security policy registry and the orchestrator, then serves the
// protocol on:
//   - the HTTP gateway (/v1/requests, /ws, /metrics, /health)
//   - a unix socket with length-prefixed JSON or CBOR frames
//   - a gRPC bidirectional stream, when enabled
//
// Configuration comes from ORCH_* environment variables; flags override a
// few of them.
//
// Usage:
//
//	orchflowd --backend tmux --policy-file policies.yaml
//	orchflowd --dev --grpc-addr 127.0.0.1:7891
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown, bounded by ORCH_SHUTDOWN_TIMEOUT
package main
