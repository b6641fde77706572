// Package config provides 12-factor configuration management for the
// orchflow engine.
//
// Configuration is loaded from ORCH_* environment variables with sensible
// defaults. CLI flags in cmd/server can override individual values.
//
// Configuration Sections:
//   - Server: HTTP gateway, socket and gRPC listener addresses
//   - Mux: backend selection (pty, tmux, container) and backend binaries
//   - Terminal: scrollback caps, default geometry, drain timeout
//   - Orchestrator: subscriber buffers, exec/kill timeouts, retry backoff
//   - Security: policy file, default policy, per-agent terminal limit
//   - Logging: log level and output format
//   - RateLimit: request rate limiting for gateway and protocol peers
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("gateway on %s using %s backend\n", cfg.Server.HTTPAddr, cfg.Mux.Backend)
package config
