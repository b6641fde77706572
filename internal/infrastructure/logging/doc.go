// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for humans
//
// Components receive a named *zap.Logger derived from the root logger, so
// every line carries the component that produced it (orchestrator,
// terminal, security, protocol, ...).
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	orch := orchestrator.New(backend, cfg, logger.Component("orchestrator"))
//	logger.Info("Pane spawned", zap.String("pane_id", string(paneID)))
package logging
