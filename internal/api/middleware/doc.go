// Package middleware provides the gin middleware of the HTTP gateway.
//
//   - CORS: cross-origin access for browser clients, WebSocket upgrades included
//   - RateLimit: per-IP token bucket with idle client eviction
//   - GlobalRateLimit: one token bucket for the whole gateway
//
// A rate-limited request gets a 429 whose body has the shape of a protocol
// error response with code rate_limited.
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(cfg.RateLimit))
package middleware
