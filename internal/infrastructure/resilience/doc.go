/*
Package resilience provides failure containment for calls into mux backends.

# Overview

Backends that drive an external multiplexer process can disappear (the tmux
server was killed, the container runtime daemon restarted). The engine treats
that as BackendUnavailable: it retries with bounded exponential backoff and
routes every attempt through a circuit breaker, so a dead backend fails fast
instead of stalling the orchestrator's action queue.

# Components

  - Breaker: three-state circuit breaker (Closed, Open, Half-Open) with a
    configurable failure classifier
  - Backoff: bounded exponential delays with jitter
  - Retry: attempt loop honoring context cancellation

# Usage

	breaker := resilience.NewBreaker("mux", resilience.Settings{
		Timeout:   5 * time.Second,
		IsFailure: func(err error) bool { return errors.Is(err, mux.ErrBackendUnavailable) },
	})

	err := resilience.Retry(ctx, resilience.DefaultBackoff(), isUnavailable, nil, func() error {
		return breaker.Execute(func() error {
			paneID, handle, err = backend.CreatePane(ctx, sessionID, req)
			return err
		})
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
