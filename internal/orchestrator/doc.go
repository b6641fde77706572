// Package orchestrator is the engine's facade. It owns the session and pane
// table, authorizes every spawn and execute against a security policy
// before the backend is contacted, and fans events out through the bus.
//
// All mutations are funneled through a single actor goroutine, so two
// requests touching the same pane are strictly ordered. Queries (ListSessions,
// ListTerminals, GetTerminal) read an immutable snapshot and never enter the
// actor. Backend calls happen outside the actor with bounded retry and a
// circuit breaker, and calls for one pane are serialized.
//
// Every pane has a watcher goroutine that waits for the process to end,
// removes the pane, publishes PaneExited, and closes an empty non-persistent
// session.
//
// Example Usage:
//
//	orch, err := orchestrator.New(orchestrator.Options{
//		Backend:  backend,
//		Policies: registry,
//		Metrics:  metrics,
//		Logger:   logger.Component("orchestrator"),
//	})
//	sess, _ := orch.CreateSession(ctx, orchestrator.SessionConfig{Name: "work"})
//	pane, _ := orch.SpawnTerminal(ctx, agentID, orchestrator.SpawnConfig{SessionID: sess.ID})
//	out, _ := orch.Execute(ctx, pane.ID, "echo hello")
package orchestrator
