package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
)

// CreateSession creates a session on the backend and records it
func (o *Orchestrator) CreateSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	sess, err := o.createSession(ctx, cfg)
	return sess, o.report("create_session", "", "", err)
}

func (o *Orchestrator) createSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if err := o.checkOpen(); err != nil {
		return Session{}, err
	}
	policy, err := o.resolvePolicy(cfg.Policy, nil)
	if err != nil {
		return Session{}, err
	}

	var sessionID id.SessionID
	err = o.call(ctx, "create_session", func(ctx context.Context) error {
		var err error
		sessionID, err = o.backend.CreateSession(ctx, cfg.Name)
		return err
	})
	if err != nil {
		return Session{}, backendError("create session", err)
	}

	now := time.Now()
	entry := &sessionEntry{
		Session: Session{
			ID:         sessionID,
			Name:       cfg.Name,
			Persistent: cfg.Persistent,
			Metadata:   maps.Clone(cfg.Metadata),
			Policy:     policy.Name,
			CreatedAt:  now,
			LastActive: now,
		},
		policy: policy,
		panes:  make(map[id.PaneID]struct{}),
	}
	if entry.Name == "" {
		entry.Name = sessionID.String()
	}

	var created Session
	err = o.actor.call(context.Background(), func() error {
		o.table.sessions[sessionID] = entry
		o.publish()
		created = o.snap.Load().sessions[sessionID]
		o.bus.Publish(events.Event{Type: events.SessionCreated, SessionID: sessionID, Reason: entry.Name})
		o.hooks.created(created)
		return nil
	})
	if err != nil {
		_ = o.backend.KillSession(context.Background(), sessionID)
		return Session{}, err
	}

	o.logger.Info("Session created",
		zap.String("session_id", sessionID.String()),
		zap.String("name", entry.Name),
		zap.Bool("persistent", cfg.Persistent),
		zap.String("policy", policy.Name))
	return created, nil
}

// KillSession kills every pane in a session and removes it
func (o *Orchestrator) KillSession(ctx context.Context, sessionID id.SessionID) error {
	return o.report("kill_session", sessionID, "", o.killSession(ctx, sessionID))
}

func (o *Orchestrator) killSession(ctx context.Context, sessionID id.SessionID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}

	var runtimes []*paneRuntime
	err := o.actor.call(ctx, func() error {
		entry, ok := o.table.sessions[sessionID]
		if !ok {
			return newError(CodeSessionNotFound, nil, "session %s not found", sessionID)
		}
		for pid := range entry.panes {
			runtimes = append(runtimes, o.table.panes[pid].rt)
			o.detach(pid)
		}
		o.removeSession(sessionID)
		return nil
	})
	if err != nil {
		return err
	}

	err = o.call(ctx, "kill_session", func(ctx context.Context) error {
		err := o.backend.KillSession(ctx, sessionID)
		if errors.Is(err, mux.ErrSessionNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return backendError("kill session", err)
	}
	if err := o.awaitExit(ctx, runtimes...); err != nil {
		return err
	}

	o.logger.Info("Session killed", zap.String("session_id", sessionID.String()), zap.Int("panes", len(runtimes)))
	return nil
}

// ListSessions returns every session, oldest first
func (o *Orchestrator) ListSessions() []Session {
	snap := o.snap.Load()
	sessions := make([]Session, 0, len(snap.sessions))
	for _, s := range snap.sessions {
		sessions = append(sessions, s)
	}
	slices.SortFunc(sessions, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions
}

// GetSession returns one session
func (o *Orchestrator) GetSession(sessionID id.SessionID) (Session, error) {
	s, ok := o.snap.Load().sessions[sessionID]
	if !ok {
		return Session{}, newError(CodeSessionNotFound, nil, "session %s not found", sessionID)
	}
	return s, nil
}

// removeSession deletes a session from the table. Runs on the actor.
func (o *Orchestrator) removeSession(sessionID id.SessionID) {
	delete(o.table.sessions, sessionID)
	o.publish()
	o.bus.Publish(events.Event{Type: events.SessionClosed, SessionID: sessionID})
	o.hooks.deleted(sessionID)
}

// detach removes a pane from the table and reports whether its session is
// now an empty non-persistent session. Runs on the actor.
func (o *Orchestrator) detach(paneID id.PaneID) (reap bool) {
	e, ok := o.table.panes[paneID]
	if !ok {
		return false
	}
	delete(o.table.panes, paneID)

	agent := e.rt.agentID
	if o.table.agents[agent] <= 1 {
		delete(o.table.agents, agent)
	} else {
		o.table.agents[agent]--
	}

	sess, ok := o.table.sessions[e.rt.sessionID]
	if !ok {
		return false
	}
	delete(sess.panes, paneID)
	sess.LastActive = time.Now()
	return !sess.Persistent && len(sess.panes) == 0 && sess.pending == 0
}

// reap destroys an empty non-persistent session. Runs on the actor; the
// backend call happens in the background.
func (o *Orchestrator) reap(sessionID id.SessionID) {
	o.removeSession(sessionID)
	o.logger.Debug("Non-persistent session closed after last pane", zap.String("session_id", sessionID.String()))

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if err := o.backend.KillSession(o.ctx, sessionID); err != nil && !errors.Is(err, mux.ErrSessionNotFound) {
			o.logger.Warn("Failed to close backend session", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}()
}
