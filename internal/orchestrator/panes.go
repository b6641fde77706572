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
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"go.uber.org/zap"
)

// maxDimension bounds rows and cols
const maxDimension = 1000

type spawnArgs struct {
	agent  id.AgentID
	cfg    SpawnConfig
	op     security.OpKind
	policy *security.Policy
	// origin is the pane an execute ran against, for audit events
	origin id.PaneID
}

// SpawnTerminal evaluates the policy and creates a pane for agentID
func (o *Orchestrator) SpawnTerminal(ctx context.Context, agentID id.AgentID, cfg SpawnConfig) (Pane, error) {
	pane, _, err := o.spawn(ctx, spawnArgs{agent: agentID, cfg: cfg, op: security.OpSpawn})
	return pane, o.report("spawn_terminal", cfg.SessionID, "", err)
}

func (o *Orchestrator) spawn(ctx context.Context, args spawnArgs) (Pane, *paneRuntime, error) {
	if err := o.checkOpen(); err != nil {
		return Pane{}, nil, err
	}
	cfg := args.cfg
	req, err := o.paneRequest(cfg)
	if err != nil {
		return Pane{}, nil, err
	}

	// Phase one: authorize and reserve. Nothing reaches the backend unless
	// the policy allows it.
	var policy *security.Policy
	err = o.actor.call(ctx, func() error {
		sess, ok := o.table.sessions[cfg.SessionID]
		if !ok {
			return newError(CodeSessionNotFound, nil, "session %s not found", cfg.SessionID)
		}
		policy = args.policy
		if policy == nil {
			var err error
			if policy, err = o.resolvePolicy(cfg.Policy, sess.policy); err != nil {
				return err
			}
		}
		op := security.Operation{
			Kind:       args.op,
			AgentID:    args.agent,
			Command:    cfg.Command,
			Backend:    o.caps,
			AgentPanes: o.table.agents[args.agent],
		}
		if d := security.Evaluate(policy, op); !d.Allowed {
			return o.deny(policy, op, d, cfg.SessionID, args.origin)
		}
		sess.pending++
		o.table.agents[args.agent]++
		return nil
	})
	if err != nil {
		return Pane{}, nil, err
	}

	policy.Apply(&req)
	var (
		paneID id.PaneID
		handle mux.Handle
	)
	createErr := o.call(ctx, "create_pane", func(ctx context.Context) error {
		var err error
		paneID, handle, err = o.backend.CreatePane(ctx, cfg.SessionID, req)
		return err
	})

	// Phase two: commit or roll back the reservation
	now := time.Now()
	rt := &paneRuntime{
		id:        paneID,
		sessionID: cfg.SessionID,
		agentID:   args.agent,
		handle:    handle,
		policy:    policy,
		request:   req,
		done:      make(chan struct{}),
	}
	pane := Pane{
		ID:        paneID,
		SessionID: cfg.SessionID,
		AgentID:   args.agent,
		Kind:      req.Kind,
		Command:   cfg.Command,
		Geometry: Geometry{
			Rows:   req.Rows,
			Cols:   req.Cols,
			X:      cfg.X,
			Y:      cfg.Y,
			Width:  cmp.Or(cfg.Width, int(req.Cols)),
			Height: cmp.Or(cfg.Height, int(req.Rows)),
		},
		Active:     true,
		State:      terminal.Running,
		Isolation:  req.Isolation,
		PolicyID:   policy.ID,
		PolicyName: policy.Name,
		CreatedAt:  now,
	}

	orphan := false
	commitErr := o.actor.call(context.Background(), func() error {
		sess, ok := o.table.sessions[cfg.SessionID]
		if ok {
			sess.pending--
		}
		if createErr != nil {
			o.release(args.agent)
			return backendError("create pane", createErr)
		}
		if !ok {
			o.release(args.agent)
			orphan = true
			return newError(CodeSessionNotFound, nil, "session %s closed during spawn", cfg.SessionID)
		}
		if _, dup := o.table.panes[paneID]; dup {
			o.release(args.agent)
			orphan = true
			return newError(CodeBackend, nil, "backend reused live pane id %s", paneID)
		}

		o.table.panes[paneID] = &paneEntry{pane: pane, rt: rt}
		sess.panes[paneID] = struct{}{}
		sess.LastActive = now
		o.publish()

		o.bus.Publish(events.Event{
			Type:      events.PaneSpawned,
			SessionID: cfg.SessionID,
			PaneID:    paneID,
			AgentID:   args.agent,
			Command:   cfg.Command,
			PolicyID:  policy.ID,
			Rows:      int(req.Rows),
			Cols:      int(req.Cols),
		})
		o.metrics.PaneSpawned(string(o.backend.Kind()), string(req.Kind))
		o.hooks.updated(o.snap.Load().sessions[cfg.SessionID])

		o.bg.Add(1)
		go o.watch(rt)
		return nil
	})
	if createErr == nil && (orphan || errors.Is(commitErr, ErrShuttingDown)) {
		_ = o.backend.KillPane(context.Background(), handle)
	}
	if commitErr != nil {
		return Pane{}, nil, commitErr
	}

	o.logger.Debug("Pane spawned",
		zap.String("pane_id", paneID.String()),
		zap.String("session_id", cfg.SessionID.String()),
		zap.String("agent_id", args.agent.String()),
		zap.String("kind", string(req.Kind)),
		zap.String("policy", policy.Name))
	return pane, rt, nil
}

// release undoes one reservation for agent. Runs on the actor.
func (o *Orchestrator) release(agent id.AgentID) {
	if o.table.agents[agent] <= 1 {
		delete(o.table.agents, agent)
		return
	}
	o.table.agents[agent]--
}

func (o *Orchestrator) paneRequest(cfg SpawnConfig) (mux.PaneRequest, error) {
	kind := cmp.Or(cfg.Kind, mux.PaneTerminal)
	if !kind.Valid() {
		return mux.PaneRequest{}, newError(CodeValidation, nil, "unknown pane kind %q", kind)
	}
	if cfg.Rows > maxDimension || cfg.Cols > maxDimension {
		return mux.PaneRequest{}, newError(CodeValidation, nil, "geometry %dx%d exceeds %d", cfg.Rows, cfg.Cols, maxDimension)
	}
	return mux.PaneRequest{
		Kind:    kind,
		Command: cfg.Command,
		Dir:     cfg.Dir,
		Env:     maps.Clone(cfg.Env),
		Rows:    cmp.Or(cfg.Rows, uint16(o.terminal.DefaultRows)),
		Cols:    cmp.Or(cfg.Cols, uint16(o.terminal.DefaultCols)),
	}, nil
}

// watch waits for a pane's process to end and retires it
func (o *Orchestrator) watch(rt *paneRuntime) {
	defer o.bg.Done()

	exit, err := o.backend.Wait(o.ctx, rt.handle)
	if err != nil {
		exit = mux.Exit{State: terminal.Crashed, Code: -1, Reason: err.Error(), EndedAt: time.Now()}
		if o.ctx.Err() != nil {
			exit.State, exit.Reason = terminal.Killed, "orchestrator shut down"
		}
	}
	if exit.State == terminal.Running || exit.State == terminal.Spawning {
		exit.State = terminal.Crashed
	}
	rt.finish(exit)

	_ = o.actor.call(context.Background(), func() error {
		if e, ok := o.table.panes[rt.id]; ok && e.rt == rt {
			if o.detach(rt.id) {
				o.reap(rt.sessionID)
			} else {
				o.publish()
			}
		}
		ev := events.Event{
			Type:      events.PaneExited,
			SessionID: rt.sessionID,
			PaneID:    rt.id,
			AgentID:   rt.agentID,
			State:     exit.State.String(),
			Reason:    exit.Reason,
		}
		if exit.State == terminal.Exited {
			ev.ExitCode = events.IntPtr(exit.Code)
		}
		o.bus.Publish(ev)
		return nil
	})

	o.logger.Debug("Pane exited",
		zap.String("pane_id", rt.id.String()),
		zap.String("state", exit.State.String()),
		zap.Int("code", exit.Code),
		zap.String("reason", exit.Reason))
}

// KillTerminal kills a pane and waits for it to reach a final state
func (o *Orchestrator) KillTerminal(ctx context.Context, paneID id.PaneID) error {
	err := o.killTerminal(ctx, paneID)
	return o.report("kill_terminal", "", paneID, err)
}

func (o *Orchestrator) killTerminal(ctx context.Context, paneID id.PaneID) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	var rt *paneRuntime
	err := o.actor.call(ctx, func() error {
		e, ok := o.table.panes[paneID]
		if !ok {
			return newError(CodePaneNotFound, nil, "pane %s not found", paneID)
		}
		rt = e.rt
		if o.detach(paneID) {
			o.reap(rt.sessionID)
		} else {
			o.publish()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return o.forceKill(ctx, rt)
}

// forceKill kills the pane's process and waits up to the kill timeout
func (o *Orchestrator) forceKill(ctx context.Context, rt *paneRuntime) error {
	rt.ops.Lock()
	err := o.call(ctx, "kill_pane", func(ctx context.Context) error {
		return o.backend.KillPane(ctx, rt.handle)
	})
	rt.ops.Unlock()
	if err != nil && !errors.Is(err, mux.ErrHandleInvalid) {
		return backendError("kill pane", err)
	}
	return o.awaitExit(ctx, rt)
}

// awaitExit waits for panes to reach a final state, bounded by the kill
// timeout
func (o *Orchestrator) awaitExit(ctx context.Context, runtimes ...*paneRuntime) error {
	timer := time.NewTimer(o.cfg.KillTimeout)
	defer timer.Stop()
	for _, rt := range runtimes {
		select {
		case <-rt.done:
		case <-timer.C:
			return newError(CodeTimeout, nil, "pane %s did not exit within %s", rt.id, o.cfg.KillTimeout)
		case <-ctx.Done():
			return newError(CodeTimeout, ctx.Err(), "waiting for pane %s to exit", rt.id)
		}
	}
	return nil
}

// SendInput writes data to a pane in call order
func (o *Orchestrator) SendInput(ctx context.Context, paneID id.PaneID, data []byte) error {
	err := o.sendInput(ctx, paneID, data)
	return o.report("stream_input", "", paneID, err)
}

func (o *Orchestrator) sendInput(ctx context.Context, paneID id.PaneID, data []byte) error {
	e, err := o.lookup(paneID)
	if err != nil {
		return err
	}
	e.rt.ops.Lock()
	defer e.rt.ops.Unlock()
	return backendError("send input", o.backend.SendInput(ctx, e.rt.handle, data))
}

// Resize changes a pane's terminal size. Zero or oversized dimensions are
// rejected before the backend is contacted.
func (o *Orchestrator) Resize(ctx context.Context, paneID id.PaneID, rows, cols uint16) error {
	err := o.resize(ctx, paneID, rows, cols)
	return o.report("resize", "", paneID, err)
}

func (o *Orchestrator) resize(ctx context.Context, paneID id.PaneID, rows, cols uint16) error {
	if rows == 0 || cols == 0 || rows > maxDimension || cols > maxDimension {
		return newError(CodeValidation, nil, "invalid geometry %dx%d", rows, cols)
	}
	e, err := o.lookup(paneID)
	if err != nil {
		return err
	}

	e.rt.ops.Lock()
	err = o.backend.ResizePane(ctx, e.rt.handle, rows, cols)
	e.rt.ops.Unlock()
	if err != nil {
		return backendError("resize pane", err)
	}

	return o.actor.call(ctx, func() error {
		pe, ok := o.table.panes[paneID]
		if !ok {
			return nil
		}
		g := &pe.pane.Geometry
		if g.Width == int(g.Cols) {
			g.Width = int(cols)
		}
		if g.Height == int(g.Rows) {
			g.Height = int(rows)
		}
		g.Rows, g.Cols = rows, cols
		o.publish()
		o.bus.Publish(events.Event{
			Type:      events.PaneResized,
			SessionID: pe.rt.sessionID,
			PaneID:    paneID,
			Rows:      int(rows),
			Cols:      int(cols),
		})
		return nil
	})
}

// CaptureOutput returns retained scrollback for a pane
func (o *Orchestrator) CaptureOutput(ctx context.Context, paneID id.PaneID, r terminal.Range) ([]byte, error) {
	data, err := o.captureOutput(ctx, paneID, r)
	return data, o.report("capture_output", "", paneID, err)
}

func (o *Orchestrator) captureOutput(ctx context.Context, paneID id.PaneID, r terminal.Range) ([]byte, error) {
	if r.Lines < 0 {
		return nil, newError(CodeValidation, nil, "line count must not be negative")
	}
	e, err := o.lookup(paneID)
	if err != nil {
		return nil, err
	}
	e.rt.ops.Lock()
	defer e.rt.ops.Unlock()
	data, err := o.backend.CaptureOutput(ctx, e.rt.handle, r)
	if err != nil {
		return nil, backendError("capture output", err)
	}
	return data, nil
}

// ListTerminals returns a session's live panes, oldest first
func (o *Orchestrator) ListTerminals(sessionID id.SessionID) ([]Pane, error) {
	snap := o.snap.Load()
	sess, ok := snap.sessions[sessionID]
	if !ok {
		return nil, newError(CodeSessionNotFound, nil, "session %s not found", sessionID)
	}
	panes := make([]Pane, 0, len(sess.Panes))
	for _, pid := range sess.Panes {
		if e, ok := snap.panes[pid]; ok {
			panes = append(panes, e.pane)
		}
	}
	slices.SortFunc(panes, func(a, b Pane) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return panes, nil
}

// GetTerminal returns one live pane
func (o *Orchestrator) GetTerminal(paneID id.PaneID) (Pane, error) {
	e, err := o.lookup(paneID)
	if err != nil {
		return Pane{}, err
	}
	return e.pane, nil
}

func (o *Orchestrator) lookup(paneID id.PaneID) (paneEntry, error) {
	e, ok := o.snap.Load().panes[paneID]
	if !ok {
		return paneEntry{}, newError(CodePaneNotFound, nil, "pane %s not found", paneID)
	}
	return e, nil
}

// StreamOutput subscribes to a pane's output, resize and exit events from
// now on. Earlier events are never replayed. The subscription closes after
// the pane's exit event.
func (o *Orchestrator) StreamOutput(paneID id.PaneID) (*events.Subscription, error) {
	if _, err := o.lookup(paneID); err != nil {
		return nil, o.report("stream_output", "", paneID, err)
	}
	sub := o.bus.SubscribeWithBuffer(events.Filter{
		PaneID:      paneID,
		Types:       []events.Type{events.PaneOutput, events.PaneResized, events.PaneExited},
		CloseOnExit: true,
	}, o.cfg.SubscriberBuffer)

	// The pane may have exited between the lookup and the subscribe. If it
	// is still in the snapshot now, its exit event has not been published.
	if _, err := o.lookup(paneID); err != nil {
		sub.Close()
		return nil, o.report("stream_output", "", paneID, err)
	}
	return sub, nil
}

// StreamSession subscribes to every event of a session, optionally
// restricted to the given types
func (o *Orchestrator) StreamSession(sessionID id.SessionID, types ...events.Type) (*events.Subscription, error) {
	if _, err := o.GetSession(sessionID); err != nil {
		return nil, o.report("stream_session", sessionID, "", err)
	}
	return o.bus.SubscribeWithBuffer(events.Filter{SessionID: sessionID, Types: types}, o.cfg.SubscriberBuffer), nil
}

// Subscribe opens a subscription with an arbitrary filter
func (o *Orchestrator) Subscribe(filter events.Filter) *events.Subscription {
	return o.bus.SubscribeWithBuffer(filter, o.cfg.SubscriberBuffer)
}
