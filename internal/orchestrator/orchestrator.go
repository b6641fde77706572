package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
)

// Options wires the orchestrator's collaborators. Backend and Policies are
// required; everything else has a default.
type Options struct {
	Backend  mux.Backend
	Policies *security.Registry
	Bus      *events.Bus
	Metrics  *monitoring.Metrics
	Hooks    Hooks
	Logger   *zap.Logger

	Orchestrator config.OrchestratorConfig
	Terminal     config.TerminalConfig
}

// Orchestrator is the facade over backend, policy engine and event bus.
// Mutations run on a single actor goroutine; reads are served from an
// immutable snapshot.
type Orchestrator struct {
	backend  mux.Backend
	caps     mux.Capabilities
	policies *security.Registry
	bus      *events.Bus
	ownsBus  bool
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	hooks    *hookDispatcher

	cfg      config.OrchestratorConfig
	terminal config.TerminalConfig
	backoff  resilience.Backoff
	breaker  *resilience.Breaker

	actor *actor
	table *table // owned by actor
	snap  atomic.Pointer[snapshot]

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	bg      sync.WaitGroup
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	if opts.Policies == nil {
		return nil, errors.New("orchestrator: policy registry is required")
	}

	defaults := config.Default()
	cfg := opts.Orchestrator
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.Orchestrator.SubscriberBuffer
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaults.Orchestrator.ExecTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaults.Orchestrator.KillTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaults.Orchestrator.RetryAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaults.Orchestrator.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.Orchestrator.RetryMax
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = defaults.Orchestrator.BatchParallelism
	}
	term := opts.Terminal
	if term.DefaultRows <= 0 || term.DefaultCols <= 0 {
		term.DefaultRows = defaults.Terminal.DefaultRows
		term.DefaultCols = defaults.Terminal.DefaultCols
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		backend:  opts.Backend,
		caps:     opts.Backend.Capabilities(),
		policies: opts.Policies,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger,
		cfg:      cfg,
		terminal: term,
		backoff: resilience.Backoff{
			Attempts:   cfg.RetryAttempts,
			Initial:    cfg.RetryInitial,
			Max:        cfg.RetryMax,
			Multiplier: 2,
			Jitter:     0.2,
		},
		actor: newActor(cfg.ActionQueue),
		table: newTable(),
	}
	if o.bus == nil {
		o.bus = events.NewBus(cfg.SubscriberBuffer, nil)
		o.ownsBus = true
	}
	if opts.Hooks != nil {
		o.hooks = newHookDispatcher(opts.Hooks, logger.Named("hooks"))
	}
	o.breaker = resilience.NewBreaker("mux-"+string(o.backend.Kind()), resilience.Settings{
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsFailure:   mux.IsRetryable,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Backend circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.snap.Store(o.table.snapshot())

	return o, nil
}

// Bus returns the event bus the orchestrator publishes to
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Backend returns the mux backend
func (o *Orchestrator) Backend() mux.Backend { return o.backend }

// Policies returns the policy registry
func (o *Orchestrator) Policies() *security.Registry { return o.policies }

// Metrics returns the current metrics snapshot
func (o *Orchestrator) Metrics() monitoring.Snapshot {
	return o.metrics.Snapshot()
}

// Close kills every pane and session, closes the backend and stops the
// actor. It waits for pane watchers until ctx is done.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closing.CompareAndSwap(false, true) {
		return nil
	}
	o.logger.Info("Orchestrator shutting down")

	snap := o.snap.Load()
	for _, e := range snap.panes {
		e.rt.ops.Lock()
		_ = o.backend.KillPane(ctx, e.rt.handle)
		e.rt.ops.Unlock()
	}

	waited := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(waited)
	}()

	var errs []error
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, newError(CodeTimeout, ctx.Err(), "waiting for panes to exit"))
	}

	for sid, sess := range snap.sessions {
		if sess.Persistent {
			continue
		}
		if err := o.backend.KillSession(ctx, sid); err != nil && !errors.Is(err, mux.ErrSessionNotFound) {
			o.logger.Debug("Kill session on shutdown", zap.String("session_id", sid.String()), zap.Error(err))
		}
	}

	o.cancel()
	if err := o.backend.Close(); err != nil {
		errs = append(errs, newError(CodeBackend, err, "close backend"))
	}
	o.actor.close()
	o.hooks.close()
	if o.ownsBus {
		o.bus.Close()
	}
	return errors.Join(errs...)
}

// call runs fn against the backend with retry and circuit breaking
func (o *Orchestrator) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timer := monitoring.NewTimer(o.metrics, op)
	err := resilience.Retry(ctx, o.backoff, mux.IsRetryable,
		func(attempt int, err error, wait time.Duration) {
			o.metrics.BackendRetry(op)
			o.logger.Warn("Backend call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
		func() error {
			return o.breaker.Execute(func() error { return fn(ctx) })
		})
	timer.Stop(err)
	return err
}

// report publishes a failed operation as an Error event and returns err.
// Security denials already produced their violation event.
func (o *Orchestrator) report(op string, sessionID id.SessionID, paneID id.PaneID, err error) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == CodeSecurityDenied {
		return err
	}
	o.bus.Publish(events.Event{
		Type:      events.Error,
		SessionID: sessionID,
		PaneID:    paneID,
		Operation: op,
		Code:      string(code),
		Reason:    err.Error(),
	})
	return err
}

// deny records a policy denial: audit log, metric and exactly one
// violation event
func (o *Orchestrator) deny(p *security.Policy, op security.Operation, d security.Decision, sessionID id.SessionID, paneID id.PaneID) error {
	fields := []zap.Field{
		zap.String("check", string(d.Check)),
		zap.String("operation", op.String()),
		zap.String("agent_id", op.AgentID.String()),
		zap.String("session_id", sessionID.String()),
		zap.String("reason", d.Reason),
	}
	var policyID id.PolicyID
	if p != nil {
		policyID = p.ID
		fields = append(fields, zap.String("policy_id", p.ID.String()), zap.String("policy", p.Name))
	}
	if d.Pattern != "" {
		fields = append(fields, zap.String("pattern", d.Pattern), zap.String("risk", string(d.Risk)))
	}
	o.logger.Warn("Security policy denied operation", fields...)
	o.metrics.SecurityDenied(string(d.Check))

	o.bus.Publish(events.Event{
		Type:      events.SecurityViolation,
		SessionID: sessionID,
		PaneID:    paneID,
		AgentID:   op.AgentID,
		Command:   op.Command,
		PolicyID:  policyID,
		Operation: op.String(),
		Reason:    d.Reason,
	})
	return newError(CodeSecurityDenied, nil, "%s", d.Reason)
}

// publish stores a fresh snapshot. Call it on the actor before publishing
// the events describing the change, so a reader that sees an event also
// sees the state behind it.
func (o *Orchestrator) publish() {
	o.snap.Store(o.table.snapshot())
	o.metrics.SetSessionsActive(len(o.table.sessions))
}

func (o *Orchestrator) checkOpen() error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	return nil
}

// resolvePolicy picks a named policy, the session's, or the default
func (o *Orchestrator) resolvePolicy(name string, fallback *security.Policy) (*security.Policy, error) {
	if name == "" && fallback != nil {
		return fallback, nil
	}
	p, ok := o.policies.Get(name)
	if !ok {
		return nil, newError(CodeValidation, nil, "unknown policy %q", name)
	}
	return p, nil
}
