package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/orchestrator"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultCaptureLines is used when capture_output asks for zero lines
const DefaultCaptureLines = 100

// ErrPeerClosed is returned for requests that race Close
var ErrPeerClosed = errors.New("peer closed")

// Engine is the set of orchestrator operations a peer dispatches to
type Engine interface {
	CreateSession(ctx context.Context, cfg orchestrator.SessionConfig) (orchestrator.Session, error)
	KillSession(ctx context.Context, sessionID id.SessionID) error
	ListSessions() []orchestrator.Session
	SpawnTerminal(ctx context.Context, agentID id.AgentID, cfg orchestrator.SpawnConfig) (orchestrator.Pane, error)
	Execute(ctx context.Context, paneID id.PaneID, command string) (orchestrator.Output, error)
	BatchExecute(ctx context.Context, paneID id.PaneID, commands []string, opts orchestrator.BatchOptions) ([]orchestrator.BatchResult, error)
	SendInput(ctx context.Context, paneID id.PaneID, data []byte) error
	KillTerminal(ctx context.Context, paneID id.PaneID) error
	Resize(ctx context.Context, paneID id.PaneID, rows, cols uint16) error
	CaptureOutput(ctx context.Context, paneID id.PaneID, r terminal.Range) ([]byte, error)
	ListTerminals(sessionID id.SessionID) ([]orchestrator.Pane, error)
	StreamOutput(paneID id.PaneID) (*events.Subscription, error)
	StreamSession(sessionID id.SessionID, types ...events.Type) (*events.Subscription, error)
	Subscribe(filter events.Filter) *events.Subscription
	Metrics() monitoring.Snapshot
}

// Sender delivers responses to the remote side of one connection
type Sender interface {
	Send(Response) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(Response) error

// Send calls f(resp)
func (f SenderFunc) Send(resp Response) error { return f(resp) }

// PeerOptions configures a Peer
type PeerOptions struct {
	// Transport labels metrics and logs ("socket", "ws", "grpc", ...)
	Transport string
	// Streaming enables subscribe; unary transports leave it false
	Streaming bool
	// AgentID is used for requests that carry no agent_id
	AgentID   id.AgentID
	RateLimit config.RateLimitConfig
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Peer dispatches the requests of one connection to an Engine and writes
// every response through a Sender. Execute and batch_execute run in the
// background so a long command never stalls the connection; their
// responses carry the originating request id.
type Peer struct {
	engine  Engine
	sender  Sender
	opts    PeerOptions
	limiter *rate.Limiter
	metrics *monitoring.Metrics
	logger  *zap.Logger

	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[id.SubscriptionID]*events.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPeer creates a peer for one connection
func NewPeer(engine Engine, sender Sender, opts PeerOptions) *Peer {
	if opts.Transport == "" {
		opts.Transport = "unknown"
	}
	if opts.AgentID == "" {
		opts.AgentID = id.NewAgentID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		engine:  engine,
		sender:  sender,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger).With(zap.String("transport", opts.Transport)),
		subs:    make(map[id.SubscriptionID]*events.Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.RateLimit.Enabled && opts.RateLimit.RequestsPerSecond > 0 {
		burst := opts.RateLimit.Burst
		if burst <= 0 {
			burst = opts.RateLimit.RequestsPerSecond
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit.RequestsPerSecond), burst)
	}
	return p
}

// AgentID returns the agent requests without agent_id act as
func (p *Peer) AgentID() id.AgentID { return p.opts.AgentID }

// HandleFrame decodes one frame with c and handles it. An undecodable frame
// is answered with an invalid_message error.
func (p *Peer) HandleFrame(ctx context.Context, c Codec, data []byte) {
	req, err := DecodeRequest(c, data)
	if err != nil {
		p.logger.Debug("Invalid frame", zap.Int("bytes", len(data)), zap.Error(err))
		p.Reject(CodeInvalidMessage, err.Error())
		return
	}
	p.Handle(ctx, req)
}

// Handle dispatches one request. Synchronous responses are sent before
// Handle returns; background work is tracked by Wait.
func (p *Peer) Handle(ctx context.Context, req Request) {
	start := time.Now()
	if req.ID == "" {
		req.ID = id.NewRequestID().String()
	}
	if req.AgentID == "" {
		req.AgentID = p.opts.AgentID
	}

	if p.closed.Load() {
		p.fail(req.ID, string(orchestrator.CodeShuttingDown), "connection is closing")
		return
	}
	if req.V > Version {
		p.fail(req.ID, CodeUnsupportedVersion, fmt.Sprintf("schema version %d is newer than %d", req.V, Version))
		p.observe(req.Type, start, errProtocol)
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Debug("Request rate limited", zap.String("type", string(req.Type)), zap.String("agent_id", req.AgentID.String()))
		p.fail(req.ID, CodeRateLimited, "request rate exceeded")
		p.observe(req.Type, start, errProtocol)
		return
	}

	switch req.Type {
	case Execute:
		p.goAsync(ctx, func(ctx context.Context) {
			p.observe(req.Type, start, p.execute(ctx, req))
		})
		return
	case BatchExecute:
		p.goAsync(ctx, func(ctx context.Context) {
			p.observe(req.Type, start, p.batch(ctx, req))
		})
		return
	}

	resp, err := p.dispatch(ctx, req)
	if err != nil {
		p.sendError(req.ID, err)
	} else {
		resp.ID = req.ID
		p.send(resp)
	}
	p.observe(req.Type, start, err)
}

var errProtocol = errors.New("protocol error")

// protocolError carries a code that is not an orchestrator code
type protocolError struct {
	code    string
	message string
}

func (e *protocolError) Error() string { return e.message }

func (p *Peer) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case CreateSession:
		sess, err := p.engine.CreateSession(ctx, orchestrator.SessionConfig{
			Name:       req.Name,
			Persistent: req.Persistent,
			Metadata:   req.Metadata,
			Policy:     req.Policy,
		})
		if err != nil {
			return Response{}, err
		}
		return Response{Type: SessionCreated, Session: &sess}, nil

	case KillSession:
		if err := p.engine.KillSession(ctx, req.SessionID); err != nil {
			return Response{}, err
		}
		return Response{Type: Ack}, nil

	case ListSessions:
		return Response{Type: Sessions, Sessions: p.engine.ListSessions()}, nil

	case SpawnTerminal:
		pane, err := p.engine.SpawnTerminal(ctx, req.AgentID, orchestrator.SpawnConfig{
			SessionID: req.SessionID,
			Kind:      req.Kind,
			Command:   req.Command,
			Dir:       req.Dir,
			Env:       req.Env,
			Rows:      req.Rows,
			Cols:      req.Cols,
			X:         req.X,
			Y:         req.Y,
			Width:     req.Width,
			Height:    req.Height,
			Policy:    req.Policy,
		})
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TerminalSpawned, Pane: &pane}, nil

	case StreamInput:
		if err := p.engine.SendInput(ctx, req.PaneID, req.Data); err != nil {
			return Response{}, err
		}
		return Response{Type: Ack}, nil

	case KillTerminal:
		if err := p.engine.KillTerminal(ctx, req.PaneID); err != nil {
			return Response{}, err
		}
		return Response{Type: Ack}, nil

	case Resize:
		if err := p.engine.Resize(ctx, req.PaneID, req.Rows, req.Cols); err != nil {
			return Response{}, err
		}
		return Response{Type: Ack}, nil

	case CaptureOutput:
		r, err := captureRange(req)
		if err != nil {
			return Response{}, err
		}
		data, err := p.engine.CaptureOutput(ctx, req.PaneID, r)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: Output, Output: &OutputPayload{PaneID: req.PaneID, Data: data}}, nil

	case ListTerminals:
		panes, err := p.engine.ListTerminals(req.SessionID)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: Terminals, Panes: panes}, nil

	case Subscribe:
		return p.subscribe(req)

	case Unsubscribe:
		if !p.unsubscribe(req.SubscriptionID) {
			return Response{}, &protocolError{
				code:    string(orchestrator.CodeValidation),
				message: fmt.Sprintf("subscription %s not found", req.SubscriptionID),
			}
		}
		return Response{Type: Ack, SubscriptionID: req.SubscriptionID}, nil

	case MetricsRequest:
		snap := p.engine.Metrics()
		return Response{Type: Metrics, Metrics: &snap}, nil

	default:
		return Response{}, &protocolError{
			code:    CodeUnsupportedOperation,
			message: fmt.Sprintf("unsupported request type %q", req.Type),
		}
	}
}

func captureRange(req Request) (terminal.Range, error) {
	r := terminal.Range{Lines: req.Lines}
	if r.Lines == 0 {
		r.Lines = DefaultCaptureLines
	}
	switch req.From {
	case "", "end":
		r.From = terminal.FromEnd
	case "start":
		r.From = terminal.FromStart
	default:
		return terminal.Range{}, &protocolError{
			code:    string(orchestrator.CodeValidation),
			message: fmt.Sprintf("from must be start or end, got %q", req.From),
		}
	}
	return r, nil
}

func (p *Peer) execute(ctx context.Context, req Request) error {
	out, err := p.engine.Execute(ctx, req.PaneID, req.Command)
	if err != nil {
		p.sendError(req.ID, err)
		return err
	}
	p.send(Response{ID: req.ID, Type: Output, Output: outputPayload(out)})
	return nil
}

func (p *Peer) batch(ctx context.Context, req Request) error {
	results, err := p.engine.BatchExecute(ctx, req.PaneID, req.Commands, orchestrator.BatchOptions{
		Parallel:    req.Parallel,
		StopOnError: req.StopOnError,
		Progress: func(bp orchestrator.BatchProgress) {
			p.send(Response{
				ID:   req.ID,
				Type: Progress,
				Progress: &ProgressPayload{
					Completed: bp.Completed,
					Total:     bp.Total,
					Result:    resultPayload(bp.Result),
				},
			})
		},
	})
	if err != nil && results == nil {
		p.sendError(req.ID, err)
		return err
	}
	payloads := make([]ResultPayload, len(results))
	for i, r := range results {
		payloads[i] = resultPayload(r)
	}
	p.send(Response{ID: req.ID, Type: Output, Results: payloads})
	return err
}

func (p *Peer) subscribe(req Request) (Response, error) {
	if !p.opts.Streaming {
		return Response{}, &protocolError{
			code:    CodeUnsupportedOperation,
			message: fmt.Sprintf("subscribe is not available over %s", p.opts.Transport),
		}
	}

	var (
		sub *events.Subscription
		err error
	)
	switch {
	case req.PaneID != "":
		sub, err = p.engine.StreamOutput(req.PaneID)
	case req.SessionID != "":
		sub, err = p.engine.StreamSession(req.SessionID, req.Events...)
	default:
		sub = p.engine.Subscribe(events.Filter{Types: req.Events})
	}
	if err != nil {
		return Response{}, err
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		sub.Close()
		return Response{}, ErrPeerClosed
	}
	p.subs[sub.ID()] = sub
	p.wg.Add(1)
	p.mu.Unlock()

	// The ack goes out before the pump starts so it precedes every event
	p.send(Response{ID: req.ID, Type: Ack, SubscriptionID: sub.ID()})
	go p.pump(sub)

	p.logger.Debug("Subscription opened",
		zap.String("subscription_id", sub.ID().String()),
		zap.String("pane_id", req.PaneID.String()),
		zap.String("session_id", req.SessionID.String()))
	return Response{}, errAcked
}

// errAcked means the response was already sent
var errAcked = errors.New("acked")

func (p *Peer) pump(sub *events.Subscription) {
	defer p.wg.Done()
	defer p.unsubscribe(sub.ID())

	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if d.Lagged > 0 {
				if err := p.send(Response{Type: Lagged, SubscriptionID: sub.ID(), Missed: d.Lagged}); err != nil {
					return
				}
			}
			ev := d.Event
			if err := p.send(Response{Type: EventResponse, SubscriptionID: sub.ID(), Event: &ev}); err != nil {
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Peer) unsubscribe(subID id.SubscriptionID) bool {
	p.mu.Lock()
	sub, ok := p.subs[subID]
	delete(p.subs, subID)
	p.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

// Subscriptions returns the number of open subscriptions
func (p *Peer) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Peer) goAsync(ctx context.Context, fn func(context.Context)) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	go func() {
		defer p.wg.Done()
		defer cancel()
		defer stop()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Request handler panicked", zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

func (p *Peer) send(resp Response) error {
	resp.V = Version
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.sender.Send(resp); err != nil {
		p.logger.Debug("Failed to send response", zap.String("type", string(resp.Type)), zap.Error(err))
		return err
	}
	return nil
}

func (p *Peer) sendError(reqID string, err error) {
	if errors.Is(err, errAcked) {
		return
	}
	var pe *protocolError
	if errors.As(err, &pe) {
		p.fail(reqID, pe.code, pe.message)
		return
	}
	p.send(Response{ID: reqID, Type: Error, Error: errorPayload(err)})
}

// Reject answers a frame the transport could not turn into a request
func (p *Peer) Reject(code, message string) {
	p.fail("", code, message)
	p.metrics.RecordRequest(p.opts.Transport, "invalid", "error", 0)
}

func (p *Peer) fail(reqID, code, message string) {
	p.send(Response{ID: reqID, Type: Error, Error: &ErrorPayload{Code: code, Message: message}})
}

func (p *Peer) observe(t RequestType, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, errAcked) {
		status = "error"
	}
	p.metrics.RecordRequest(p.opts.Transport, string(t), status, time.Since(start))
}

// Wait blocks until background requests and subscription pumps finish
func (p *Peer) Wait() {
	p.wg.Wait()
}

// Close cancels background requests, closes every subscription and waits
// for the peer's goroutines. Safe to call twice.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	subs := p.subs
	p.subs = make(map[id.SubscriptionID]*events.Subscription)
	p.mu.Unlock()

	p.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	p.wg.Wait()
}
