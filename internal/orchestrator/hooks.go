package orchestrator

import (
	"sync"

	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
)

// Hooks lets a state store record session changes. Calls are delivered in
// order on a background goroutine; the orchestrator never waits for them.
type Hooks interface {
	SessionCreated(Session)
	SessionUpdated(Session)
	SessionDeleted(id.SessionID)
}

// HookFuncs adapts optional functions to Hooks
type HookFuncs struct {
	OnCreated func(Session)
	OnUpdated func(Session)
	OnDeleted func(id.SessionID)
}

func (h HookFuncs) SessionCreated(s Session) {
	if h.OnCreated != nil {
		h.OnCreated(s)
	}
}

func (h HookFuncs) SessionUpdated(s Session) {
	if h.OnUpdated != nil {
		h.OnUpdated(s)
	}
}

func (h HookFuncs) SessionDeleted(sessionID id.SessionID) {
	if h.OnDeleted != nil {
		h.OnDeleted(sessionID)
	}
}

const hookQueue = 256

// hookDispatcher delivers hook calls without blocking the actor. When the
// queue is full the call is dropped and logged.
type hookDispatcher struct {
	hooks  Hooks
	logger *zap.Logger
	queue  chan func(Hooks)
	once   sync.Once
	done   chan struct{}
}

func newHookDispatcher(hooks Hooks, logger *zap.Logger) *hookDispatcher {
	d := &hookDispatcher{
		hooks:  hooks,
		logger: logger,
		queue:  make(chan func(Hooks), hookQueue),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *hookDispatcher) run() {
	defer close(d.done)
	for call := range d.queue {
		d.invoke(call)
	}
}

func (d *hookDispatcher) invoke(call func(Hooks)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Persistence hook panicked", zap.Any("panic", r))
		}
	}()
	call(d.hooks)
}

func (d *hookDispatcher) send(call func(Hooks)) {
	if d == nil {
		return
	}
	select {
	case d.queue <- call:
	default:
		d.logger.Warn("Persistence hook queue full, dropping call")
	}
}

func (d *hookDispatcher) created(s Session) { d.send(func(h Hooks) { h.SessionCreated(s) }) }

func (d *hookDispatcher) updated(s Session) { d.send(func(h Hooks) { h.SessionUpdated(s) }) }

func (d *hookDispatcher) deleted(sid id.SessionID) { d.send(func(h Hooks) { h.SessionDeleted(sid) }) }

func (d *hookDispatcher) close() {
	if d == nil {
		return
	}
	d.once.Do(func() { close(d.queue) })
	<-d.done
}
