package orchestrator

import (
	"context"
	"sync"
)

// actor runs mutations one at a time on a single goroutine. It is the only
// code path that touches the table.
type actor struct {
	queue    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newActor(queue int) *actor {
	if queue <= 0 {
		queue = 1024
	}
	a := &actor{
		queue: make(chan func(), queue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.queue:
			fn()
		case <-a.stop:
			// Run what was already accepted, then exit
			for {
				select {
				case fn := <-a.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// call runs fn on the actor and returns its error. ctx only bounds the wait
// for a queue slot: once accepted, fn always runs to completion.
func (a *actor) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() { result <- fn() }

	select {
	case <-a.stop:
		return ErrShuttingDown
	default:
	}

	select {
	case a.queue <- task:
	case <-a.stop:
		return ErrShuttingDown
	case <-ctx.Done():
		return newError(CodeTimeout, ctx.Err(), "waiting for orchestrator")
	}

	select {
	case err := <-result:
		return err
	case <-a.done:
		// The loop may have exited before draining a task queued in a race
		// with shutdown.
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

func (a *actor) close() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}
