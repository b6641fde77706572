// Package inproc connects an embedding program to the engine without
// serialization. Requests and responses are passed as Go values.
package inproc

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
)

// ErrClosed is returned after the connection was closed
var ErrClosed = errors.New("inproc: connection closed")

// DefaultBuffer is the response queue length of a Conn
const DefaultBuffer = 256

// Conn is an in-process connection. Responses queue in a bounded channel;
// a Conn whose reader stalls slows its own subscriptions only.
type Conn struct {
	peer *protocol.Peer
	out  chan protocol.Response
	done chan struct{}
	once sync.Once
}

// Dial opens a streaming in-process connection to engine
func Dial(engine protocol.Engine, opts protocol.PeerOptions, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if opts.Transport == "" {
		opts.Transport = "inproc"
	}
	opts.Streaming = true

	c := &Conn{
		out:  make(chan protocol.Response, buffer),
		done: make(chan struct{}),
	}
	c.peer = protocol.NewPeer(engine, protocol.SenderFunc(c.deliver), opts)
	return c
}

func (c *Conn) deliver(resp protocol.Response) error {
	select {
	case c.out <- resp:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Send submits a request. Synchronous responses are queued before Send
// returns.
func (c *Conn) Send(ctx context.Context, req protocol.Request) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.peer.Handle(ctx, req)
	return nil
}

// Recv returns the next response
func (c *Conn) Recv(ctx context.Context) (protocol.Response, error) {
	select {
	case resp := <-c.out:
		return resp, nil
	case <-c.done:
		return protocol.Response{}, ErrClosed
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// Responses exposes the response queue
func (c *Conn) Responses() <-chan protocol.Response { return c.out }

// AgentID returns the agent this connection acts as by default
func (c *Conn) AgentID() string { return c.peer.AgentID().String() }

// Close ends every subscription and background request of the connection
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.peer.Close()
	})
	return nil
}

// Call runs one request on a throwaway peer and returns every response it
// produced, in order. Execute and batch_execute are waited for. Subscribe
// is not available.
func Call(ctx context.Context, engine protocol.Engine, req protocol.Request, opts protocol.PeerOptions) ([]protocol.Response, error) {
	if opts.Transport == "" {
		opts.Transport = "inproc"
	}
	opts.Streaming = false

	var (
		mu    sync.Mutex
		resps []protocol.Response
	)
	peer := protocol.NewPeer(engine, protocol.SenderFunc(func(resp protocol.Response) error {
		mu.Lock()
		resps = append(resps, resp)
		mu.Unlock()
		return nil
	}), opts)

	peer.Handle(ctx, req)

	finished := make(chan struct{})
	go func() {
		peer.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		peer.Close()
		<-finished
		return nil, ctx.Err()
	}
	peer.Close()

	mu.Lock()
	defer mu.Unlock()
	return resps, nil
}
