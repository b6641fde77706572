package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ErrClientClosed is returned after Close or once the stream ends
var ErrClientClosed = errors.New("rpc: client closed")

// ClientOptions configures Dial
type ClientOptions struct {
	// Codec selects the stream encoding; nil means JSON
	Codec  protocol.Codec
	Tracer *tracing.Tracer
}

// Client holds one Connect stream
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	smu  sync.Mutex
	in   chan protocol.Response
	done chan struct{}
	once sync.Once
	err  error
}

// Dial connects to addr and opens the Connect stream
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	dopts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
			grpc.CallContentSubtype(subtypeOf(opts.Codec)),
		),
	}
	if opts.Tracer != nil {
		dopts = append(dopts, grpc.WithChainStreamInterceptor(tracing.GRPCStreamClientInterceptor(opts.Tracer)))
	}

	conn, err := grpc.NewClient(addr, dopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// The stream outlives ctx, which only bounds stream setup
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], ConnectMethod)
	if !stop() || err != nil {
		cancel()
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	c := &Client{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		in:     make(chan protocol.Response, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		var resp protocol.Response
		if err := c.stream.RecvMsg(&resp); err != nil {
			if !errors.Is(err, io.EOF) {
				c.err = err
			}
			return
		}
		select {
		case c.in <- resp:
		case <-c.done:
			return
		}
	}
}

// Send writes one request and returns its id
func (c *Client) Send(req protocol.Request) (string, error) {
	if req.V == 0 {
		req.V = protocol.Version
	}
	if req.ID == "" {
		req.ID = id.NewRequestID().String()
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	if err := c.stream.SendMsg(&req); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	return req.ID, nil
}

// Recv returns the next response or pushed event
func (c *Client) Recv(ctx context.Context) (protocol.Response, error) {
	select {
	case resp, ok := <-c.in:
		if !ok {
			if c.err != nil {
				return protocol.Response{}, fmt.Errorf("%w: %v", ErrClientClosed, c.err)
			}
			return protocol.Response{}, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// Call sends req and waits for its final response, discarding everything
// else received meanwhile
func (c *Client) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	reqID, err := c.Send(req)
	if err != nil {
		return protocol.Response{}, err
	}
	for {
		resp, err := c.Recv(ctx)
		if err != nil {
			return protocol.Response{}, err
		}
		if resp.ID == reqID && resp.Type != protocol.Progress {
			return resp, nil
		}
	}
}

// Close ends the stream and the connection
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.smu.Lock()
		c.stream.CloseSend()
		c.smu.Unlock()
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
