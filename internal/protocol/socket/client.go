package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// ErrClientClosed is returned after Close or once the connection drops
var ErrClientClosed = errors.New("socket: client closed")

// Client is the dialing side of a socket connection
type Client struct {
	conn      net.Conn
	codec     protocol.Codec
	typ       byte
	threshold int

	wmu  sync.Mutex
	in   chan protocol.Response
	done chan struct{}
	once sync.Once
	err  error
}

// Dial connects to a socket server. network is "unix" or "tcp".
func Dial(ctx context.Context, network, addr string, codec protocol.Codec) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewClient(conn, codec), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn, codec protocol.Codec) *Client {
	if codec == nil {
		codec = protocol.JSON
	}
	c := &Client{
		conn:      conn,
		codec:     codec,
		typ:       FrameTypeOf(codec),
		threshold: DefaultCompressThreshold,
		in:        make(chan protocol.Response, 256),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.err = err
			return
		}
		codec, err := CodecFor(f.Type)
		if err != nil {
			c.err = err
			return
		}
		resp, err := protocol.DecodeResponse(codec, f.Payload)
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.in <- resp:
		case <-c.done:
			return
		}
	}
}

// Send writes one request. Requests without an id get one.
func (c *Client) Send(req protocol.Request) (string, error) {
	if req.V == 0 {
		req.V = protocol.Version
	}
	if req.ID == "" {
		req.ID = id.NewRequestID().String()
	}
	data, err := c.codec.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", c.codec.Name(), err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteFrame(c.conn, Frame{Type: c.typ, Payload: data}, c.threshold); err != nil {
		return "", err
	}
	return req.ID, nil
}

// Recv returns the next response of any request or subscription
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

// Call sends req and waits for its final response. Progress responses and
// responses to other requests are discarded, so Call suits connections
// without subscriptions.
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

// Close closes the connection
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
