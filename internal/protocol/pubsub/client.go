package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned after Close or once the connection drops
var ErrClientClosed = errors.New("pubsub: client closed")

// Client is the dialing side of a WebSocket connection
type Client struct {
	conn  *websocket.Conn
	codec protocol.Codec
	mt    int

	wmu  sync.Mutex
	in   chan protocol.Response
	done chan struct{}
	once sync.Once
	err  error
}

// Dial connects to a WebSocket endpoint such as ws://127.0.0.1:7890/ws
func Dial(ctx context.Context, url string, header http.Header, codec protocol.Codec) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if codec == nil {
		codec = protocol.JSON
	}
	mt := websocket.TextMessage
	if codec.Name() == protocol.CBOR.Name() {
		mt = websocket.BinaryMessage
	}
	c := &Client{
		conn:  conn,
		codec: codec,
		mt:    mt,
		in:    make(chan protocol.Response, sendQueue),
		done:  make(chan struct{}),
	}
	conn.SetReadLimit(MaxMessageSize)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		codec := protocol.JSON
		if mt == websocket.BinaryMessage {
			codec = protocol.CBOR
		}
		resp, err := protocol.DecodeResponse(codec, data)
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

// Send writes one request and returns its id
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
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(c.mt, data); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	return req.ID, nil
}

// Recv returns the next response or pushed event
func (c *Client) Recv(ctx context.Context) (protocol.Response, error) {
	select {
	case resp, ok := <-c.in:
		if !ok {
			if c.err != nil && !websocket.IsCloseError(c.err, websocket.CloseNormalClosure) {
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

// Close sends a close frame and closes the connection
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}
