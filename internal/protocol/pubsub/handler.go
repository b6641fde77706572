// Package pubsub carries the protocol over WebSocket. Text frames hold
// JSON, binary frames hold CBOR, and a connection answers in the format of
// the last request it received. Subscriptions push events as they happen.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// MaxMessageSize bounds one inbound message
	MaxMessageSize = 16 * 1024 * 1024

	sendQueue = 256
)

var errConnClosed = errors.New("pubsub: connection closed")

// Options configures a Handler
type Options struct {
	RateLimit config.RateLimitConfig
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	// CheckOrigin decides whether a browser origin may connect. Nil allows
	// every origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to protocol connections
type Handler struct {
	engine   protocol.Engine
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewHandler creates a WebSocket handler for engine
func NewHandler(engine protocol.Engine, opts Options) *Handler {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		engine: engine,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	c := &client{
		conn: conn,
		send: make(chan outbound, sendQueue),
		done: make(chan struct{}),
	}
	c.messageType.Store(websocket.TextMessage)
	peer := protocol.NewPeer(h.engine, c, protocol.PeerOptions{
		Transport: "ws",
		Streaming: true,
		RateLimit: h.opts.RateLimit,
		Metrics:   h.opts.Metrics,
		Logger:    h.logger,
	})
	logger := h.logger.With(zap.String("remote", r.RemoteAddr), zap.String("agent_id", peer.AgentID().String()))
	logger.Debug("WebSocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("WebSocket handler panicked", zap.Any("panic", rec))
		}
		cancel()
		c.close()
		peer.Close()
		<-writerDone
		conn.Close()
		logger.Debug("WebSocket disconnected")
	}()

	c.readPump(ctx, peer, logger)
}

// Wait blocks until every connection served by h has ended
func (h *Handler) Wait() {
	h.wg.Wait()
}

type outbound struct {
	messageType int
	data        []byte
}

// client is one WebSocket connection. Only writePump writes data frames.
type client struct {
	conn        *websocket.Conn
	send        chan outbound
	done        chan struct{}
	once        sync.Once
	messageType atomic.Int64
}

func (c *client) Send(resp protocol.Response) error {
	mt := int(c.messageType.Load())
	codec := protocol.JSON
	if mt == websocket.BinaryMessage {
		codec = protocol.CBOR
	}
	data, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", codec.Name(), err)
	}
	select {
	case c.send <- outbound{messageType: mt, data: data}:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump(ctx context.Context, peer *protocol.Peer, logger *zap.Logger) {
	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		codec := protocol.JSON
		if mt == websocket.BinaryMessage {
			codec = protocol.CBOR
		}
		c.messageType.Store(int64(mt))
		peer.HandleFrame(ctx, codec, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				c.close()
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
