package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"go.uber.org/zap"
)

// Options configures a Server
type Options struct {
	RateLimit config.RateLimitConfig
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	// CompressThreshold is the payload size from which responses are
	// compressed. Zero uses DefaultCompressThreshold, negative disables.
	CompressThreshold int
	// WriteTimeout bounds one frame write to a slow client
	WriteTimeout time.Duration
}

// Server accepts framed protocol connections on unix or tcp listeners
type Server struct {
	engine protocol.Engine
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// NewServer creates a socket server for engine
func NewServer(engine protocol.Engine, opts Options) *Server {
	switch {
	case opts.CompressThreshold == 0:
		opts.CompressThreshold = DefaultCompressThreshold
	case opts.CompressThreshold < 0:
		opts.CompressThreshold = 0
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		engine:    engine,
		opts:      opts,
		logger:    logging.OrNop(opts.Logger),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen opens a listener. A stale unix socket file left by a previous
// process is removed first.
func Listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done or the server is closed
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.closed.Load() {
		ln.Close()
		return net.ErrClosed
	}
	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("Socket server listening", zap.String("addr", ln.Addr().String()))

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.logger.Warn("Accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	cc := &connection{conn: conn, threshold: s.opts.CompressThreshold, writeTimeout: s.opts.WriteTimeout}
	cc.typ.Store(uint32(FrameJSON))
	peer := protocol.NewPeer(s.engine, cc, protocol.PeerOptions{
		Transport: "socket",
		Streaming: true,
		RateLimit: s.opts.RateLimit,
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	})
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()), zap.String("agent_id", peer.AgentID().String()))
	logger.Debug("Connection opened")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panicked", zap.Any("panic", r))
		}
		cancel()
		conn.Close()
		peer.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
		logger.Debug("Connection closed")
	}()

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, ErrFrameTooLarge):
				peer.Reject(protocol.CodeInvalidMessage, err.Error())
			default:
				logger.Debug("Read failed", zap.Error(err))
			}
			return
		}
		codec, err := CodecFor(f.Type)
		if err != nil {
			peer.Reject(protocol.CodeInvalidMessage, err.Error())
			continue
		}
		cc.typ.Store(uint32(f.Type))
		peer.HandleFrame(ctx, codec, f.Payload)
	}
}

// Close stops every listener and connection and waits for their handlers
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// connection answers in the codec of the most recent request frame
type connection struct {
	conn         net.Conn
	typ          atomic.Uint32
	threshold    int
	writeTimeout time.Duration
}

func (c *connection) Send(resp protocol.Response) error {
	typ := byte(c.typ.Load())
	codec, err := CodecFor(typ)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", codec.Name(), err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(c.conn, Frame{Type: typ, Payload: data}, c.threshold)
}
