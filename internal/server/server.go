package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/api/middleware"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/protocol/inproc"
	"github.com/GriffinCanCode/orchflow/internal/protocol/pubsub"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AgentHeader names the agent a gateway request acts for when the request
// body carries no agent_id
const AgentHeader = "X-Agent-ID"

// MaxBodySize bounds a POST /v1/requests body
const MaxBodySize = 16 * 1024 * 1024

// Options configures the gateway
type Options struct {
	Version     string
	Development bool
	RateLimit   config.RateLimitConfig
	// CORS defaults to middleware.DefaultCORSConfig when AllowOrigins is empty
	CORS    middleware.CORSConfig
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	Logger  *zap.Logger
}

// Server is the HTTP gateway in front of an engine
type Server struct {
	engine protocol.Engine
	opts   Options
	logger *zap.Logger
	router *gin.Engine
	ws     *pubsub.Handler

	mu   sync.Mutex
	http *http.Server
}

// Batch is the body of a POST /v1/requests reply
type Batch struct {
	Responses []protocol.Response `json:"responses"`
}

// New builds the router and its middleware stack
func New(engine protocol.Engine, opts Options) *Server {
	logger := logging.OrNop(opts.Logger).Named("gateway")
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	if len(opts.CORS.AllowOrigins) == 0 {
		opts.CORS = middleware.DefaultCORSConfig()
	}

	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger,
		router: gin.New(),
		ws: pubsub.NewHandler(engine, pubsub.Options{
			RateLimit: opts.RateLimit,
			Metrics:   opts.Metrics,
			Logger:    logger.Named("ws"),
		}),
	}

	s.router.Use(gin.Recovery())
	if opts.Tracer != nil {
		s.router.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	s.router.Use(monitoring.Middleware(opts.Metrics))
	s.router.Use(middleware.CORS(opts.CORS))

	s.router.GET("/", s.root)
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	s.router.GET("/ws", gin.WrapH(s.ws))

	// The WebSocket peer limits its own request rate, so only the unary
	// endpoint goes through the per-IP limiter
	v1 := s.router.Group("/v1")
	v1.Use(middleware.RateLimit(opts.RateLimit))
	v1.POST("/requests", s.request)

	if opts.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", opts.RateLimit.RequestsPerSecond),
			zap.Int("burst", opts.RateLimit.Burst),
		)
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve handles HTTP on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight requests and
// WebSocket connections until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP gateway")
	err := srv.Shutdown(ctx)

	// Hijacked WebSocket connections are not tracked by http.Server
	done := make(chan struct{})
	go func() {
		s.ws.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":        "orchflow",
		"version":        s.opts.Version,
		"schema_version": protocol.Version,
	})
}

func (s *Server) health(c *gin.Context) {
	snap := s.engine.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"sessions_active": snap.SessionsActive,
		"panes_active":    snap.PanesActive,
		"uptime_seconds":  snap.UptimeSeconds,
	})
}

// request runs one protocol request and replies with every response it
// produced. Protocol errors travel inside the batch with status 200; only
// an unreadable body is a 4xx.
func (s *Server) request(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize))
	if err != nil {
		s.reply(c, http.StatusRequestEntityTooLarge, Batch{Responses: []protocol.Response{
			errorResponse("", protocol.CodeInvalidMessage, "request body too large"),
		}})
		return
	}

	req, err := protocol.DecodeRequest(protocol.JSON, body)
	if err != nil {
		s.reply(c, http.StatusBadRequest, Batch{Responses: []protocol.Response{
			errorResponse("", protocol.CodeInvalidMessage, err.Error()),
		}})
		return
	}

	resps, err := inproc.Call(c.Request.Context(), s.engine, req, protocol.PeerOptions{
		Transport: "http",
		AgentID:   id.AgentID(c.GetHeader(AgentHeader)),
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	})
	if err != nil {
		// The client went away
		s.logger.Debug("Gateway request abandoned", zap.String("type", string(req.Type)), zap.Error(err))
		c.Status(http.StatusRequestTimeout)
		return
	}
	s.reply(c, http.StatusOK, Batch{Responses: resps})
}

func (s *Server) reply(c *gin.Context, status int, batch Batch) {
	if batch.Responses == nil {
		batch.Responses = []protocol.Response{}
	}
	for i := range batch.Responses {
		batch.Responses[i].V = protocol.Version
	}
	data, err := protocol.JSON.Marshal(batch)
	if err != nil {
		s.logger.Error("Failed to encode gateway reply", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", data)
}

func errorResponse(reqID, code, message string) protocol.Response {
	return protocol.Response{
		ID:    reqID,
		Type:  protocol.Error,
		Error: &protocol.ErrorPayload{Code: code, Message: message},
	}
}
