// Package rpc carries the protocol over one bidirectional gRPC stream per
// connection. The service is described by hand, so no generated code is
// needed: each stream message is one protocol Request or Response encoded
// with the JSON or CBOR codec chosen by the client's content subtype.
package rpc

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "orchflow.v1.Orchestrator"

// ConnectMethod is the full method name of the bidirectional stream
const ConnectMethod = "/" + ServiceName + "/Connect"

// MaxMessageSize bounds one stream message in either direction
const MaxMessageSize = 16 * 1024 * 1024

type connector interface {
	connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*connector)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "orchflow/v1/orchestrator.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connector).connect(stream)
}

// Options configures a Server
type Options struct {
	RateLimit config.RateLimitConfig
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	Tracer    *tracing.Tracer
}

// Server serves the Connect stream
type Server struct {
	engine protocol.Engine
	opts   Options
	logger *zap.Logger
	grpc   *grpc.Server
}

// NewServer creates a gRPC server for engine
func NewServer(engine protocol.Engine, opts Options) *Server {
	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
	}

	gopts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
	if opts.Tracer != nil {
		gopts = append(gopts, grpc.ChainStreamInterceptor(tracing.GRPCStreamInterceptor(opts.Tracer)))
	}

	s.grpc = grpc.NewServer(gopts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", ln.Addr().String()))
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop waits for open streams to end
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// Stop closes every stream immediately
func (s *Server) Stop() {
	s.grpc.Stop()
}

func (s *Server) connect(stream grpc.ServerStream) error {
	peer := protocol.NewPeer(s.engine, streamSender{stream}, protocol.PeerOptions{
		Transport: "grpc",
		Streaming: true,
		RateLimit: s.opts.RateLimit,
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	})
	defer peer.Close()

	ctx := stream.Context()
	logger := s.logger.With(zap.String("agent_id", peer.AgentID().String()),
		zap.String("trace_id", string(tracing.GetTraceID(ctx))))
	logger.Debug("Stream opened")
	defer logger.Debug("Stream closed")

	for {
		var req protocol.Request
		if err := stream.RecvMsg(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		peer.Handle(ctx, req)
	}
}

// streamSender relies on the peer serializing Send calls
type streamSender struct {
	stream grpc.ServerStream
}

func (s streamSender) Send(resp protocol.Response) error {
	return s.stream.SendMsg(&resp)
}
