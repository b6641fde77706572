package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/logging"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/orchflow/internal/mux/factory"
	"github.com/GriffinCanCode/orchflow/internal/orchestrator"
	"github.com/GriffinCanCode/orchflow/internal/protocol/rpc"
	"github.com/GriffinCanCode/orchflow/internal/protocol/socket"
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/GriffinCanCode/orchflow/internal/server"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "orchflowd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if cfg == nil {
		fmt.Println("orchflowd", version)
		return nil
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting orchflowd",
		zap.String("version", version),
		zap.String("backend", cfg.Mux.Backend),
		zap.String("http_addr", cfg.Server.HTTPAddr),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("orchflowd", logger.Component("tracing"))
	defer tracer.Close()

	bus := events.NewBus(cfg.Orchestrator.SubscriberBuffer, metrics)
	defer bus.Close()

	streams := terminal.NewManager(terminal.Options{
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
		ScrollbackLines: cfg.Terminal.ScrollbackLines,
		DrainTimeout:    cfg.Terminal.DrainTimeout,
		Publisher:       bus,
		Metrics:         metrics,
		Logger:          logger.Component("terminal"),
	})

	backend, err := factory.New(cfg.Mux, streams, logger.Component("mux"))
	if err != nil {
		return err
	}

	policies, err := loadPolicies(cfg.Security)
	if err != nil {
		return err
	}
	logger.Info("Security policies loaded",
		zap.Strings("policies", policies.Names()),
		zap.String("default", policies.Default().Name),
	)

	orch, err := orchestrator.New(orchestrator.Options{
		Backend:      backend,
		Policies:     policies,
		Bus:          bus,
		Metrics:      metrics,
		Logger:       logger.Component("orchestrator"),
		Orchestrator: cfg.Orchestrator,
		Terminal:     cfg.Terminal,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	gateway := server.New(orch, server.Options{
		Version:     version,
		Development: cfg.Logging.Development,
		RateLimit:   cfg.RateLimit,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger.Logger,
	})
	httpLn, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPAddr, err)
	}
	g.Go(func() error { return gateway.Serve(httpLn) })

	var sock *socket.Server
	if cfg.Server.SocketEnabled {
		ln, err := socket.Listen("unix", cfg.Server.SocketPath)
		if err != nil {
			return err
		}
		sock = socket.NewServer(orch, socket.Options{
			RateLimit: cfg.RateLimit,
			Metrics:   metrics,
			Logger:    logger.Component("socket"),
		})
		g.Go(func() error { return sock.Serve(gctx, ln) })
	}

	var grpcSrv *rpc.Server
	if cfg.Server.GRPCEnabled {
		ln, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		grpcSrv = rpc.NewServer(orch, rpc.Options{
			RateLimit: cfg.RateLimit,
			Metrics:   metrics,
			Logger:    logger.Component("grpc"),
			Tracer:    tracer,
		})
		g.Go(func() error { return grpcSrv.Serve(ln) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if sock != nil {
			if err := sock.Close(); err != nil {
				errs = append(errs, fmt.Errorf("socket: %w", err))
			}
		}
		if grpcSrv != nil {
			stopGRPC(shutdownCtx, grpcSrv)
		}
		if err := orch.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
		if err := streams.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("terminal streams: %w", err))
		}
		if len(errs) > 0 {
			logger.Error("Error during shutdown", zap.Error(errors.Join(errs...)))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// loadConfig reads the environment and applies flag overrides. It
// returns nil, nil when only the version was requested.
func loadConfig(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("orchflowd", pflag.ContinueOnError)
	httpAddr := fs.String("http-addr", "", "HTTP gateway address (overrides ORCH_HTTP_ADDR)")
	backend := fs.String("backend", "", "mux backend: pty, tmux or container (overrides ORCH_MUX_BACKEND)")
	socketPath := fs.String("socket", "", "unix socket path (overrides ORCH_SOCKET_PATH)")
	noSocket := fs.Bool("no-socket", false, "disable the unix socket listener")
	grpcAddr := fs.String("grpc-addr", "", "enable the gRPC listener on this address")
	policyFile := fs.String("policy-file", "", "YAML security policy file (overrides ORCH_POLICY_FILE)")
	policy := fs.String("policy", "", "default security policy name (overrides ORCH_DEFAULT_POLICY)")
	dev := fs.Bool("dev", false, "development logging (colored, debug level)")
	showVersion := fs.BoolP("version", "v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if fs.Changed("http-addr") {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if fs.Changed("backend") {
		cfg.Mux.Backend = *backend
	}
	if fs.Changed("socket") {
		cfg.Server.SocketPath = *socketPath
	}
	if *noSocket {
		cfg.Server.SocketEnabled = false
	}
	if fs.Changed("grpc-addr") {
		cfg.Server.GRPCAddr = *grpcAddr
		cfg.Server.GRPCEnabled = true
	}
	if fs.Changed("policy-file") {
		cfg.Security.PolicyFile = *policyFile
	}
	if fs.Changed("policy") {
		cfg.Security.DefaultPolicy = *policy
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPolicies builds the preset registry, merges the policy file and then
// applies the configured default, which may name a policy from the file
func loadPolicies(cfg config.SecurityConfig) (*security.Registry, error) {
	policies, err := security.NewRegistry(security.PresetStandard, cfg.MaxTerminalsPerAgent)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		if err := policies.LoadFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultPolicy != "" {
		if err := policies.SetDefault(cfg.DefaultPolicy); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

func stopGRPC(ctx context.Context, srv *rpc.Server) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		srv.Stop()
	case <-time.After(time.Second):
		// Connect streams stay open until clients hang up
		srv.Stop()
	}
}
