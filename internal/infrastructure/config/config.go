package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Backend kinds accepted by ORCH_MUX_BACKEND.
const (
	BackendPTY       = "pty"
	BackendTmux      = "tmux"
	BackendContainer = "container"
)

// Config holds all engine configuration.
type Config struct {
	Server       ServerConfig
	Mux          MuxConfig
	Terminal     TerminalConfig
	Orchestrator OrchestratorConfig
	Security     SecurityConfig
	Logging      LogConfig
	RateLimit    RateLimitConfig
}

// ServerConfig holds listener configuration for every transport.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"ORCH_HTTP_ADDR" default:"127.0.0.1:7890"`
	SocketPath      string        `envconfig:"ORCH_SOCKET_PATH" default:"/tmp/orchflow.sock"`
	SocketEnabled   bool          `envconfig:"ORCH_SOCKET_ENABLED" default:"true"`
	GRPCAddr        string        `envconfig:"ORCH_GRPC_ADDR" default:"127.0.0.1:7891"`
	GRPCEnabled     bool          `envconfig:"ORCH_GRPC_ENABLED" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"ORCH_SHUTDOWN_TIMEOUT" default:"10s"`
}

// MuxConfig selects and configures the mux backend.
type MuxConfig struct {
	Backend          string `envconfig:"ORCH_MUX_BACKEND" default:"pty"`
	TmuxBin          string `envconfig:"ORCH_TMUX_BIN" default:"tmux"`
	TmuxSocket       string `envconfig:"ORCH_TMUX_SOCKET"`
	ContainerRuntime string `envconfig:"ORCH_CONTAINER_RUNTIME" default:"docker"`
	ContainerImage   string `envconfig:"ORCH_CONTAINER_IMAGE" default:"alpine:3.20"`
	DefaultShell     string `envconfig:"ORCH_DEFAULT_SHELL"`
}

// TerminalConfig holds stream manager limits.
type TerminalConfig struct {
	ScrollbackBytes int           `envconfig:"ORCH_SCROLLBACK_BYTES" default:"1048576"`
	ScrollbackLines int           `envconfig:"ORCH_SCROLLBACK_LINES" default:"10000"`
	DefaultRows     int           `envconfig:"ORCH_DEFAULT_ROWS" default:"24"`
	DefaultCols     int           `envconfig:"ORCH_DEFAULT_COLS" default:"80"`
	DrainTimeout    time.Duration `envconfig:"ORCH_DRAIN_TIMEOUT" default:"2s"`
}

// OrchestratorConfig holds actor, subscription and retry settings.
type OrchestratorConfig struct {
	SubscriberBuffer int           `envconfig:"ORCH_SUBSCRIBER_BUFFER" default:"256"`
	ExecTimeout      time.Duration `envconfig:"ORCH_EXEC_TIMEOUT" default:"30s"`
	KillTimeout      time.Duration `envconfig:"ORCH_KILL_TIMEOUT" default:"5s"`
	ActionQueue      int           `envconfig:"ORCH_ACTION_QUEUE" default:"1024"`
	RetryAttempts    int           `envconfig:"ORCH_RETRY_ATTEMPTS" default:"4"`
	RetryInitial     time.Duration `envconfig:"ORCH_RETRY_INITIAL" default:"50ms"`
	RetryMax         time.Duration `envconfig:"ORCH_RETRY_MAX" default:"1s"`
	BatchParallelism int           `envconfig:"ORCH_BATCH_PARALLELISM" default:"4"`
}

// SecurityConfig holds policy sources and global limits.
type SecurityConfig struct {
	PolicyFile           string `envconfig:"ORCH_POLICY_FILE"`
	DefaultPolicy        string `envconfig:"ORCH_DEFAULT_POLICY" default:"standard"`
	MaxTerminalsPerAgent int    `envconfig:"ORCH_MAX_TERMINALS_PER_AGENT" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"ORCH_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"ORCH_LOG_DEV" default:"false"`
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"ORCH_RATE_LIMIT_RPS" default:"200"`
	Burst             int  `envconfig:"ORCH_RATE_LIMIT_BURST" default:"400"`
	Enabled           bool `envconfig:"ORCH_RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:7890",
			SocketPath:      "/tmp/orchflow.sock",
			SocketEnabled:   true,
			GRPCAddr:        "127.0.0.1:7891",
			GRPCEnabled:     false,
			ShutdownTimeout: 10 * time.Second,
		},
		Mux: MuxConfig{
			Backend:          BackendPTY,
			TmuxBin:          "tmux",
			ContainerRuntime: "docker",
			ContainerImage:   "alpine:3.20",
		},
		Terminal: TerminalConfig{
			ScrollbackBytes: 1 << 20,
			ScrollbackLines: 10000,
			DefaultRows:     24,
			DefaultCols:     80,
			DrainTimeout:    2 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			SubscriberBuffer: 256,
			ExecTimeout:      30 * time.Second,
			KillTimeout:      5 * time.Second,
			ActionQueue:      1024,
			RetryAttempts:    4,
			RetryInitial:     50 * time.Millisecond,
			RetryMax:         time.Second,
			BatchParallelism: 4,
		},
		Security: SecurityConfig{
			DefaultPolicy:        "standard",
			MaxTerminalsPerAgent: 64,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 200,
			Burst:             400,
			Enabled:           true,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mux.Backend {
	case BackendPTY, BackendTmux, BackendContainer:
	default:
		errs = append(errs, fmt.Errorf("unknown mux backend %q", c.Mux.Backend))
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		errs = append(errs, errors.New("scrollback bytes must be positive"))
	}
	if c.Terminal.DefaultRows <= 0 || c.Terminal.DefaultCols <= 0 {
		errs = append(errs, errors.New("default geometry must be positive"))
	}
	if c.Orchestrator.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber buffer must be positive"))
	}
	if c.Orchestrator.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Orchestrator.ExecTimeout <= 0 {
		errs = append(errs, errors.New("exec timeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
