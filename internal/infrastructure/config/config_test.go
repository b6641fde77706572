package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:7890", cfg.Server.HTTPAddr)
	assert.True(t, cfg.Server.SocketEnabled)
	assert.False(t, cfg.Server.GRPCEnabled)

	assert.Equal(t, BackendPTY, cfg.Mux.Backend)
	assert.Equal(t, "tmux", cfg.Mux.TmuxBin)

	assert.Equal(t, 1<<20, cfg.Terminal.ScrollbackBytes)
	assert.Equal(t, 24, cfg.Terminal.DefaultRows)
	assert.Equal(t, 80, cfg.Terminal.DefaultCols)

	assert.Equal(t, 256, cfg.Orchestrator.SubscriberBuffer)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.ExecTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.RetryAttempts)

	assert.Equal(t, "standard", cfg.Security.DefaultPolicy)
	assert.Equal(t, 64, cfg.Security.MaxTerminalsPerAgent)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"ORCH_HTTP_ADDR":               "0.0.0.0:9000",
		"ORCH_GRPC_ENABLED":            "true",
		"ORCH_MUX_BACKEND":             "tmux",
		"ORCH_TMUX_SOCKET":             "/tmp/orch-test.sock",
		"ORCH_SCROLLBACK_BYTES":        "4096",
		"ORCH_EXEC_TIMEOUT":            "5s",
		"ORCH_RETRY_INITIAL":           "10ms",
		"ORCH_MAX_TERMINALS_PER_AGENT": "3",
		"ORCH_LOG_LEVEL":               "debug",
		"ORCH_LOG_DEV":                 "true",
		"ORCH_RATE_LIMIT_ENABLED":      "false",
	}

	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.True(t, cfg.Server.GRPCEnabled)
	assert.Equal(t, BackendTmux, cfg.Mux.Backend)
	assert.Equal(t, "/tmp/orch-test.sock", cfg.Mux.TmuxSocket)
	assert.Equal(t, 4096, cfg.Terminal.ScrollbackBytes)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.ExecTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Orchestrator.RetryInitial)
	assert.Equal(t, 3, cfg.Security.MaxTerminalsPerAgent)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown backend", "ORCH_MUX_BACKEND", "screen"},
		{"zero scrollback", "ORCH_SCROLLBACK_BYTES", "0"},
		{"zero retry attempts", "ORCH_RETRY_ATTEMPTS", "0"},
		{"unparsable duration", "ORCH_EXEC_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.Setenv(tt.key, tt.value))
			defer os.Unsetenv(tt.key)

			_, err := Load()
			assert.Error(t, err)

			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}
