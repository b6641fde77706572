// Package protocoltest builds an orchestrator over the in-memory fake
// backend for transport tests.
package protocoltest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/mux/muxtest"
	"github.com/GriffinCanCode/orchflow/internal/orchestrator"
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// EchoScript makes scripted panes print the argument of "echo" and exit 0.
// "false" exits 1; any other scripted command exits 0 silently.
// Interactive panes stay open.
func EchoScript(req mux.PaneRequest) (string, int, bool) {
	if req.Kind != mux.PaneScripted {
		return "", 0, false
	}
	switch {
	case strings.HasPrefix(req.Command, "echo "):
		return strings.TrimPrefix(req.Command, "echo ") + "\n", 0, true
	case req.Command == "false":
		return "", 1, true
	default:
		return "", 0, true
	}
}

// NewEngine returns an orchestrator with the standard policy as default,
// closed when the test ends
func NewEngine(t testing.TB) (*orchestrator.Orchestrator, *muxtest.Fake) {
	t.Helper()
	bus := events.NewBus(256, nil)
	fake := muxtest.NewFake()
	fake.Publisher = bus
	fake.Script = EchoScript

	policies, err := security.NewRegistry(security.PresetStandard, 64)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Orchestrator.RetryInitial = time.Millisecond
	cfg.Orchestrator.RetryMax = 5 * time.Millisecond

	orch, err := orchestrator.New(orchestrator.Options{
		Backend:      fake,
		Policies:     policies,
		Bus:          bus,
		Metrics:      monitoring.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Orchestrator: cfg.Orchestrator,
		Terminal:     cfg.Terminal,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
		bus.Close()
	})
	return orch, fake
}
