package factory

import (
	"testing"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		backend string
		want    mux.Kind
	}{
		{config.BackendPTY, mux.KindPTY},
		{config.BackendTmux, mux.KindTmux},
		{config.BackendContainer, mux.KindContainer},
	}

	streams := terminal.NewManager(terminal.DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Default().Mux
			cfg.Backend = tt.backend

			b, err := New(cfg, streams, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Kind())
		})
	}
}

func TestNewUnknown(t *testing.T) {
	cfg := config.Default().Mux
	cfg.Backend = "screen"

	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}
