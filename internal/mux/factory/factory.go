// Package factory builds the mux backend selected by configuration.
package factory

import (
	"fmt"

	"github.com/GriffinCanCode/orchflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/mux/container"
	"github.com/GriffinCanCode/orchflow/internal/mux/ptymux"
	"github.com/GriffinCanCode/orchflow/internal/mux/tmux"
	"github.com/GriffinCanCode/orchflow/internal/terminal"
	"go.uber.org/zap"
)

// New returns the backend named by cfg.Backend, streaming through streams
func New(cfg config.MuxConfig, streams *terminal.Manager, logger *zap.Logger) (mux.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case config.BackendPTY, "":
		return ptymux.New(ptymux.Options{
			Shell:   cfg.DefaultShell,
			Streams: streams,
			Logger:  logger.Named("ptymux"),
		}), nil
	case config.BackendTmux:
		return tmux.New(tmux.Options{
			Bin:     cfg.TmuxBin,
			Socket:  cfg.TmuxSocket,
			Shell:   cfg.DefaultShell,
			Streams: streams,
			Logger:  logger.Named("tmux"),
		}), nil
	case config.BackendContainer:
		return container.New(container.Options{
			Runtime: cfg.ContainerRuntime,
			Image:   cfg.ContainerImage,
			Streams: streams,
			Logger:  logger.Named("container"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown mux backend %q", cfg.Backend)
	}
}
