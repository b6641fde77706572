// Package muxtest provides test doubles for mux.Backend: a testify mock
// for call expectations and an in-memory Fake for behavior.
package muxtest

import (
	"context"

	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/stretchr/testify/mock"
)

// MockBackend is a testify mock implementing mux.Backend
type MockBackend struct {
	mock.Mock
}

var _ mux.Backend = (*MockBackend)(nil)

func (m *MockBackend) Kind() mux.Kind {
	return m.Called().Get(0).(mux.Kind)
}

func (m *MockBackend) Capabilities() mux.Capabilities {
	return m.Called().Get(0).(mux.Capabilities)
}

func (m *MockBackend) CreateSession(ctx context.Context, name string) (id.SessionID, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(id.SessionID), args.Error(1)
}

func (m *MockBackend) ListSessions(ctx context.Context) ([]mux.SessionInfo, error) {
	args := m.Called(ctx)
	sessions, _ := args.Get(0).([]mux.SessionInfo)
	return sessions, args.Error(1)
}

func (m *MockBackend) KillSession(ctx context.Context, session id.SessionID) error {
	return m.Called(ctx, session).Error(0)
}

func (m *MockBackend) CreatePane(ctx context.Context, session id.SessionID, req mux.PaneRequest) (id.PaneID, mux.Handle, error) {
	args := m.Called(ctx, session, req)
	return args.Get(0).(id.PaneID), args.Get(1).(mux.Handle), args.Error(2)
}

func (m *MockBackend) ResizePane(ctx context.Context, h mux.Handle, rows, cols uint16) error {
	return m.Called(ctx, h, rows, cols).Error(0)
}

func (m *MockBackend) SendInput(ctx context.Context, h mux.Handle, data []byte) error {
	return m.Called(ctx, h, data).Error(0)
}

func (m *MockBackend) CaptureOutput(ctx context.Context, h mux.Handle, r mux.Range) ([]byte, error) {
	args := m.Called(ctx, h, r)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockBackend) KillPane(ctx context.Context, h mux.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockBackend) Wait(ctx context.Context, h mux.Handle) (mux.Exit, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(mux.Exit), args.Error(1)
}

func (m *MockBackend) Close() error {
	return m.Called().Error(0)
}
