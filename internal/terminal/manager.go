package terminal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
)

// Options configures a Manager
type Options struct {
	ScrollbackBytes int
	ScrollbackLines int
	DrainTimeout    time.Duration
	Publisher       events.Publisher
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// DefaultOptions returns 1MB / 10000 line scrollback with a 2s drain
func DefaultOptions() Options {
	return Options{
		ScrollbackBytes: 1 << 20,
		ScrollbackLines: 10000,
		DrainTimeout:    2 * time.Second,
	}
}

// Manager tracks the live streams of one process
type Manager struct {
	streams  sync.Map // map[id.PaneID]*Stream
	opts     Options
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// NewManager creates a stream manager
func NewManager(opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.ScrollbackBytes <= 0 {
		opts.ScrollbackBytes = defaults.ScrollbackBytes
	}
	if opts.ScrollbackLines < 0 {
		opts.ScrollbackLines = 0
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DrainTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{opts: opts}
}

// Start launches the process described by spec and begins streaming it
func (m *Manager) Start(paneID id.PaneID, sessionID id.SessionID, spec Spec) (*Stream, error) {
	if m.shutdown.Load() {
		return nil, ErrShutdown
	}
	if _, exists := m.streams.Load(paneID); exists {
		return nil, ErrExists
	}
	if spec.Rows == 0 || spec.Cols == 0 {
		return nil, ErrInvalidSize
	}

	proc, err := StartProcess(spec)
	if err != nil {
		return nil, err
	}
	return m.attach(paneID, sessionID, proc, spec)
}

// Attach streams a process that was started elsewhere, such as a pane
// living inside an external multiplexer
func (m *Manager) Attach(paneID id.PaneID, sessionID id.SessionID, proc Process, spec Spec) (*Stream, error) {
	if m.shutdown.Load() {
		return nil, ErrShutdown
	}
	if _, exists := m.streams.Load(paneID); exists {
		return nil, ErrExists
	}
	return m.attach(paneID, sessionID, proc, spec)
}

func (m *Manager) attach(paneID id.PaneID, sessionID id.SessionID, proc Process, spec Spec) (*Stream, error) {
	s := &Stream{
		paneID:     paneID,
		sessionID:  sessionID,
		proc:       proc,
		spec:       spec,
		startedAt:  time.Now(),
		buf:        NewRingBuffer(m.opts.ScrollbackBytes),
		maxLines:   m.opts.ScrollbackLines,
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
		publisher:  m.opts.Publisher,
		metrics:    m.opts.Metrics,
		logger:     m.opts.Logger,
		drain:      m.opts.DrainTimeout,
		onDone:     m.release,
	}
	s.rows.Store(uint32(spec.Rows))
	s.cols.Store(uint32(spec.Cols))

	if _, loaded := m.streams.LoadOrStore(paneID, s); loaded {
		_ = proc.Kill()
		_, _ = proc.Wait()
		_ = proc.Close()
		return nil, ErrExists
	}

	m.wg.Add(1)
	s.run()

	m.opts.Logger.Debug("Pane started",
		zap.String("pane_id", paneID.String()),
		zap.String("session_id", sessionID.String()),
		zap.Int("pid", proc.Pid()),
		zap.Bool("tty", spec.TTY))
	return s, nil
}

func (m *Manager) release(s *Stream) {
	m.streams.CompareAndDelete(s.paneID, s)
	m.wg.Done()
}

// Get returns the live stream for a pane
func (m *Manager) Get(paneID id.PaneID) (*Stream, bool) {
	v, ok := m.streams.Load(paneID)
	if !ok {
		return nil, false
	}
	return v.(*Stream), true
}

// List returns every live stream
func (m *Manager) List() []*Stream {
	var out []*Stream
	m.streams.Range(func(_, v any) bool {
		out = append(out, v.(*Stream))
		return true
	})
	return out
}

// Len returns the number of live streams
func (m *Manager) Len() int {
	n := 0
	m.streams.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown kills every stream and waits for them to finish or ctx to end.
// Start fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)
	for _, s := range m.List() {
		_ = s.Kill()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
