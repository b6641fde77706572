package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/terminal"
)

const (
	pollInterval = 200 * time.Millisecond
	cmdTimeout   = 5 * time.Second
)

// paneProcess adapts one tmux pane to terminal.Process. Output arrives
// through a FIFO fed by pipe-pane; input goes through send-keys.
type paneProcess struct {
	client client
	target string
	pid    int
	fifo   *os.File
	dir    string

	killed    atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
}

func (p *paneProcess) Read(b []byte) (int, error) { return p.fifo.Read(b) }
func (p *paneProcess) Pid() int                   { return p.pid }

func (p *paneProcess) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	if _, err := p.client.run(ctx, "send-keys", "-t", p.target, "-l", "--", string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *paneProcess) Resize(rows, cols uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	_, err := p.client.run(ctx, "resize-window", "-t", p.target,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)))
	return err
}

func (p *paneProcess) Kill() error {
	p.killed.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	_, err := p.client.run(ctx, "kill-pane", "-t", p.target)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// Wait polls tmux until the pane is dead, then removes the pane so the
// pipe-pane writer exits and the FIFO reaches EOF
func (p *paneProcess) Wait() (terminal.ExitStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return terminal.ExitStatus{Code: -1}, nil
		case <-ticker.C:
		}

		status, dead, err := p.deadStatus()
		if errors.Is(err, errNotFound) {
			if p.killed.Load() {
				return terminal.ExitStatus{Code: -1, Signal: syscall.SIGKILL}, nil
			}
			return terminal.ExitStatus{Code: -1}, errors.New("tmux: pane vanished")
		}
		if err != nil || !dead {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		_, _ = p.client.run(ctx, "kill-pane", "-t", p.target)
		cancel()
		return status, nil
	}
}

func (p *paneProcess) deadStatus() (terminal.ExitStatus, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	out, err := p.client.run(ctx, "display-message", "-p", "-t", p.target,
		"#{pane_dead} #{pane_dead_status} #{pane_dead_signal}")
	if err != nil {
		return terminal.ExitStatus{}, false, err
	}
	return parseDeadStatus(out)
}

// parseDeadStatus parses "dead status signal". Older tmux releases leave
// the signal field empty.
func parseDeadStatus(out string) (terminal.ExitStatus, bool, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return terminal.ExitStatus{}, false, fmt.Errorf("tmux: unexpected pane status %q", out)
	}
	if fields[0] != "1" {
		return terminal.ExitStatus{}, false, nil
	}

	status := terminal.ExitStatus{}
	if len(fields) > 1 {
		code, err := strconv.Atoi(fields[1])
		if err == nil {
			status.Code = code
		}
	}
	if len(fields) > 2 {
		if sig, err := strconv.Atoi(fields[2]); err == nil && sig > 0 {
			status.Code = -1
			status.Signal = syscall.Signal(sig)
		}
	}
	return status, true, nil
}

func (p *paneProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		err = p.fifo.Close()
		os.RemoveAll(p.dir)
	})
	return err
}
