package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Process is the OS-level duplex channel behind a stream. Read returns
// output until the process side closes; implementations are not required
// to be safe for concurrent Writes.
type Process interface {
	io.ReadWriter
	// Resize changes the terminal geometry
	Resize(rows, cols uint16) error
	// Kill forcibly terminates the process and everything it started
	Kill() error
	// Wait blocks until the process exits
	Wait() (ExitStatus, error)
	// Close releases the channel; pending Reads return
	Close() error
	// Pid returns the OS process id, or 0 if there is none locally
	Pid() int
}

// ExitStatus is how a process ended
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the process was terminated by a signal
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

// Spec describes a process to start
type Spec struct {
	Argv []string
	Dir  string
	Env  map[string]string
	Rows uint16
	Cols uint16
	// TTY allocates a pseudo-terminal. Without one stdout and stderr are
	// merged into a pipe and Resize is unsupported.
	TTY bool
	// Input keeps stdin open for Write
	Input  bool
	Limits Limits
	// Limiter enforces Limits; nil means DefaultLimiter
	Limiter *Limiter
}

// StartProcess starts the process described by spec
func StartProcess(spec Spec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("terminal: empty argv")
	}

	limiter := DefaultLimiter()
	if spec.Limiter != nil {
		limiter = *spec.Limiter
	}
	argv, err := limiter.Wrap(spec.Argv, spec.Limits)
	if err != nil {
		return nil, err
	}
	spec.Argv = argv

	var proc Process
	if spec.TTY {
		proc, err = startPTY(spec)
	} else {
		proc, err = startPipes(spec)
	}
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func command(spec Spec) *exec.Cmd {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	if spec.TTY {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	return cmd
}

// killGroup sends SIGKILL to the process group led by pid
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitStatus(cmd *exec.Cmd, waitErr error) (ExitStatus, error) {
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1}, waitErr
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: cmd.ProcessState.ExitCode()}, nil
	}
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}, nil
	}
	return ExitStatus{Code: ws.ExitStatus()}, nil
}

// ptyProcess runs a command on a pseudo-terminal in its own session
type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
}

func startPTY(spec Spec) (*ptyProcess, error) {
	cmd := command(spec)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("terminal: start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProcess) Kill() error {
	return killGroup(p.cmd.Process.Pid)
}

func (p *ptyProcess) Wait() (ExitStatus, error) {
	return exitStatus(p.cmd, p.cmd.Wait())
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}

// pipeProcess runs a command without a terminal. Stdout and stderr share
// one pipe so output keeps its interleaving.
type pipeProcess struct {
	cmd       *exec.Cmd
	out       *os.File
	in        io.WriteCloser
	closeOnce sync.Once
}

func startPipes(spec Spec) (*pipeProcess, error) {
	cmd := command(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("terminal: create pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	var in io.WriteCloser
	if spec.Input {
		in, err = cmd.StdinPipe()
		if err != nil {
			r.Close()
			w.Close()
			return nil, fmt.Errorf("terminal: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("terminal: start process: %w", err)
	}
	// The child holds its own copy of the write end.
	w.Close()

	return &pipeProcess{cmd: cmd, out: r, in: in}, nil
}

func (p *pipeProcess) Read(b []byte) (int, error) { return p.out.Read(b) }
func (p *pipeProcess) Pid() int                   { return p.cmd.Process.Pid }

func (p *pipeProcess) Write(b []byte) (int, error) {
	if p.in == nil {
		return 0, ErrUnsupported
	}
	return p.in.Write(b)
}

func (p *pipeProcess) Resize(rows, cols uint16) error {
	return ErrUnsupported
}

func (p *pipeProcess) Kill() error {
	return killGroup(p.cmd.Process.Pid)
}

func (p *pipeProcess) Wait() (ExitStatus, error) {
	return exitStatus(p.cmd, p.cmd.Wait())
}

func (p *pipeProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.in != nil {
			p.in.Close()
		}
		err = p.out.Close()
	})
	return err
}
