package terminal

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// ErrLimitsUnsupported is returned when a limit is requested but the tool
// that enforces it is missing
var ErrLimitsUnsupported = errors.New("terminal: resource limits unsupported")

// Limits are resource limits set on a process before its command runs.
// Zero means unlimited. Memory and open files become rlimits of the
// process; CPU and process count are accounted to a cgroup scope, so they
// cover the pane's process tree and nothing else.
type Limits struct {
	MaxMemoryBytes uint64
	MaxOpenFiles   uint64
	CPUPercent     int
	MaxProcesses   uint64
}

func (l Limits) rlimits() bool { return l.MaxMemoryBytes > 0 || l.MaxOpenFiles > 0 }

func (l Limits) cgroup() bool { return l.CPUPercent > 0 || l.MaxProcesses > 0 }

// Limiter places a command under Limits by prefixing its argv with
// util-linux prlimit and systemd-run
type Limiter struct {
	// Prlimit is the path of prlimit; empty disables rlimits
	Prlimit string
	// SystemdRun is the path of systemd-run; empty disables cgroup limits
	SystemdRun string
	// User runs scopes in the calling user's service manager
	User bool
}

// FindLimiter looks both tools up on PATH
func FindLimiter() Limiter {
	var l Limiter
	if path, err := exec.LookPath("prlimit"); err == nil {
		l.Prlimit = path
	}
	if path, err := exec.LookPath("systemd-run"); err == nil {
		l.SystemdRun = path
	}
	l.User = os.Geteuid() != 0
	return l
}

var defaultLimiter = sync.OnceValue(FindLimiter)

// DefaultLimiter returns the limiter found on PATH at first use
func DefaultLimiter() Limiter { return defaultLimiter() }

// CanRlimit reports whether memory and open file limits are enforceable
func (l Limiter) CanRlimit() bool { return l.Prlimit != "" }

// CanCgroup reports whether CPU and process limits are enforceable
func (l Limiter) CanCgroup() bool { return l.SystemdRun != "" }

// Wrap returns argv prefixed with the wrappers limits need. The wrappers
// exec the command in place, so it keeps its pid, terminal and process
// group.
func (l Limiter) Wrap(argv []string, limits Limits) ([]string, error) {
	out := argv
	if limits.rlimits() {
		if !l.CanRlimit() {
			return nil, ErrLimitsUnsupported
		}
		w := []string{l.Prlimit}
		if limits.MaxMemoryBytes > 0 {
			w = append(w, "--as="+strconv.FormatUint(limits.MaxMemoryBytes, 10))
		}
		if limits.MaxOpenFiles > 0 {
			w = append(w, "--nofile="+strconv.FormatUint(limits.MaxOpenFiles, 10))
		}
		out = append(append(w, "--"), out...)
	}
	if limits.cgroup() {
		if !l.CanCgroup() {
			return nil, ErrLimitsUnsupported
		}
		w := []string{l.SystemdRun, "--scope", "--quiet", "--collect"}
		if l.User {
			w = append(w, "--user")
		}
		if limits.CPUPercent > 0 {
			w = append(w, "--property=CPUQuota="+strconv.Itoa(limits.CPUPercent)+"%")
		}
		if limits.MaxProcesses > 0 {
			w = append(w, "--property=TasksMax="+strconv.FormatUint(limits.MaxProcesses, 10))
		}
		out = append(append(w, "--"), out...)
	}
	return out, nil
}
