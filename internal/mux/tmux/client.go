package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/orchflow/internal/mux"
)

var paneIDRe = regexp.MustCompile(`^%\d+$`)

// errNotFound is returned when tmux reports a missing session or pane
var errNotFound = errors.New("tmux: target not found")

// client runs tmux commands against one server
type client struct {
	bin    string
	socket string
}

func (c client) baseArgs() []string {
	if c.socket == "" {
		return nil
	}
	if strings.Contains(c.socket, "/") {
		return []string{"-S", c.socket}
	}
	return []string{"-L", c.socket}
}

// argv returns the full command line for args, for use inside panes
func (c client) argv(args ...string) []string {
	out := append([]string{c.bin}, c.baseArgs()...)
	return append(out, args...)
}

func (c client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, append(c.baseArgs(), args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return "", mux.Unavailable("tmux binary %q not found", c.bin)
	}

	msg := strings.TrimSpace(stderr.String())
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting"),
		strings.Contains(msg, "server exited"):
		return "", mux.Unavailable("tmux server: %s", msg)
	case strings.Contains(msg, "can't find"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"):
		return "", fmt.Errorf("%w: %s", errNotFound, msg)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("tmux %s: %s", args[0], msg)
}
