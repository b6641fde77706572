package mux

import (
	"os"

	"github.com/kballard/go-shellquote"
)

// DefaultShell returns shell, then $SHELL, then /bin/sh
func DefaultShell(shell string) string {
	if shell != "" {
		return shell
	}
	if env := os.Getenv("SHELL"); env != "" {
		return env
	}
	return "/bin/sh"
}

// ShellArgv returns the argv that runs command. Scripted panes always use
// /bin/sh so output does not depend on the user's shell startup files.
func ShellArgv(shell string, req PaneRequest) []string {
	if req.Command == "" {
		return []string{DefaultShell(shell)}
	}
	if req.Kind == PaneScripted {
		return []string{"/bin/sh", "-c", req.Command}
	}
	return []string{DefaultShell(shell), "-c", req.Command}
}

// ShellLine quotes argv into one shell command line
func ShellLine(argv []string) string {
	return shellquote.Join(argv...)
}
