package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage")

// command builds one protocol request from its arguments
type command struct {
	name    string
	args    string
	summary string
	build   func(fs *pflag.FlagSet, args []string) (protocol.Request, error)
	flags   func(fs *pflag.FlagSet)
	// raw stops flag parsing at the first positional argument so the
	// command's own words may look like flags
	raw bool
}

var commands = []command{
	{
		name:    "sessions",
		summary: "list sessions",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			return protocol.Request{Type: protocol.ListSessions}, exactArgs(args, 0)
		},
	},
	{
		name:    "new-session",
		summary: "create a session",
		flags: func(fs *pflag.FlagSet) {
			fs.String("name", "", "session name")
			fs.Bool("persistent", false, "keep the session after its last pane exits")
			fs.String("policy", "", "security policy name")
			fs.StringToString("meta", nil, "metadata key=value pairs")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			name, _ := fs.GetString("name")
			persistent, _ := fs.GetBool("persistent")
			policy, _ := fs.GetString("policy")
			meta, _ := fs.GetStringToString("meta")
			return protocol.Request{
				Type:       protocol.CreateSession,
				Name:       name,
				Persistent: persistent,
				Policy:     policy,
				Metadata:   meta,
			}, exactArgs(args, 0)
		},
	},
	{
		name:    "kill-session",
		args:    "SESSION",
		summary: "kill a session and its panes",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 1); err != nil {
				return protocol.Request{}, err
			}
			return protocol.Request{Type: protocol.KillSession, SessionID: id.SessionID(args[0])}, nil
		},
	},
	{
		name:    "spawn",
		args:    "SESSION",
		summary: "spawn a pane",
		flags: func(fs *pflag.FlagSet) {
			fs.String("kind", string(mux.PaneTerminal), "pane kind: terminal, scripted or output_only")
			fs.String("command", "", "command to run instead of the default shell")
			fs.String("dir", "", "working directory")
			fs.StringToString("env", nil, "environment key=value pairs")
			fs.Uint16("rows", 0, "terminal rows")
			fs.Uint16("cols", 0, "terminal columns")
			fs.String("policy", "", "security policy override")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 1); err != nil {
				return protocol.Request{}, err
			}
			kind, _ := fs.GetString("kind")
			if !mux.PaneKind(kind).Valid() {
				return protocol.Request{}, fmt.Errorf("unknown pane kind %q", kind)
			}
			cmd, _ := fs.GetString("command")
			dir, _ := fs.GetString("dir")
			env, _ := fs.GetStringToString("env")
			rows, _ := fs.GetUint16("rows")
			cols, _ := fs.GetUint16("cols")
			policy, _ := fs.GetString("policy")
			return protocol.Request{
				Type:      protocol.SpawnTerminal,
				SessionID: id.SessionID(args[0]),
				Kind:      mux.PaneKind(kind),
				Command:   cmd,
				Dir:       dir,
				Env:       env,
				Rows:      rows,
				Cols:      cols,
				Policy:    policy,
			}, nil
		},
	},
	{
		name:    "panes",
		args:    "SESSION",
		summary: "list the panes of a session",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 1); err != nil {
				return protocol.Request{}, err
			}
			return protocol.Request{Type: protocol.ListTerminals, SessionID: id.SessionID(args[0])}, nil
		},
	},
	{
		name:    "exec",
		raw:     true,
		args:    "PANE COMMAND...",
		summary: "run a command in a pane and print its output",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			if len(args) < 2 {
				return protocol.Request{}, errUsage
			}
			return protocol.Request{Type: protocol.Execute, PaneID: id.PaneID(args[0]), Command: commandLine(args[1:])}, nil
		},
	},
	{
		name:    "batch",
		raw:     true,
		args:    "PANE COMMAND...",
		summary: "run several commands, one per argument",
		flags: func(fs *pflag.FlagSet) {
			fs.Bool("parallel", false, "run commands concurrently")
			fs.Bool("stop-on-error", false, "skip the remaining commands after a failure")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			if len(args) < 2 {
				return protocol.Request{}, errUsage
			}
			parallel, _ := fs.GetBool("parallel")
			stop, _ := fs.GetBool("stop-on-error")
			return protocol.Request{
				Type:        protocol.BatchExecute,
				PaneID:      id.PaneID(args[0]),
				Commands:    args[1:],
				Parallel:    parallel,
				StopOnError: stop,
			}, nil
		},
	},
	{
		name:    "send",
		raw:     true,
		args:    "PANE TEXT...",
		summary: "write text to a pane",
		flags: func(fs *pflag.FlagSet) {
			fs.BoolP("no-newline", "n", false, "do not append a newline")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			if len(args) < 2 {
				return protocol.Request{}, errUsage
			}
			text := strings.Join(args[1:], " ")
			if noNewline, _ := fs.GetBool("no-newline"); !noNewline {
				text += "\n"
			}
			return protocol.Request{Type: protocol.StreamInput, PaneID: id.PaneID(args[0]), Data: []byte(text)}, nil
		},
	},
	{
		name:    "capture",
		args:    "PANE",
		summary: "print a pane's scrollback",
		flags: func(fs *pflag.FlagSet) {
			fs.Int("lines", protocol.DefaultCaptureLines, "number of lines")
			fs.String("from", "end", "count lines from the start or the end")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 1); err != nil {
				return protocol.Request{}, err
			}
			lines, _ := fs.GetInt("lines")
			from, _ := fs.GetString("from")
			return protocol.Request{Type: protocol.CaptureOutput, PaneID: id.PaneID(args[0]), Lines: lines, From: from}, nil
		},
	},
	{
		name:    "resize",
		args:    "PANE ROWS COLS",
		summary: "resize a pane",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 3); err != nil {
				return protocol.Request{}, err
			}
			rows, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return protocol.Request{}, fmt.Errorf("rows: %w", err)
			}
			cols, err := strconv.ParseUint(args[2], 10, 16)
			if err != nil {
				return protocol.Request{}, fmt.Errorf("cols: %w", err)
			}
			return protocol.Request{Type: protocol.Resize, PaneID: id.PaneID(args[0]), Rows: uint16(rows), Cols: uint16(cols)}, nil
		},
	},
	{
		name:    "kill",
		args:    "PANE",
		summary: "kill a pane",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			if err := exactArgs(args, 1); err != nil {
				return protocol.Request{}, err
			}
			return protocol.Request{Type: protocol.KillTerminal, PaneID: id.PaneID(args[0])}, nil
		},
	},
	{
		name:    "metrics",
		summary: "print engine counters",
		build: func(_ *pflag.FlagSet, args []string) (protocol.Request, error) {
			return protocol.Request{Type: protocol.MetricsRequest}, exactArgs(args, 0)
		},
	},
	{
		name:    "watch",
		summary: "stream events over WebSocket until interrupted",
		flags: func(fs *pflag.FlagSet) {
			fs.String("pane", "", "only this pane's output")
			fs.String("session", "", "only this session's events")
			fs.StringSlice("events", nil, "event types to include")
		},
		build: func(fs *pflag.FlagSet, args []string) (protocol.Request, error) {
			pane, _ := fs.GetString("pane")
			session, _ := fs.GetString("session")
			types, _ := fs.GetStringSlice("events")
			req := protocol.Request{
				Type:      protocol.Subscribe,
				PaneID:    id.PaneID(pane),
				SessionID: id.SessionID(session),
			}
			for _, t := range types {
				req.Events = append(req.Events, events.Type(t))
			}
			return req, exactArgs(args, 0)
		},
	},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// parse builds the request for one command line such as
// ["exec", "pane_01", "ls", "-la"]
func parse(args []string) (command, protocol.Request, error) {
	if len(args) == 0 {
		return command{}, protocol.Request{}, errUsage
	}
	cmd, ok := lookup(args[0])
	if !ok {
		return command{}, protocol.Request{}, fmt.Errorf("unknown command %q", args[0])
	}
	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.SetInterspersed(!cmd.raw)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return cmd, protocol.Request{}, err
	}
	req, err := cmd.build(fs, fs.Args())
	if errors.Is(err, errUsage) {
		err = fmt.Errorf("usage: orchctl %s %s", cmd.name, cmd.args)
	}
	return cmd, req, err
}

// commandLine keeps a single argument verbatim and quotes several so the
// shell sees the same words
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellquote.Join(args...)
}

func exactArgs(args []string, n int) error {
	if len(args) != n {
		return errUsage
	}
	return nil
}
