package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/protocol/pubsub"
	"github.com/GriffinCanCode/orchflow/internal/server"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("orchctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("ORCHCTL_ADDR", "http://127.0.0.1:7890"), "gateway base URL")
	agent := fs.String("agent", os.Getenv("ORCHCTL_AGENT"), "agent id sent with every request")
	timeout := fs.Duration("timeout", 60*time.Second, "request timeout")
	jsonOut := fs.Bool("json", false, "print raw responses as JSON")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if fs.NArg() == 0 {
		usage(stderr, fs)
		return 2
	}
	if fs.Arg(0) == "health" {
		return health(*addr, *timeout, stdout, stderr)
	}

	cmd, req, err := parse(fs.Args())
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "orchctl:", err)
		return 2
	}
	if agent := id.AgentID(*agent); agent != "" {
		req.AgentID = agent
	}

	if cmd.name == "watch" {
		return watch(*addr, req, stdout, stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := server.NewClient(*addr, req.AgentID, *timeout)
	resps, err := client.Do(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, "orchctl:", err)
		return 1
	}
	return render(resps, *jsonOut, stdout, stderr)
}

// render prints command output raw and everything else as indented JSON.
// The exit code follows the last error or command exit code.
func render(resps []protocol.Response, jsonOut bool, stdout, stderr io.Writer) int {
	final, err := server.Final(resps)
	if err != nil {
		fmt.Fprintln(stderr, "orchctl:", err)
		return 1
	}
	if jsonOut {
		printJSON(stdout, resps)
		return exitCode(final)
	}

	switch final.Type {
	case protocol.Error:
		fmt.Fprintf(stderr, "orchctl: %s: %s\n", final.Error.Code, final.Error.Message)
	case protocol.Output:
		if final.Output != nil {
			if final.Output.Truncated {
				fmt.Fprintln(stderr, "orchctl: output truncated to the scrollback tail")
			}
			stdout.Write(final.Output.Data)
		}
		for i, r := range final.Results {
			if r.Skipped {
				fmt.Fprintf(stderr, "[%d] %s: skipped\n", i, r.Command)
				continue
			}
			if r.Error != nil {
				fmt.Fprintf(stderr, "[%d] %s: %s\n", i, r.Command, r.Error.Message)
				continue
			}
			if r.Output == nil {
				continue
			}
			fmt.Fprintf(stderr, "[%d] %s: exit %d\n", i, r.Command, r.Output.ExitCode)
			stdout.Write(r.Output.Data)
		}
	case protocol.Ack:
	default:
		printJSON(stdout, final)
	}
	return exitCode(final)
}

func exitCode(resp protocol.Response) int {
	switch {
	case resp.Type == protocol.Error:
		return 1
	case resp.Output != nil && resp.Output.ExitCode != 0:
		return 1
	}
	for _, r := range resp.Results {
		if r.Error != nil || (r.Output != nil && r.Output.ExitCode != 0) {
			return 1
		}
	}
	return 0
}

func health(addr string, timeout time.Duration, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	h, err := server.NewClient(addr, "", timeout).Health(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "orchctl:", err)
		return 1
	}
	printJSON(stdout, h)
	return 0
}

// watch subscribes over WebSocket and prints one JSON line per event
func watch(addr string, req protocol.Request, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := pubsub.Dial(ctx, wsURL(addr), nil, protocol.JSON)
	if err != nil {
		fmt.Fprintln(stderr, "orchctl:", err)
		return 1
	}
	defer conn.Close()

	ack, err := conn.Call(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, "orchctl:", err)
		return 1
	}
	if ack.Type == protocol.Error {
		fmt.Fprintf(stderr, "orchctl: %s: %s\n", ack.Error.Code, ack.Error.Message)
		return 1
	}

	for {
		resp, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			fmt.Fprintln(stderr, "orchctl:", err)
			return 1
		}
		switch resp.Type {
		case protocol.EventResponse:
			line, _ := sonic.ConfigStd.Marshal(resp.Event)
			fmt.Fprintln(stdout, string(line))
		case protocol.Lagged:
			fmt.Fprintf(stderr, "orchctl: missed %d events\n", resp.Missed)
		}
	}
}

func wsURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case !strings.Contains(addr, "://"):
		addr = "ws://" + addr
	}
	return strings.TrimSuffix(addr, "/") + "/ws"
}

func printJSON(w io.Writer, v any) {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: orchctl [flags] COMMAND [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-14s %s\n", "health", "check the gateway")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
}
