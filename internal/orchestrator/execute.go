package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/events"
	"github.com/GriffinCanCode/orchflow/internal/mux"
	"github.com/GriffinCanCode/orchflow/internal/security"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Execute runs command in a short-lived scripted pane next to paneID and
// returns its captured output. The pane inherits paneID's session, policy,
// working directory and environment. On timeout the process is killed and
// a timeout error returned.
func (o *Orchestrator) Execute(ctx context.Context, paneID id.PaneID, command string) (Output, error) {
	out, err := o.execute(ctx, paneID, command)
	return out, o.report("execute", "", paneID, err)
}

func (o *Orchestrator) execute(ctx context.Context, paneID id.PaneID, command string) (Output, error) {
	if command == "" {
		return Output{}, newError(CodeValidation, nil, "command is required")
	}
	parent, err := o.lookup(paneID)
	if err != nil {
		return Output{}, err
	}

	timeout := o.cfg.ExecTimeout
	if t := parent.rt.policy.Limits.ExecutionTimeout; t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, rt, err := o.spawn(ctx, spawnArgs{
		agent: parent.rt.agentID,
		cfg: SpawnConfig{
			SessionID: parent.rt.sessionID,
			Kind:      mux.PaneScripted,
			Command:   command,
			Dir:       parent.rt.request.Dir,
			Env:       parent.rt.request.Env,
		},
		op:     security.OpExecute,
		policy: parent.rt.policy,
		origin: paneID,
	})
	if err != nil {
		return Output{}, err
	}

	o.bus.Publish(events.Event{
		Type:      events.CommandExecuted,
		SessionID: rt.sessionID,
		PaneID:    paneID,
		AgentID:   rt.agentID,
		Command:   command,
	})

	select {
	case <-rt.done:
	case <-ctx.Done():
		// Forced kill, never just a signal: the pane must not outlive the call
		killCtx, killCancel := context.WithTimeout(context.Background(), o.cfg.KillTimeout)
		kerr := o.killAfterTimeout(killCtx, rt)
		killCancel()
		if kerr != nil {
			o.logger.Error("Failed to kill timed out command", zap.String("pane_id", rt.id.String()), zap.Error(kerr))
		}
		o.bus.Publish(events.Event{
			Type:      events.CommandCompleted,
			SessionID: rt.sessionID,
			PaneID:    paneID,
			Command:   command,
			State:     "timeout",
			Duration:  time.Since(start),
		})
		return Output{}, newError(CodeTimeout, ctx.Err(), "command %q did not finish within %s", command, timeout)
	}

	exit := rt.exit
	out := Output{
		PaneID:   rt.id,
		Data:      exit.Scrollback,
		Truncated: exit.Truncated,
		ExitCode:  exit.Code,
		State:     exit.State,
		Reason:    exit.Reason,
		Duration:  time.Since(start),
	}
	if out.Data == nil {
		out.Data = []byte{}
	}
	o.bus.Publish(events.Event{
		Type:      events.CommandCompleted,
		SessionID: rt.sessionID,
		PaneID:    paneID,
		Command:   command,
		State:     exit.State.String(),
		ExitCode:  events.IntPtr(exit.Code),
		Duration:  out.Duration,
	})
	return out, nil
}

// killAfterTimeout retires a scripted pane whose command overran
func (o *Orchestrator) killAfterTimeout(ctx context.Context, rt *paneRuntime) error {
	_ = o.actor.call(ctx, func() error {
		if e, ok := o.table.panes[rt.id]; ok && e.rt == rt {
			if o.detach(rt.id) {
				o.reap(rt.sessionID)
			} else {
				o.publish()
			}
		}
		return nil
	})
	return o.forceKill(ctx, rt)
}

// BatchOptions controls BatchExecute
type BatchOptions struct {
	// Parallel runs commands concurrently, bounded by the batch parallelism
	Parallel bool
	// StopOnError skips the remaining commands after the first failure
	StopOnError bool
	// Progress is called after each command finishes
	Progress func(BatchProgress)
}

// BatchResult is the outcome of one command of a batch
type BatchResult struct {
	Index   int
	Command string
	Output  Output
	Err     error
	Skipped bool
}

// Failed reports an error or an unclean exit
func (r BatchResult) Failed() bool {
	return r.Err != nil || (!r.Skipped && !r.Output.Succeeded())
}

// BatchProgress reports one finished command
type BatchProgress struct {
	Completed int
	Total     int
	Result    BatchResult
}

var errBatchStopped = errors.New("batch stopped after failure")

// BatchExecute runs commands against paneID. Results are returned in
// command order; commands skipped by StopOnError are marked Skipped.
func (o *Orchestrator) BatchExecute(ctx context.Context, paneID id.PaneID, commands []string, opts BatchOptions) ([]BatchResult, error) {
	results, err := o.batchExecute(ctx, paneID, commands, opts)
	return results, o.report("batch_execute", "", paneID, err)
}

func (o *Orchestrator) batchExecute(ctx context.Context, paneID id.PaneID, commands []string, opts BatchOptions) ([]BatchResult, error) {
	if len(commands) == 0 {
		return nil, newError(CodeValidation, nil, "batch has no commands")
	}
	if _, err := o.lookup(paneID); err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(commands))
	for i, c := range commands {
		results[i] = BatchResult{Index: i, Command: c, Skipped: true}
	}

	var (
		mu        sync.Mutex
		completed int
	)
	finish := func(r BatchResult) {
		mu.Lock()
		results[r.Index] = r
		completed++
		p := BatchProgress{Completed: completed, Total: len(commands), Result: r}
		mu.Unlock()
		if opts.Progress != nil {
			opts.Progress(p)
		}
	}

	if !opts.Parallel {
		for i, c := range commands {
			if ctx.Err() != nil {
				break
			}
			out, err := o.Execute(ctx, paneID, c)
			r := BatchResult{Index: i, Command: c, Output: out, Err: err}
			finish(r)
			if opts.StopOnError && r.Failed() {
				break
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchParallelism)
	for i, c := range commands {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := o.Execute(gctx, paneID, c)
			r := BatchResult{Index: i, Command: c, Output: out, Err: err}
			finish(r)
			if opts.StopOnError && r.Failed() {
				return errBatchStopped
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errBatchStopped) {
		return results, err
	}
	return results, nil
}
