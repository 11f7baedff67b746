package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lodestar-ai/lodestar/runtime/agent/broker"
	"github.com/lodestar-ai/lodestar/runtime/agent/run"
	"github.com/lodestar-ai/lodestar/runtime/agent/runlog"
	"github.com/lodestar-ai/lodestar/runtime/agent/sandbox"
	"github.com/lodestar-ai/lodestar/runtime/agent/stream"
)

// finalize settles the run no matter how execution ended: terminal event,
// durable row write, control broadcast, sandbox cleanup, registry cleanup,
// log retention. Every step is attempted; failures are logged, never
// propagated, so a partial outage cannot leave later steps unexecuted.
func (c *Coordinator) finalize(ctx context.Context, job *broker.Job, sink *logSink, st *runState) {
	// The terminal status event ends the stream. Skip when the pump already
	// carried one (an injected stop, for example).
	if sink.terminalStatus() == "" {
		ev := stream.NewStatus(job.RunID, string(st.status), st.errMsg)
		if u := st.usage.total(); u.InputTokens > 0 || u.OutputTokens > 0 {
			ev.Metadata[stream.MetadataUsage] = map[string]any{
				"input_tokens":  u.InputTokens,
				"output_tokens": u.OutputTokens,
			}
		}
		if err := sink.Send(ctx, ev); err != nil {
			c.logger.Error(ctx, "append terminal event", "run_id", job.RunID, "error", err)
		}
	}
	if st.status == run.StatusCompleted {
		if err := sink.Send(ctx, stream.NewStatus(job.RunID, stream.StatusThreadRunEnd, "")); err != nil {
			c.logger.Error(ctx, "append thread_run_end", "run_id", job.RunID, "error", err)
		}
	}

	c.persistRun(ctx, job.RunID, st)

	signal := controlSignal(st.status)
	if err := c.log.PublishControl(ctx, job.RunID, "", signal); err != nil {
		c.logger.Error(ctx, "publish control signal",
			"run_id", job.RunID, "signal", string(signal), "error", err)
	}

	c.cleanupWorkspace(ctx, job.RunID, st.session)

	if st.project != nil && st.project.Sandbox != nil {
		if err := c.sandboxes.Stop(ctx, st.project.Sandbox.ID); err != nil {
			c.logger.Warn(ctx, "stop sandbox",
				"run_id", job.RunID, "sandbox_id", st.project.Sandbox.ID, "error", err)
		}
	}

	if err := c.registry.Deregister(ctx, c.effectiveInstance(job), job.RunID); err != nil {
		c.logger.Warn(ctx, "deregister run", "run_id", job.RunID, "error", err)
	}
	if err := c.log.SetRetention(ctx, job.RunID, retentionTTL); err != nil {
		c.logger.Warn(ctx, "set log retention", "run_id", job.RunID, "error", err)
	}

	c.logger.Info(ctx, "run finalized",
		"run_id", job.RunID, "status", string(st.status), "error", st.errMsg)
}

// persistRun writes the terminal row with the materialized response
// snapshot, retrying on conflict with doubling backoff. A concurrent stop
// call winning the terminal write is confirmation, not an error.
func (c *Coordinator) persistRun(ctx context.Context, runID string, st *runState) {
	events, err := c.log.ReadRange(ctx, runID, 0, -1)
	if err != nil {
		c.logger.Error(ctx, "read response log", "run_id", runID, "error", err)
	}
	responses := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		b, err := ev.Marshal()
		if err != nil {
			c.logger.Warn(ctx, "drop unmarshalable event", "run_id", runID, "error", err)
			continue
		}
		responses = append(responses, b)
	}

	backoff := c.finalizeBackoff
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		err = c.runs.Finalize(ctx, runID, st.status, st.errMsg, responses, time.Now().UTC())
		if err == nil {
			return
		}
		if errors.Is(err, run.ErrAlreadyTerminal) {
			c.logger.Info(ctx, "run already finalized", "run_id", runID)
			return
		}
		c.logger.Warn(ctx, "finalize attempt failed",
			"run_id", runID, "attempt", attempt, "error", err)
		if attempt < finalizeAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}
	c.logger.Error(ctx, "run row not finalized", "run_id", runID, "error", err)
}

// cleanupWorkspace runs the fixed workspace cleanup command list. Non-zero
// exits are logged and skipped; the sandbox is about to stop anyway.
func (c *Coordinator) cleanupWorkspace(ctx context.Context, runID string, session sandbox.Session) {
	if session == nil {
		return
	}
	for _, cmd := range sandbox.CleanupCommands {
		res, err := session.Exec(ctx, cmd)
		if err != nil {
			c.logger.Warn(ctx, "cleanup command", "run_id", runID, "cmd", cmd, "error", err)
			continue
		}
		if res.ExitCode != 0 {
			c.logger.Warn(ctx, "cleanup command exited non-zero",
				"run_id", runID, "cmd", cmd, "exit_code", res.ExitCode)
		}
	}
}

// controlSignal maps a terminal run status to its control broadcast.
func controlSignal(status run.Status) runlog.Signal {
	switch status {
	case run.StatusStopped:
		return runlog.SignalStop
	case run.StatusFailed:
		return runlog.SignalError
	default:
		return runlog.SignalEndStream
	}
}
