// Package dispatch executes the side effects evaluation produced: key sends
// into panes and shell commands, locally or through ssh. Failures are logged
// and dropped; the next tick re-evaluates. Delivery is at-most-once per stage
// entry.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mkarls/tmux-sentry/internal/policy"
	"github.com/mkarls/tmux-sentry/internal/tmux"
)

var dispatchLogger = slog.Default().With("component", "dispatch")

// Runtime is the execution context for one host.
type Runtime struct {
	Host string
	Tmux *tmux.Client
	SSH  *tmux.SSHOptions // nil for local shell execution
}

// Dispatcher executes actions against host runtimes.
type Dispatcher struct {
	DryRun bool
}

// New creates a dispatcher.
func New(dryRun bool) *Dispatcher {
	return &Dispatcher{DryRun: dryRun}
}

// Dispatch executes the actions that target rt's host. Mismatched hosts are
// skipped silently; execution failures are logged and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, rt Runtime, actions []policy.EngineAction) {
	for _, a := range actions {
		if a.Host != rt.Host {
			continue
		}
		if d.DryRun {
			dispatchLogger.Info("dry-run: skipping action",
				"host", a.Host, "pane", a.PaneID, "kind", a.Kind, "command", a.Command)
			continue
		}
		if err := d.run(ctx, rt, a); err != nil {
			dispatchLogger.Error("action dispatch failed",
				"host", a.Host, "pane", a.PaneID, "kind", a.Kind, "error", err)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, rt Runtime, a policy.EngineAction) error {
	switch a.Kind {
	case policy.ActionSendKeys:
		return rt.Tmux.SendKeys(ctx, a.PaneID, a.Command, a.Enter)
	case policy.ActionShell:
		return d.runShell(ctx, rt, a.Command)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// runShell runs a command under bash -lc, wrapped in ssh for remote hosts.
func (d *Dispatcher) runShell(ctx context.Context, rt Runtime, command string) error {
	var cmd *exec.Cmd
	if rt.SSH != nil {
		args := []string{"-o", "BatchMode=yes"}
		timeout := rt.SSH.Timeout
		if timeout <= 0 {
			timeout = 30
		}
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", timeout))
		if rt.SSH.Port > 0 {
			args = append(args, "-p", strconv.Itoa(rt.SSH.Port))
		}
		if rt.SSH.KeyPath != "" {
			args = append(args, "-i", rt.SSH.KeyPath)
		}
		args = append(args, "--", rt.SSH.Target,
			fmt.Sprintf("bash -lc %s", tmux.ShellQuote(command)))
		cmd = exec.CommandContext(ctx, "ssh", args...)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", command)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell %q: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
