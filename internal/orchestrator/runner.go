package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLIRunner invokes the external decision CLI with a rendered prompt on stdin
// and returns its stdout. The process environment is inherited and overlaid
// with the configured cli_env entries.
type CLIRunner struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// Run executes one decision CLI invocation. The child is killed when the
// timeout elapses; stderr is carried in the error for diagnosis.
func (r *CLIRunner) Run(ctx context.Context, prompt string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = mergeEnv(os.Environ(), r.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("decision CLI %s timed out after %s", r.Command, r.Timeout)
		}
		return nil, fmt.Errorf("decision CLI %s: %w (stderr: %s)", r.Command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// mergeEnv overlays overrides onto a KEY=VALUE environment slice.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := overrides[key]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
