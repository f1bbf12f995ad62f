// Package tmux invokes the tmux binary, locally or over ssh, and parses its
// output. Each call is a single subprocess; nothing is cached between calls.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUnavailable indicates the tmux invocation itself failed: ssh unreachable,
// binary missing, server not running. Callers treat it as "no panes this tick".
var ErrUnavailable = errors.New("tmux unavailable")

// SSHOptions describe how to reach a remote host. A nil value means local.
type SSHOptions struct {
	Target  string // [user@]host
	Port    int
	KeyPath string
	Timeout int // seconds, for ConnectTimeout
}

// Client runs tmux commands against one host.
type Client struct {
	Bin    string      // tmux binary, default "tmux"
	Socket string      // optional -L socket name
	SSH    *SSHOptions // nil for local execution
}

// NewClient creates a local client with the given binary.
func NewClient(bin string) *Client {
	if bin == "" {
		bin = "tmux"
	}
	return &Client{Bin: bin}
}

// NewRemoteClient creates a client that wraps every invocation in ssh.
func NewRemoteClient(bin string, ssh *SSHOptions) *Client {
	c := NewClient(bin)
	c.SSH = ssh
	return c
}

// ShellQuote returns a POSIX-shell-safe single-quoted string.
//
// Required for ssh remote commands because OpenSSH transmits a single command
// string to the remote shell, not an argv vector.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	// Close-quote, escape single quote, reopen: ' -> '\''.
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Client) tmuxArgs(args []string) []string {
	if c.Socket == "" {
		return args
	}
	return append([]string{"-L", c.Socket}, args...)
}

// sshArgs builds the full ssh argv for running a tmux command remotely.
func (c *Client) sshArgs(args []string) []string {
	quoted := make([]string, 0, 1+len(args))
	quoted = append(quoted, c.Bin)
	for _, a := range c.tmuxArgs(args) {
		quoted = append(quoted, ShellQuote(a))
	}

	sshArgv := []string{"-o", "BatchMode=yes"}
	timeout := c.SSH.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	sshArgv = append(sshArgv, "-o", fmt.Sprintf("ConnectTimeout=%d", timeout))
	if c.SSH.Port > 0 {
		sshArgv = append(sshArgv, "-p", strconv.Itoa(c.SSH.Port))
	}
	if c.SSH.KeyPath != "" {
		sshArgv = append(sshArgv, "-i", c.SSH.KeyPath)
	}
	// "--" prevents the target from being parsed as an ssh option.
	sshArgv = append(sshArgv, "--", c.SSH.Target, strings.Join(quoted, " "))
	return sshArgv
}

// Run executes a tmux command and returns trimmed stdout.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cmd *exec.Cmd
	if c.SSH != nil {
		cmd = exec.CommandContext(ctx, "ssh", c.sshArgs(args)...)
	} else {
		cmd = exec.CommandContext(ctx, c.Bin, c.tmuxArgs(args)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %s %s: %v", ErrUnavailable, c.Bin, strings.Join(args, " "), ctxErr)
		}
		return "", fmt.Errorf("%w: %s %s: %v: %s", ErrUnavailable, c.Bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// RunSilent executes a tmux command ignoring stdout.
func (c *Client) RunSilent(ctx context.Context, args ...string) error {
	_, err := c.Run(ctx, args...)
	return err
}

// IsInstalled checks whether tmux is reachable on the target host.
func (c *Client) IsInstalled(ctx context.Context) bool {
	return c.RunSilent(ctx, "-V") == nil
}
