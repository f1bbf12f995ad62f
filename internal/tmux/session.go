package tmux

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Session is one tmux session on the observed host.
type Session struct {
	Name     string
	Windows  int
	Attached bool
	Created  string
}

// SessionExists checks if a session exists.
func (c *Client) SessionExists(ctx context.Context, name string) bool {
	return c.RunSilent(ctx, "has-session", "-t", name) == nil
}

// ListSessions returns all sessions. A missing server yields an empty list,
// not an error.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	output, err := c.Run(ctx, "list-sessions", "-F", "#{session_name}:#{session_windows}:#{session_attached}:#{session_created_string}")
	if err != nil {
		// No server running is not an error - handle various tmux error messages
		msg := err.Error()
		if strings.Contains(msg, "no server running") ||
			strings.Contains(msg, "no sessions") ||
			strings.Contains(msg, "No such file or directory") ||
			strings.Contains(msg, "error connecting to") {
			return nil, nil
		}
		return nil, err
	}
	if output == "" {
		return nil, nil
	}

	var sessions []Session
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 4 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		sessions = append(sessions, Session{
			Name:     parts[0],
			Windows:  windows,
			Attached: parts[2] == "1",
			Created:  parts[3],
		})
	}
	return sessions, nil
}

// NewSession creates a detached session rooted at directory.
func (c *Client) NewSession(ctx context.Context, name, directory string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if directory != "" {
		args = append(args, "-c", directory)
	}
	return c.RunSilent(ctx, args...)
}

// KillSession kills a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	return c.RunSilent(ctx, "kill-session", "-t", name)
}

// ValidateSessionName checks if a session name is valid.
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if strings.ContainsAny(name, ":.") {
		return errors.New("session name cannot contain ':' or '.'")
	}
	return nil
}
