package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// listPanesSep separates fields in list-panes output. Chosen to be unlikely in
// session names or pane titles.
const listPanesSep = "|#|"

// Pane is the header of one tmux pane as reported by list-panes.
type Pane struct {
	ID      string
	Session string
	Window  string
	Title   string
	Active  bool
	Width   int
	Height  int
}

// ListPanes enumerates every pane on the host across all sessions.
// Unparseable lines are skipped, not fatal.
func (c *Client) ListPanes(ctx context.Context) ([]Pane, error) {
	format := fmt.Sprintf("#{pane_id}%[1]s#{session_name}%[1]s#{window_name}%[1]s#{pane_title}%[1]s#{pane_active}%[1]s#{pane_width}%[1]s#{pane_height}", listPanesSep)
	output, err := c.Run(ctx, "list-panes", "-a", "-F", format)
	if err != nil {
		return nil, err
	}
	return parsePaneList(output), nil
}

// PanesForSession enumerates the panes of a single session.
func (c *Client) PanesForSession(ctx context.Context, session string) ([]Pane, error) {
	format := fmt.Sprintf("#{pane_id}%[1]s#{session_name}%[1]s#{window_name}%[1]s#{pane_title}%[1]s#{pane_active}%[1]s#{pane_width}%[1]s#{pane_height}", listPanesSep)
	output, err := c.Run(ctx, "list-panes", "-s", "-t", session, "-F", format)
	if err != nil {
		return nil, err
	}
	return parsePaneList(output), nil
}

func parsePaneList(output string) []Pane {
	var panes []Pane
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, listPanesSep)
		if len(parts) < 7 {
			continue
		}
		width, _ := strconv.Atoi(parts[5])
		height, _ := strconv.Atoi(parts[6])
		panes = append(panes, Pane{
			ID:      parts[0],
			Session: parts[1],
			Window:  parts[2],
			Title:   parts[3],
			Active:  parts[4] == "1",
			Width:   width,
			Height:  height,
		})
	}
	return panes
}

// CapturePane returns the pane's capture buffer: the most recent `lines`
// scrollback lines plus the visible screen.
func (c *Client) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	return c.Run(ctx, "capture-pane", "-p", "-t", paneID, "-S", fmt.Sprintf("-%d", lines))
}

// SendKeys sends literal text to a pane. Text is split on newlines; each
// segment is sent with -l and segments are joined by C-m. The final C-m is
// appended iff enter is set. Empty text with enter sends a lone C-m.
func (c *Client) SendKeys(ctx context.Context, paneID, text string, enter bool) error {
	if text == "" {
		if enter {
			return c.RunSilent(ctx, "send-keys", "-t", paneID, "C-m")
		}
		return nil
	}

	segments := strings.Split(text, "\n")
	for i, seg := range segments {
		if seg != "" {
			if err := c.RunSilent(ctx, "send-keys", "-t", paneID, "-l", "--", seg); err != nil {
				return err
			}
		}
		last := i == len(segments)-1
		if !last || enter {
			if err := c.RunSilent(ctx, "send-keys", "-t", paneID, "C-m"); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendKeySequence forwards literal key tokens (e.g. "C-c", "Escape") to a
// pane, appending C-m iff enter is set.
func (c *Client) SendKeySequence(ctx context.Context, paneID string, keys []string, enter bool) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := c.RunSilent(ctx, "send-keys", "-t", paneID, key); err != nil {
			return err
		}
	}
	if enter {
		return c.RunSilent(ctx, "send-keys", "-t", paneID, "C-m")
	}
	return nil
}

// PipePane wires pane output to a shell command. With appendOutput set, -o is
// passed so tmux only opens the pipe if none is open, making re-issuing the
// same command a no-op on the destination file.
func (c *Client) PipePane(ctx context.Context, paneID, shellCmd string, appendOutput bool) error {
	args := []string{"pipe-pane"}
	if appendOutput {
		args = append(args, "-o")
	}
	args = append(args, "-t", paneID, shellCmd)
	return c.RunSilent(ctx, args...)
}
