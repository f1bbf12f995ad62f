package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mkarls/tmux-sentry/internal/state"
	"github.com/mkarls/tmux-sentry/internal/tmux"
)

var observerLogger = slog.Default().With("component", "observer")

// PaneSnapshot is the per-tick view of one pane, never persisted.
type PaneSnapshot struct {
	Host    string
	PaneID  string
	Session string
	Window  string
	Title   string
	Active  bool
	Width   int
	Height  int
}

// Outcome is what one pane produced this tick: its snapshot, the new output
// slice split into lines, and the typed messages tokenized from those lines.
type Outcome struct {
	Snapshot PaneSnapshot
	NewLines []string
	Messages []ParsedMessage
}

// PaneSource is the subset of the tmux adapter the observer consumes.
type PaneSource interface {
	ListPanes(ctx context.Context) ([]tmux.Pane, error)
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
}

// HostObserver observes one host's panes through compiled filters.
type HostObserver struct {
	Host         string
	Source       PaneSource
	CaptureLines int

	sessionFilters []*regexp.Regexp
	panePatterns   []*regexp.Regexp

	store *state.Store
}

// NewHostObserver compiles the host's filters and returns an observer.
// Regex compilation failures are fatal: the filters fail closed at startup.
func NewHostObserver(host string, source PaneSource, store *state.Store, captureLines int, sessionFilters, panePatterns []string) (*HostObserver, error) {
	o := &HostObserver{
		Host:         host,
		Source:       source,
		CaptureLines: captureLines,
		store:        store,
	}
	for _, expr := range sessionFilters {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("host %s: session filter %q: %w", host, expr, err)
		}
		o.sessionFilters = append(o.sessionFilters, re)
	}
	for _, expr := range panePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("host %s: pane name pattern %q: %w", host, expr, err)
		}
		o.panePatterns = append(o.panePatterns, re)
	}
	return o, nil
}

// matches applies the two filter lists: empty lists pass everything.
func (o *HostObserver) matches(p tmux.Pane) bool {
	if len(o.sessionFilters) > 0 {
		ok := false
		for _, re := range o.sessionFilters {
			if re.MatchString(p.Session) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(o.panePatterns) > 0 {
		ok := false
		for _, re := range o.panePatterns {
			if re.MatchString(p.Title) || re.MatchString(p.Window) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Observe runs one tick for this host: enumerate panes, capture each matching
// pane, slice new output against the stored offset, persist the new offset,
// and tokenize. A tmux failure yields no outcomes for the host this tick.
//
// The offset is persisted before the outcome is handed to policy evaluation:
// bytes are never reprocessed even across a crash, at the cost of possibly
// dropping events from an interrupted tick (at-most-once reads).
func (o *HostObserver) Observe(ctx context.Context) ([]Outcome, error) {
	panes, err := o.Source.ListPanes(ctx)
	if err != nil {
		if errors.Is(err, tmux.ErrUnavailable) {
			observerLogger.Warn("tmux unavailable, skipping host this tick", "host", o.Host, "error", err)
			return nil, nil
		}
		return nil, err
	}

	var outcomes []Outcome
	for _, p := range panes {
		if !o.matches(p) {
			continue
		}

		buffer, err := o.Source.CapturePane(ctx, p.ID, o.CaptureLines)
		if err != nil {
			observerLogger.Warn("capture failed, skipping pane", "host", o.Host, "pane", p.ID, "error", err)
			continue
		}

		newSlice, newOffset, err := o.sliceNew(p.ID, buffer)
		if err != nil {
			return nil, err
		}
		// Persist before evaluation. A write failure here is fatal to the
		// tick: offset monotonicity requires persistence before dispatch.
		if err := o.store.SetPaneOffset(o.Host, p.ID, newOffset); err != nil {
			return nil, err
		}

		lines := splitLines(newSlice)
		outcomes = append(outcomes, Outcome{
			Snapshot: PaneSnapshot{
				Host:    o.Host,
				PaneID:  p.ID,
				Session: p.Session,
				Window:  p.Window,
				Title:   p.Title,
				Active:  p.Active,
				Width:   p.Width,
				Height:  p.Height,
			},
			NewLines: lines,
			Messages: ParseMessages(lines),
		})
	}
	return outcomes, nil
}

// sliceNew computes the unseen tail of the capture buffer. If the buffer
// shrank below the stored offset (pane cleared, history truncated), the
// offset resets to zero and the whole buffer is new.
func (o *HostObserver) sliceNew(paneID, buffer string) (string, int64, error) {
	prev, err := o.store.PaneOffset(o.Host, paneID)
	if err != nil {
		return "", 0, err
	}
	size := int64(len(buffer))
	if prev > size {
		observerLogger.Info("capture buffer shrank, resetting offset", "host", o.Host, "pane", paneID, "stored", prev, "buffer", size)
		prev = 0
	}
	return buffer[prev:], size, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
