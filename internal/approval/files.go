// Package approval manages human-in-the-loop decisions for pipeline stages.
// Two independent channels decide a stage: a plain-text drop file in the
// approval directory, and an HMAC-signed URL token. Whichever arrives first
// wins; the other is cleaned up. Both channels consume on read.
package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mkarls/tmux-sentry/internal/util"
)

// Decision is the outcome of polling one approval channel.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionApprove
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionReject:
		return "reject"
	default:
		return "none"
	}
}

// fileEscaper substitutes characters forbidden on typical filesystems. The
// mapping only needs to be collision-free for a known (host, pane, stage)
// key, not globally invertible.
var fileEscaper = strings.NewReplacer(
	"%", "_pct_",
	"/", "_sl_",
	":", "_co_",
)

// Manager derives approval file paths and polls drop-file decisions.
type Manager struct {
	dir string
}

// NewManager returns a manager rooted at the approval directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the approval directory.
func (m *Manager) Dir() string { return m.dir }

// FilePath derives the deterministic drop-file path for a stage key.
func (m *Manager) FilePath(host, paneID, stage string) string {
	name := fmt.Sprintf("%s__%s__%s", fileEscaper.Replace(host), fileEscaper.Replace(paneID), fileEscaper.Replace(stage))
	return filepath.Join(m.dir, name+".approval")
}

// EnsureDir creates the approval directory if needed.
func (m *Manager) EnsureDir() error {
	return util.EnsureDir(m.dir)
}

// PollFile checks for a drop file for the stage key and classifies its first
// token. The file is always deleted after reading, regardless of outcome:
// a decision cannot be applied twice.
func (m *Manager) PollFile(host, paneID, stage string) (Decision, error) {
	path := m.FilePath(host, paneID, stage)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DecisionNone, nil
	}
	if err != nil {
		return DecisionNone, fmt.Errorf("reading approval file %s: %w", path, err)
	}
	// Consume before classifying so a malformed file is not re-read forever.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return DecisionNone, fmt.Errorf("consuming approval file %s: %w", path, err)
	}
	return ClassifyDecision(string(data)), nil
}

// ClassifyDecision maps the first token of an approval file to a decision
// using fixed synonym tables.
func ClassifyDecision(content string) Decision {
	token := strings.ToLower(strings.TrimSpace(content))
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	switch token {
	case "approve", "approved", "yes":
		return DecisionApprove
	case "reject", "rejected", "no":
		return DecisionReject
	default:
		return DecisionNone
	}
}

// Drop writes a decision file for a stage key. This is the programmatic side
// of the drop-file channel, used by the resolve CLI and tests.
func (m *Manager) Drop(host, paneID, stage, decision string) error {
	if err := m.EnsureDir(); err != nil {
		return fmt.Errorf("creating approval dir: %w", err)
	}
	path := m.FilePath(host, paneID, stage)
	return util.AtomicWriteFile(path, []byte(decision+"\n"), 0644)
}
