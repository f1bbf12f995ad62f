// Package bus implements the local bus: two append-only JSONL journals, one
// for outbound notifications and one for inbound commands. Producers append;
// consumers tail from a durable byte offset. Delivery is at-least-once for
// readers that persist their offset after processing.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mkarls/tmux-sentry/internal/util"
)

const (
	notificationsFile = "notifications.jsonl"
	commandsFile      = "commands.jsonl"
)

// Notification is one outbound user-visible message.
type Notification struct {
	ID    string         `json:"id"`
	TS    time.Time      `json:"ts"`
	Title string         `json:"title"`
	Body  string         `json:"body,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Command is one inbound command destined for a tmux session.
type Command struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Text    string         `json:"text,omitempty"`
	Session string         `json:"session,omitempty"`
	Enter   bool           `json:"enter"`
	Keys    []string       `json:"keys,omitempty"` // literal key tokens, e.g. "C-c"
	Meta    map[string]any `json:"meta,omitempty"`
}

// Bus owns the journal files under one directory.
type Bus struct {
	dir string
}

// Open ensures the bus directory exists and returns a handle.
func Open(dir string) (*Bus, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating bus dir %s: %w", dir, err)
	}
	return &Bus{dir: dir}, nil
}

// Dir returns the bus directory.
func (b *Bus) Dir() string { return b.dir }

// NotificationsPath returns the path of the notifications journal.
func (b *Bus) NotificationsPath() string { return filepath.Join(b.dir, notificationsFile) }

// CommandsPath returns the path of the commands journal.
func (b *Bus) CommandsPath() string { return filepath.Join(b.dir, commandsFile) }

// AppendNotification journals a notification, assigning ID and TS if unset.
func (b *Bus) AppendNotification(n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.TS.IsZero() {
		n.TS = time.Now().UTC()
	}
	if err := appendLine(b.NotificationsPath(), n); err != nil {
		return n, err
	}
	return n, nil
}

// AppendCommand journals a command, assigning ID and TS if unset.
func (b *Bus) AppendCommand(c Command) (Command, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.TS.IsZero() {
		c.TS = time.Now().UTC()
	}
	if err := appendLine(b.CommandsPath(), c); err != nil {
		return c, err
	}
	return c, nil
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal bus record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to journal %s: %w", path, err)
	}
	return nil
}

// ReadCommands reads commands starting at offset and returns them with the
// offset at the end of the last fully-read line. Malformed lines are skipped.
func (b *Bus) ReadCommands(offset int64) ([]Command, int64, error) {
	var cmds []Command
	newOffset, err := readLines(b.CommandsPath(), offset, func(line []byte) {
		var c Command
		if json.Unmarshal(line, &c) == nil && c.ID != "" {
			cmds = append(cmds, c)
		}
	})
	return cmds, newOffset, err
}

// ReadNotifications reads notifications starting at offset.
func (b *Bus) ReadNotifications(offset int64) ([]Notification, int64, error) {
	var notes []Notification
	newOffset, err := readLines(b.NotificationsPath(), offset, func(line []byte) {
		var n Notification
		if json.Unmarshal(line, &n) == nil && n.ID != "" {
			notes = append(notes, n)
		}
	})
	return notes, newOffset, err
}

// RecentNotifications returns every journaled notification with TS >= since.
// Repeated calls with the same since yield the same set until the journal is
// trimmed.
func (b *Bus) RecentNotifications(since time.Time) ([]Notification, error) {
	var notes []Notification
	_, err := readLines(b.NotificationsPath(), 0, func(line []byte) {
		var n Notification
		if json.Unmarshal(line, &n) == nil && n.ID != "" && !n.TS.Before(since) {
			notes = append(notes, n)
		}
	})
	return notes, err
}

// readLines scans a journal from a byte offset, invoking fn per complete line,
// and returns the offset after the last complete line. A missing file is an
// empty journal. A trailing partial line (interrupted append) is not consumed.
func readLines(path string, offset int64, fn func([]byte)) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return offset, nil
	}
	if err != nil {
		return offset, fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		info, err := f.Stat()
		if err != nil {
			return offset, fmt.Errorf("stat journal %s: %w", path, err)
		}
		// Journal truncated or rotated underneath us: start over.
		if offset > info.Size() {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return offset, fmt.Errorf("seeking journal %s: %w", path, err)
		}
	}

	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Partial line without newline stays unread until completed.
			return pos, nil
		}
		if err != nil {
			return pos, fmt.Errorf("reading journal %s: %w", path, err)
		}
		pos += int64(len(line))
		trimmed := trimLine(line)
		if len(trimmed) > 0 {
			fn(trimmed)
		}
	}
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
