package bus

import (
	"os"
	"testing"
	"time"
)

func TestAppendAndReadCommands(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := b.AppendCommand(Command{Text: "make test", Session: "dev", Enter: true})
	if err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}
	if first.ID == "" || first.TS.IsZero() {
		t.Errorf("append did not assign id/ts: %+v", first)
	}

	cmds, offset, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Text != "make test" {
		t.Fatalf("cmds = %+v, want one", cmds)
	}
	if offset <= 0 {
		t.Fatalf("offset = %d, want > 0", offset)
	}

	// Nothing new past the offset.
	cmds, offset2, err := b.ReadCommands(offset)
	if err != nil {
		t.Fatalf("second ReadCommands: %v", err)
	}
	if len(cmds) != 0 || offset2 != offset {
		t.Errorf("tail read = %+v at %d, want empty at %d", cmds, offset2, offset)
	}

	// A new append is visible from the same offset.
	if _, err := b.AppendCommand(Command{Text: "make lint", Session: "dev"}); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}
	cmds, _, err = b.ReadCommands(offset)
	if err != nil {
		t.Fatalf("third ReadCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Text != "make lint" {
		t.Errorf("cmds = %+v, want [make lint]", cmds)
	}
}

func TestReadStableForSameOffset(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if _, err := b.AppendCommand(Command{Text: text, Session: "dev"}); err != nil {
			t.Fatalf("AppendCommand: %v", err)
		}
	}

	first, off1, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	second, off2, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(first) != 3 || len(second) != 3 || off1 != off2 {
		t.Errorf("re-read from same offset differs: %d@%d vs %d@%d", len(first), off1, len(second), off2)
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.AppendCommand(Command{Text: "good", Session: "dev"}); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}

	f, err := os.OpenFile(b.CommandsPath(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString("{corrupt\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if _, err := b.AppendCommand(Command{Text: "also good", Session: "dev"}); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}

	cmds, _, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Text != "good" || cmds[1].Text != "also good" {
		t.Errorf("cmds = %+v, want the two valid records", cmds)
	}
}

func TestReadPartialTrailingLine(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.AppendCommand(Command{Text: "complete", Session: "dev"}); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}
	_, complete, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}

	// Simulate an interrupted append: record without trailing newline.
	f, err := os.OpenFile(b.CommandsPath(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"id":"x","text":"partial"`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	cmds, offset, err := b.ReadCommands(0)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Errorf("cmds = %+v, want only the complete record", cmds)
	}
	if offset != complete {
		t.Errorf("offset = %d, want %d (partial line unconsumed)", offset, complete)
	}
}

func TestReadOffsetBeyondSizeResets(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.AppendCommand(Command{Text: "one", Session: "dev"}); err != nil {
		t.Fatalf("AppendCommand: %v", err)
	}

	cmds, _, err := b.ReadCommands(1 << 20)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Errorf("truncated-journal read = %+v, want the record from the top", cmds)
	}
}

func TestReadMissingJournal(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cmds, offset, err := b.ReadCommands(42)
	if err != nil {
		t.Fatalf("ReadCommands: %v", err)
	}
	if len(cmds) != 0 || offset != 42 {
		t.Errorf("missing journal read = %+v at %d, want empty at 42", cmds, offset)
	}
}

func TestRecentNotifications(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if _, err := b.AppendNotification(Notification{Title: "old", TS: old}); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}
	if _, err := b.AppendNotification(Notification{Title: "new"}); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}

	notes, err := b.RecentNotifications(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Title != "new" {
		t.Errorf("notes = %+v, want only the recent one", notes)
	}
}
