package observer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mkarls/tmux-sentry/internal/state"
	"github.com/mkarls/tmux-sentry/internal/tmux"
)

type fakeSource struct {
	panes    []tmux.Pane
	buffers  map[string]string
	listErr  error
	capErr   map[string]error
	captures int
}

func (f *fakeSource) ListPanes(ctx context.Context) ([]tmux.Pane, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.panes, nil
}

func (f *fakeSource) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	f.captures++
	if err := f.capErr[paneID]; err != nil {
		return "", err
	}
	return f.buffers[paneID], nil
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestObserveIncrementalSlices(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		panes:   []tmux.Pane{{ID: "%1", Session: "dev", Window: "build", Title: "agent"}},
		buffers: map[string]string{"%1": "line one\nline two\n"},
	}
	obs, err := NewHostObserver("local", src, store, 200, nil, nil)
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}

	out, err := obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("first Observe: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(out))
	}
	if len(out[0].NewLines) != 2 {
		t.Fatalf("first tick lines = %v, want 2 lines", out[0].NewLines)
	}

	// Same buffer again: nothing new.
	out, err = obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	if len(out[0].NewLines) != 0 {
		t.Errorf("second tick lines = %v, want none", out[0].NewLines)
	}

	// Appended output: only the tail is new.
	src.buffers["%1"] += "line three\n"
	out, err = obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("third Observe: %v", err)
	}
	if len(out[0].NewLines) != 1 || out[0].NewLines[0] != "line three" {
		t.Errorf("third tick lines = %v, want [line three]", out[0].NewLines)
	}
}

func TestObserveOffsetPersistedBeforeReturn(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		panes:   []tmux.Pane{{ID: "%1", Session: "dev"}},
		buffers: map[string]string{"%1": "hello\n"},
	}
	obs, err := NewHostObserver("local", src, store, 200, nil, nil)
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}

	if _, err := obs.Observe(context.Background()); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	off, err := store.PaneOffset("local", "%1")
	if err != nil {
		t.Fatalf("PaneOffset: %v", err)
	}
	if off != int64(len("hello\n")) {
		t.Errorf("persisted offset = %d, want %d", off, len("hello\n"))
	}
}

func TestObserveTruncationResetsOffset(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		panes:   []tmux.Pane{{ID: "%1", Session: "dev"}},
		buffers: map[string]string{"%1": "a long scrollback buffer\nwith several lines\n"},
	}
	obs, err := NewHostObserver("local", src, store, 200, nil, nil)
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}
	if _, err := obs.Observe(context.Background()); err != nil {
		t.Fatalf("first Observe: %v", err)
	}

	// Pane cleared: buffer shrinks below the stored offset.
	src.buffers["%1"] = "fresh\n"
	out, err := obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("second Observe: %v", err)
	}
	if len(out[0].NewLines) != 1 || out[0].NewLines[0] != "fresh" {
		t.Errorf("after truncation lines = %v, want [fresh]", out[0].NewLines)
	}
	off, _ := store.PaneOffset("local", "%1")
	if off != int64(len("fresh\n")) {
		t.Errorf("offset after reset = %d, want %d", off, len("fresh\n"))
	}
}

func TestObserveTmuxUnavailable(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{listErr: fmt.Errorf("%w: connect refused", tmux.ErrUnavailable)}
	obs, err := NewHostObserver("local", src, store, 200, nil, nil)
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}
	out, err := obs.Observe(context.Background())
	if err != nil {
		t.Errorf("Observe with unavailable tmux: %v, want nil", err)
	}
	if out != nil {
		t.Errorf("outcomes = %v, want nil", out)
	}
}

func TestObserveCaptureFailureSkipsPane(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		panes: []tmux.Pane{
			{ID: "%1", Session: "dev"},
			{ID: "%2", Session: "dev"},
		},
		buffers: map[string]string{"%2": "ok\n"},
		capErr:  map[string]error{"%1": fmt.Errorf("capture boom")},
	}
	obs, err := NewHostObserver("local", src, store, 200, nil, nil)
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}
	out, err := obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(out) != 1 || out[0].Snapshot.PaneID != "%2" {
		t.Errorf("outcomes = %+v, want only %%2", out)
	}
}

func TestObserveFilters(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		panes: []tmux.Pane{
			{ID: "%1", Session: "agents", Window: "build", Title: "claude"},
			{ID: "%2", Session: "scratch", Window: "misc", Title: "shell"},
		},
		buffers: map[string]string{"%1": "x\n", "%2": "y\n"},
	}
	obs, err := NewHostObserver("local", src, store, 200, []string{"^agents$"}, []string{"claude"})
	if err != nil {
		t.Fatalf("NewHostObserver: %v", err)
	}
	out, err := obs.Observe(context.Background())
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(out) != 1 || out[0].Snapshot.PaneID != "%1" {
		t.Errorf("outcomes = %+v, want only %%1", out)
	}
}

func TestNewHostObserverBadPattern(t *testing.T) {
	store := newTestStore(t)
	if _, err := NewHostObserver("local", &fakeSource{}, store, 200, []string{"("}, nil); err == nil {
		t.Error("expected error for invalid session filter regex")
	}
}
