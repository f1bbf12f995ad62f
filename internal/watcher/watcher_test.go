package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncedBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	var calls atomic.Int64
	events := make(chan []Event, 8)
	w, err := New(func(evs []Event) {
		calls.Add(1)
		events <- evs
	}, WithDebounceDuration(100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A rapid burst of writes collapses into one callback.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatalf("writing: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case evs := <-events:
		if len(evs) == 0 {
			t.Fatal("callback fired with no events")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no callback after write burst")
	}

	// Allow any straggling flush, then confirm the burst did not fan out into
	// per-write callbacks.
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n > 2 {
		t.Errorf("burst produced %d callbacks, want at most 2", n)
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	dir := t.TempDir()

	fired := make(chan struct{}, 1)
	w, err := New(func([]Event) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, WithDebounceDuration(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-fired:
		t.Error("callback fired after Close")
	case <-time.After(300 * time.Millisecond):
	}
}
