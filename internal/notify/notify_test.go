package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/mkarls/tmux-sentry/internal/bus"
)

func TestBuildSinks(t *testing.T) {
	tests := []struct {
		name    string
		sinks   []string
		want    []string
		wantErr bool
	}{
		{name: "empty defaults to log", sinks: nil, want: []string{"log"}},
		{name: "bus and log", sinks: []string{"bus", "log"}, want: []string{"bus", "log"}},
		{name: "unknown sink", sinks: []string{"slank"}, wantErr: true},
	}

	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening bus: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sinks, err := BuildSinks(tt.sinks, b)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildSinks: %v", err)
			}
			var got []string
			for _, s := range sinks {
				got = append(got, s.Name())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("sinks = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sink[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBusSinkAppends(t *testing.T) {
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening bus: %v", err)
	}
	sink := &BusSink{Bus: b}

	msg := Message{
		Title: "Approval needed: build:deploy",
		Body:  "drop 'approve' in the channel file",
		Meta:  map[string]any{"host": "local", "stage": "deploy"},
	}
	if err := sink.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs, err := b.RecentNotifications(time.Time{})
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(recs))
	}
	if recs[0].Title != msg.Title {
		t.Errorf("title = %q, want %q", recs[0].Title, msg.Title)
	}
	if recs[0].Meta["stage"] != "deploy" {
		t.Errorf("meta stage = %v", recs[0].Meta["stage"])
	}
}

type failingSink struct{}

func (failingSink) Name() string       { return "failing" }
func (failingSink) Send(Message) error { return errors.New("boom") }

func TestNotifierSurvivesFailingSink(t *testing.T) {
	b, err := bus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening bus: %v", err)
	}
	n := New(failingSink{}, &BusSink{Bus: b})

	n.Send(Message{Title: "still delivered"})

	recs, err := b.RecentNotifications(time.Time{})
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(recs))
	}
}
