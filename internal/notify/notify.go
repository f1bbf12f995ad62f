// Package notify fans notification messages out to configured sinks. The bus
// sink appends to the local bus journal; external adapters (chat, email) tail
// that journal out of process.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/mkarls/tmux-sentry/internal/bus"
)

var notifyLogger = slog.Default().With("component", "notify")

// Message is one notification to deliver.
type Message struct {
	Title string
	Body  string
	Meta  map[string]any
}

// Sink delivers a message to one destination.
type Sink interface {
	Name() string
	Send(msg Message) error
}

// Notifier fans messages out to every configured sink. Per-sink failures are
// logged and skipped; one slow or broken sink never blocks the others.
type Notifier struct {
	sinks []Sink
}

// New creates a notifier over the given sinks.
func New(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

// Send delivers a message to all sinks.
func (n *Notifier) Send(msg Message) {
	for _, sink := range n.sinks {
		if err := sink.Send(msg); err != nil {
			notifyLogger.Error("notification sink failed", "sink", sink.Name(), "title", msg.Title, "error", err)
		}
	}
}

// BusSink appends notifications to the local bus journal.
type BusSink struct {
	Bus *bus.Bus
}

// Name implements Sink.
func (s *BusSink) Name() string { return "bus" }

// Send implements Sink.
func (s *BusSink) Send(msg Message) error {
	_, err := s.Bus.AppendNotification(bus.Notification{
		Title: msg.Title,
		Body:  msg.Body,
		Meta:  msg.Meta,
	})
	return err
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(msg Message) error {
	notifyLogger.Info("notification", "title", msg.Title, "body", msg.Body)
	return nil
}

// BuildSinks resolves configured sink names. Unknown names are an error:
// notification routing typos should fail at startup.
func BuildSinks(names []string, b *bus.Bus) ([]Sink, error) {
	var sinks []Sink
	for _, name := range names {
		switch name {
		case "bus":
			sinks = append(sinks, &BusSink{Bus: b})
		case "log":
			sinks = append(sinks, &LogSink{})
		default:
			return nil, fmt.Errorf("unknown notification sink %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, &LogSink{})
	}
	return sinks, nil
}
