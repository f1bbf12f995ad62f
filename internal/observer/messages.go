// Package observer polls tmux panes, computes incremental output slices
// against durable byte offsets, and tokenizes new lines into typed messages.
package observer

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// SentryMarker prefixes structured messages emitted into pane output.
const SentryMarker = "### SENTRY "

// Built-in message kinds. Any JSON "type" value is preserved as a kind; these
// are the ones with attached semantics.
const (
	KindStatus  = "STATUS"
	KindError   = "ERROR"
	KindAsk     = "ASK"
	KindUnknown = "UNKNOWN"
)

// ParsedMessage is one typed event extracted from a single pane-output line.
type ParsedMessage struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

var (
	errorLineRe  = regexp.MustCompile(`(?i)\b(error|failed|exception)\b`)
	statusLineRe = regexp.MustCompile(`(?i)\b(done|success|passed|completed)\b`)
)

var parserLogger = slog.Default().With("component", "observer.parser")

// ParseMessages tokenizes pane-output lines into typed messages. It is a pure
// function of its input: same lines, same messages.
func ParseMessages(lines []string) []ParsedMessage {
	var messages []ParsedMessage
	for _, line := range lines {
		if msg, ok := parseLine(line); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

func parseLine(line string) (ParsedMessage, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ParsedMessage{}, false
	}

	if rest, ok := strings.CutPrefix(trimmed, SentryMarker); ok {
		if msg, ok := parseJSONMessage(rest); ok {
			return msg, true
		}
		// Malformed marker payload: drop this line, keep processing.
		parserLogger.Debug("malformed sentry marker line", "line", trimmed)
		return ParsedMessage{}, false
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if msg, ok := parseJSONMessage(trimmed); ok {
			return msg, true
		}
	}

	if errorLineRe.MatchString(trimmed) {
		return ParsedMessage{Kind: KindError, Payload: map[string]any{"text": line}}, true
	}
	if statusLineRe.MatchString(trimmed) {
		return ParsedMessage{Kind: KindStatus, Payload: map[string]any{"ok": true, "text": line}}, true
	}

	return ParsedMessage{}, false
}

func parseJSONMessage(s string) (ParsedMessage, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return ParsedMessage{}, false
	}
	kind := KindUnknown
	if t, ok := payload["type"].(string); ok && t != "" {
		kind = t
	}
	return ParsedMessage{Kind: kind, Payload: payload}, true
}
