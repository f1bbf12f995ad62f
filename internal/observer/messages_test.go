package observer

import (
	"reflect"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantKind string
		wantOK   bool
	}{
		{"empty", "", "", false},
		{"whitespace", "   \t ", "", false},
		{"plain output", "compiling module foo", "", false},
		{"marker status", `### SENTRY {"type":"STATUS","ok":true}`, "STATUS", true},
		{"marker ask", `### SENTRY {"type":"ASK","question":"merge?"}`, "ASK", true},
		{"marker malformed json", "### SENTRY {not json", "", false},
		{"marker no type", `### SENTRY {"ok":true}`, "UNKNOWN", true},
		{"bare json", `{"type":"STATUS","ok":true}`, "STATUS", true},
		{"error keyword", "build failed with 2 problems", "ERROR", true},
		{"error case insensitive", "ERROR: no such file", "ERROR", true},
		{"status keyword", "all tests passed", "STATUS", true},
		{"error wins over status", "tests failed, 3 passed", "ERROR", true},
		{"keyword needs word boundary", "monitored pipeline", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := parseLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("parseLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if ok && msg.Kind != tt.wantKind {
				t.Errorf("parseLine(%q) kind = %q, want %q", tt.line, msg.Kind, tt.wantKind)
			}
		})
	}
}

func TestParseMessagesDeterministic(t *testing.T) {
	lines := []string{
		"starting build",
		`### SENTRY {"type":"STATUS","stage":"lint"}`,
		"error: undefined symbol",
		"done in 2.3s",
	}

	first := ParseMessages(lines)
	second := ParseMessages(lines)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("ParseMessages not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(first), first)
	}
	if first[0].Kind != "STATUS" || first[1].Kind != KindError || first[2].Kind != KindStatus {
		t.Errorf("unexpected kinds: %q %q %q", first[0].Kind, first[1].Kind, first[2].Kind)
	}
}

func TestParseMessagesPayload(t *testing.T) {
	msgs := ParseMessages([]string{`### SENTRY {"type":"ASK","question":"proceed?"}`})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if q, _ := msgs[0].Payload["question"].(string); q != "proceed?" {
		t.Errorf("payload question = %q, want %q", q, "proceed?")
	}
}
