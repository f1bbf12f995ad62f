// Package orchestrator runs the advisor loop for agent-controlled sessions:
// it renders prompts from log tails and session metadata, invokes the external
// decision CLI, and translates replies into bus commands and notifications.
// The CLI is advisory only; the policy engine stays the authority on panes.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayloadType is returned when the decision payload is valid JSON
// but not an object at the top level.
var ErrInvalidPayloadType = errors.New("invalid_payload_type: decision payload must be a JSON object")

// Command is one suggested action from the decision CLI.
type Command struct {
	Text      string   `json:"text,omitempty"`
	Session   string   `json:"session,omitempty"`
	Enter     bool     `json:"enter"`
	Cwd       string   `json:"cwd,omitempty"`        // advisory
	RiskLevel string   `json:"risk_level,omitempty"` // low | medium | high
	Notes     string   `json:"notes,omitempty"`
	Keys      []string `json:"keys,omitempty"` // literal key tokens like "C-c"
	InputMode string   `json:"input_mode,omitempty"` // advisory
}

// Decision is the decoded reply of one decision-CLI invocation.
type Decision struct {
	Summary              string    `json:"summary,omitempty"`
	Commands             []Command `json:"commands,omitempty"`
	Notify               string    `json:"notify,omitempty"`
	RequiresConfirmation bool      `json:"requires_confirmation,omitempty"`
	Phase                string    `json:"phase,omitempty"`
	Blockers             []string  `json:"blockers,omitempty"`

	// Err is set when the reply had to be synthesized from a failure event
	// in a JSONL stream. A synthesized decision carries no commands.
	Err string `json:"-"`
}

// rawCommand mirrors Command with pointer fields so absent values can be
// distinguished from zero values during decoding.
type rawCommand struct {
	Text      *string  `json:"text"`
	Session   string   `json:"session"`
	Enter     *bool    `json:"enter"`
	Cwd       string   `json:"cwd"`
	RiskLevel string   `json:"risk_level"`
	Notes     string   `json:"notes"`
	Keys      []string `json:"keys"`
	InputMode string   `json:"input_mode"`
}

type rawDecision struct {
	Summary              string       `json:"summary"`
	Commands             []rawCommand `json:"commands"`
	Notify               string       `json:"notify"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	Phase                string       `json:"phase"`
	Blockers             []string     `json:"blockers"`
}

// ParseDecision decodes a decision-CLI reply. The parser is deliberately
// forgiving: fenced JSON, JSONL event streams, and JSON embedded in prose all
// decode; only a payload with no recoverable object is an error.
func ParseDecision(raw []byte) (*Decision, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("empty decision payload")
	}
	text = stripFence(text)

	if looksLikeJSONL(text) {
		return parseJSONL(text)
	}
	return parseObject(text)
}

// stripFence removes a leading/trailing triple-backtick fence if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	// Optional language tag on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// looksLikeJSONL reports whether the payload is an event-per-line stream as
// emitted by conversational CLIs: at least two lines, each a JSON object
// carrying a "type" field.
func looksLikeJSONL(s string) bool {
	lines := nonEmptyLines(s)
	if len(lines) < 2 {
		return false
	}
	typed := 0
	for _, line := range lines {
		if !gjson.Valid(line) || !strings.HasPrefix(line, "{") {
			return false
		}
		if gjson.Get(line, "type").Exists() {
			typed++
		}
	}
	return typed == len(lines)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// parseJSONL scans an event stream for the user-visible message and recurses
// into it. With no such message it degrades: last reasoning text as summary,
// then last command output, then a synthesized error record.
func parseJSONL(s string) (*Decision, error) {
	var (
		lastReasoning string
		lastOutput    string
		failure       string
	)

	for _, line := range nonEmptyLines(s) {
		ev := gjson.Parse(line)
		switch ev.Get("type").String() {
		case "agent_message", "assistant_message":
			if text := messageText(ev); text != "" {
				return ParseDecision([]byte(text))
			}
		case "item.completed":
			item := ev.Get("item")
			switch item.Get("type").String() {
			case "agent_message", "assistant_message":
				if text := messageText(item); text != "" {
					return ParseDecision([]byte(text))
				}
			case "command_execution", "command_execution_output":
				if out := item.Get("aggregated_output").String(); out != "" {
					lastOutput = out
				}
			case "reasoning", "agent_reasoning":
				if text := messageText(item); text != "" {
					lastReasoning = text
				}
			default:
				if text := messageText(item); text != "" {
					return ParseDecision([]byte(text))
				}
			}
		case "agent_reasoning":
			if text := messageText(ev); text != "" {
				lastReasoning = text
			}
		case "command_output":
			if out := firstString(ev, "output", "aggregated_output", "text"); out != "" {
				lastOutput = out
			}
		case "task_failed", "agent_error":
			failure = firstString(ev, "error", "message", "text")
			if failure == "" {
				failure = "decision CLI reported failure"
			}
		}
	}

	if failure != "" {
		summary := failure
		if lastReasoning != "" {
			summary = fmt.Sprintf("%s (last reasoning: %s)", failure, lastReasoning)
		}
		return &Decision{
			Summary:              summary,
			Notify:               summary,
			RequiresConfirmation: true,
			Err:                  failure,
		}, nil
	}
	if lastReasoning != "" {
		return &Decision{Summary: lastReasoning}, nil
	}
	if lastOutput != "" {
		return &Decision{Summary: lastOutput}, nil
	}
	return nil, fmt.Errorf("no user-visible message in decision event stream")
}

// messageText extracts the textual content of a message-bearing event.
func messageText(v gjson.Result) string {
	if text := firstString(v, "text", "message", "content"); text != "" {
		return text
	}
	// Anthropic-style content blocks: [{type: text, text: ...}, ...]
	var parts []string
	v.Get("content").ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func firstString(v gjson.Result, keys ...string) string {
	for _, key := range keys {
		if s := v.Get(key); s.Type == gjson.String && s.String() != "" {
			return s.String()
		}
	}
	return ""
}

// parseObject decodes one JSON object, falling back to the largest balanced
// brace/bracket substring when the payload is wrapped in explanatory text.
func parseObject(s string) (*Decision, error) {
	candidate := s
	if !json.Valid([]byte(candidate)) {
		extracted := extractBalanced(s)
		if extracted == "" {
			return nil, fmt.Errorf("no JSON object found in decision payload")
		}
		candidate = extracted
	}

	trimmed := strings.TrimSpace(candidate)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrInvalidPayloadType
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		// Valid JSON that doesn't fit the schema: try a balanced substring
		// before giving up (the object may be embedded mid-sentence).
		if extracted := extractBalanced(s); extracted != "" && extracted != trimmed {
			return parseObject(extracted)
		}
		return nil, fmt.Errorf("decoding decision: %w", err)
	}
	return normalizeDecision(raw)
}

func normalizeDecision(raw rawDecision) (*Decision, error) {
	d := &Decision{
		Summary:              raw.Summary,
		Notify:               raw.Notify,
		RequiresConfirmation: raw.RequiresConfirmation,
		Phase:                raw.Phase,
		Blockers:             raw.Blockers,
	}
	for i, rc := range raw.Commands {
		cmd := Command{
			Session:   rc.Session,
			Cwd:       rc.Cwd,
			RiskLevel: rc.RiskLevel,
			Notes:     rc.Notes,
			Keys:      rc.Keys,
			InputMode: rc.InputMode,
			Enter:     true,
		}
		if rc.Text != nil {
			cmd.Text = *rc.Text
		}
		if rc.Enter != nil {
			cmd.Enter = *rc.Enter
		}
		if cmd.RiskLevel == "" {
			cmd.RiskLevel = "low"
		}
		if cmd.Text == "" && len(cmd.Keys) == 0 {
			return nil, fmt.Errorf("command %d: text may only be empty when keys are present", i)
		}
		d.Commands = append(d.Commands, cmd)
	}
	return d, nil
}

// extractBalanced returns the largest brace- or bracket-balanced substring,
// respecting JSON string escapes.
func extractBalanced(s string) string {
	best := ""
	for i := 0; i < len(s); i++ {
		open := s[i]
		if open != '{' && open != '[' {
			continue
		}
		if end := matchBalanced(s, i); end > i {
			if length := end - i + 1; length > len(best) {
				best = s[i : end+1]
			}
			i = end
		}
	}
	return best
}

// matchBalanced returns the index of the delimiter closing s[start], or -1.
func matchBalanced(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
