package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/mkarls/tmux-sentry/internal/util"
)

// maxHistorySummaries bounds the rolling summary history carried per branch.
const maxHistorySummaries = 10

// PromptContext is the data surface exposed to prompt templates.
type PromptContext struct {
	Branch          string
	Session         string
	LogTail         string
	PreviousSummary string
	History         []string
	Phase           string
	Blockers        []string
	Now             time.Time
}

// defaultCommandPrompt is used when no command_template is configured.
const defaultCommandPrompt = `You are advising an autonomous coding agent working on branch {{.Branch}}.

{{if .PreviousSummary}}Previous summary:
{{.PreviousSummary}}

{{end}}{{if .History}}Earlier summaries (oldest first):
{{range .History}}- {{.}}
{{end}}
{{end}}Recent terminal output:
{{.LogTail}}

Reply with a single JSON object: {"summary": string, "commands": [{"text": string, "session": string, "enter": bool}], "notify": string, "requires_confirmation": bool, "phase": string, "blockers": [string]}.
Suggest at most a few commands. Omit commands when the agent needs no input.`

// defaultSummaryPrompt is used when summarization runs without a configured
// summary_template.
const defaultSummaryPrompt = `Summarize the following terminal output from branch {{.Branch}} in at most three sentences. Reply with plain text only.

{{.LogTail}}`

// loadTemplate parses the template at path, or the fallback when path is empty.
func loadTemplate(name, path, fallback string) (*template.Template, error) {
	body := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s template %s: %w", name, path, err)
		}
		body = string(data)
	}
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template: %w", name, err)
	}
	return tmpl, nil
}

func renderTemplate(tmpl *template.Template, ctx PromptContext) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", tmpl.Name(), err)
	}
	return sb.String(), nil
}

// readLogTail returns the last n lines of the agent log. A missing file is an
// empty tail, not an error.
func readLogTail(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading agent log %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// rotateLog archives the front of an oversized agent log. When the log exceeds
// ten times the tail size, everything but the last five tails' worth of lines
// is appended to <path>.archive and the log is rewritten in place.
func rotateLog(path string, tailLines int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading agent log %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= tailLines*10 {
		return nil
	}

	keep := tailLines * 5
	cut := len(lines) - keep
	archived := strings.Join(lines[:cut], "\n") + "\n"

	archive, err := os.OpenFile(path+".archive", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log archive: %w", err)
	}
	if _, err := archive.WriteString(archived); err != nil {
		archive.Close()
		return fmt.Errorf("archiving agent log: %w", err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("closing log archive: %w", err)
	}

	remainder := strings.Join(lines[cut:], "\n") + "\n"
	if err := util.AtomicWriteFile(path, []byte(remainder), 0o644); err != nil {
		return fmt.Errorf("rewriting agent log: %w", err)
	}
	return nil
}

// appendHistory pushes a summary onto a bounded rolling history.
func appendHistory(history []string, summary string) []string {
	history = append(history, summary)
	if len(history) > maxHistorySummaries {
		history = history[len(history)-maxHistorySummaries:]
	}
	return history
}
