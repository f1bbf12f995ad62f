package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/mkarls/tmux-sentry/internal/bus"
	"github.com/mkarls/tmux-sentry/internal/config"
	"github.com/mkarls/tmux-sentry/internal/notify"
	"github.com/mkarls/tmux-sentry/internal/state"
)

// decisionRunner abstracts the decision CLI so cycles are testable without a
// child process.
type decisionRunner interface {
	Run(ctx context.Context, prompt string) ([]byte, error)
}

// Orchestrator drives the advisor cycle over all registered agent sessions.
type Orchestrator struct {
	cfg      *config.OrchestratorConfig
	store    *state.Store
	bus      *bus.Bus
	notifier *notify.Notifier
	runner   decisionRunner

	commandTmpl *template.Template
	summaryTmpl *template.Template

	// lastCommandAt gates command enactment per branch. In-memory on
	// purpose: a restart ending a cooldown early is acceptable.
	lastCommandAt map[string]time.Time

	now func() time.Time
	log *slog.Logger
}

// New builds an orchestrator from its configuration. Template parse errors
// surface here rather than mid-cycle.
func New(cfg *config.OrchestratorConfig, store *state.Store, b *bus.Bus, n *notify.Notifier) (*Orchestrator, error) {
	commandTmpl, err := loadTemplate("command", cfg.CommandTemplate, defaultCommandPrompt)
	if err != nil {
		return nil, err
	}
	summaryTmpl, err := loadTemplate("summary", cfg.SummaryTemplate, defaultSummaryPrompt)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		bus:      b,
		notifier: n,
		runner: &CLIRunner{
			Command: cfg.CLICommand,
			Args:    cfg.CLIArgs,
			Env:     cfg.CLIEnv,
			Timeout: cfg.CLITimeoutDuration(),
		},
		commandTmpl:   commandTmpl,
		summaryTmpl:   summaryTmpl,
		lastCommandAt: make(map[string]time.Time),
		now:           time.Now,
		log:           slog.Default().With("component", "orchestrator"),
	}, nil
}

// Run executes advisor cycles until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollIntervalDuration())
	defer ticker.Stop()

	o.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Cycle(ctx)
		}
	}
}

// Cycle advises every active agent session once. A failure on one branch is
// recorded on that branch and never blocks the others.
func (o *Orchestrator) Cycle(ctx context.Context) {
	sessions, err := o.store.ListAgentSessions()
	if err != nil {
		o.log.Error("listing agent sessions", "error", err)
		return
	}

	for i := range sessions {
		sess := &sessions[i]
		if sess.Status == "stopped" {
			continue
		}
		if err := o.advise(ctx, sess); err != nil {
			o.log.Warn("advisor cycle failed", "branch", sess.Branch, "error", err)
			o.recordError(sess.Branch, err)
		}
		o.heartbeat(sess.Branch)
	}
}

// advise runs one branch through the full cycle: log rotation, optional
// summarization, decision, enactment.
func (o *Orchestrator) advise(ctx context.Context, sess *state.AgentSession) error {
	if sess.LogPath == "" {
		return nil
	}
	if err := rotateLog(sess.LogPath, o.cfg.HistoryLines); err != nil {
		o.log.Warn("log rotation failed", "branch", sess.Branch, "error", err)
	}
	tail, err := readLogTail(sess.LogPath, o.cfg.HistoryLines)
	if err != nil {
		return err
	}
	if strings.TrimSpace(tail) == "" {
		return nil
	}

	pctx := PromptContext{
		Branch:          sess.Branch,
		Session:         sess.SessionName,
		LogTail:         tail,
		PreviousSummary: metaString(sess.Metadata, state.MetaOrchestratorSummary),
		History:         metaStrings(sess.Metadata, state.MetaHistorySummaries),
		Phase:           metaString(sess.Metadata, state.MetaPhase),
		Blockers:        metaStrings(sess.Metadata, state.MetaBlockers),
		Now:             o.now(),
	}

	if o.cfg.SummaryTemplate != "" {
		if err := o.summarize(ctx, sess, &pctx); err != nil {
			o.log.Warn("summary pass failed", "branch", sess.Branch, "error", err)
		}
	}

	prompt, err := renderTemplate(o.commandTmpl, pctx)
	if err != nil {
		return err
	}
	reply, err := o.runner.Run(ctx, prompt)
	if err != nil {
		return err
	}
	decision, err := ParseDecision(reply)
	if err != nil {
		return fmt.Errorf("parsing decision: %w", err)
	}
	return o.enact(sess, decision)
}

// summarize runs the optional condensation pass and folds the result into the
// branch's rolling history and the prompt context.
func (o *Orchestrator) summarize(ctx context.Context, sess *state.AgentSession, pctx *PromptContext) error {
	prompt, err := renderTemplate(o.summaryTmpl, *pctx)
	if err != nil {
		return err
	}
	reply, err := o.runner.Run(ctx, prompt)
	if err != nil {
		return err
	}
	summary := strings.TrimSpace(string(reply))
	if summary == "" {
		return nil
	}

	pctx.History = appendHistory(pctx.History, summary)
	return o.store.MergeAgentMetadata(sess.Branch, map[string]any{
		state.MetaHistorySummaries: pctx.History,
	})
}

// enact applies a parsed decision: bus commands (cooldown- and cap-gated),
// metadata updates, and the optional operator notification.
func (o *Orchestrator) enact(sess *state.AgentSession, d *Decision) error {
	patch := map[string]any{
		state.MetaOrchestratorSummary: d.Summary,
		state.MetaOrchestratorError:   nil,
	}
	if d.Phase != "" {
		patch[state.MetaPhase] = d.Phase
	}
	if len(d.Blockers) > 0 {
		patch[state.MetaBlockers] = d.Blockers
	}
	if d.Err != "" {
		patch[state.MetaOrchestratorError] = d.Err
	}

	if d.Err == "" && len(d.Commands) > 0 {
		if sent := o.sendCommands(sess, d.Commands); len(sent) > 0 {
			patch[state.MetaOrchestratorLastCommand] = sent
		}
	}

	if err := o.store.MergeAgentMetadata(sess.Branch, patch); err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}

	if d.Notify != "" && (!o.cfg.NotifyOnlyOnConfirmation || d.RequiresConfirmation) {
		o.notifier.Send(notify.Message{
			Title: fmt.Sprintf("Advisor: %s", sess.Branch),
			Body:  d.Notify,
			Meta: map[string]any{
				"branch":                sess.Branch,
				"requires_confirmation": d.RequiresConfirmation,
			},
		})
	}

	if d.Err != "" {
		return fmt.Errorf("decision CLI failure: %s", d.Err)
	}
	return nil
}

// sendCommands appends suggested commands to the bus, capped per cycle and
// suppressed entirely while the branch cooldown holds. Returns the texts of
// the commands sent, in order.
func (o *Orchestrator) sendCommands(sess *state.AgentSession, cmds []Command) []string {
	now := o.now()
	if last, ok := o.lastCommandAt[sess.Branch]; ok && now.Sub(last) < o.cfg.Cooldown() {
		o.log.Info("cooldown active, commands suppressed",
			"branch", sess.Branch, "remaining", (o.cfg.Cooldown() - now.Sub(last)).Round(time.Second))
		return nil
	}
	if len(cmds) > o.cfg.MaxCommandsPerCycle {
		o.log.Warn("truncating command batch",
			"branch", sess.Branch, "suggested", len(cmds), "cap", o.cfg.MaxCommandsPerCycle)
		cmds = cmds[:o.cfg.MaxCommandsPerCycle]
	}

	var sent []string
	for _, c := range cmds {
		session := c.Session
		if session == "" {
			session = sess.SessionName
		}
		meta := map[string]any{
			"branch":     sess.Branch,
			"risk_level": c.RiskLevel,
		}
		if c.Notes != "" {
			meta["notes"] = c.Notes
		}
		if c.Cwd != "" {
			meta["cwd"] = c.Cwd
		}
		if c.InputMode != "" {
			meta["input_mode"] = c.InputMode
		}
		if _, err := o.bus.AppendCommand(bus.Command{
			Text:    c.Text,
			Session: session,
			Enter:   c.Enter,
			Keys:    c.Keys,
			Meta:    meta,
		}); err != nil {
			o.log.Error("appending command to bus", "branch", sess.Branch, "error", err)
			continue
		}
		if c.Text != "" {
			sent = append(sent, c.Text)
		} else {
			sent = append(sent, strings.Join(c.Keys, " "))
		}
	}
	if len(sent) > 0 {
		o.lastCommandAt[sess.Branch] = now
	}
	return sent
}

// recordError stamps the failure on the branch without touching the cooldown.
func (o *Orchestrator) recordError(branch string, err error) {
	patch := map[string]any{state.MetaOrchestratorError: err.Error()}
	if merr := o.store.MergeAgentMetadata(branch, patch); merr != nil {
		o.log.Error("recording orchestrator error", "branch", branch, "error", merr)
	}
}

func (o *Orchestrator) heartbeat(branch string) {
	patch := map[string]any{state.MetaOrchestratorHeartbeat: o.now().UTC().Format(time.RFC3339)}
	if err := o.store.MergeAgentMetadata(branch, patch); err != nil {
		o.log.Error("recording heartbeat", "branch", branch, "error", err)
	}
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func metaStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
