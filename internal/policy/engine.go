package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarls/tmux-sentry/internal/observer"
	"github.com/mkarls/tmux-sentry/internal/state"
)

var engineLogger = slog.Default().With("component", "policy.engine")

// Data bag keys on stage rows.
const (
	dataActionSent       = "action_sent"
	dataApprovalNotified = "approval_notified"
	dataApprovedAt       = "approved_at"
	dataFailureReason    = "failure_reason"
	dataStartedAt        = "started_at"
)

// EngineAction is one side effect requested by evaluation.
type EngineAction struct {
	Host    string
	PaneID  string
	Kind    ActionKind
	Command string
	Enter   bool
}

// Notification is one user-visible message requested by evaluation.
type Notification struct {
	Title string
	Body  string
	Meta  map[string]any
}

// ApprovalRequest names a stage waiting on a human decision this tick.
type ApprovalRequest struct {
	Host     string
	PaneID   string
	Pipeline string
	Stage    string
	Prompt   string
}

// Outcome is everything evaluation of one pane produced.
type Outcome struct {
	Actions       []EngineAction
	Notifications []Notification
	Approvals     []ApprovalRequest
}

// DecisionPoller polls the human decision channel for a stage key.
type DecisionPoller interface {
	PollFile(host, paneID, stage string) (PollDecision, error)
}

// PollDecision mirrors the approval package's decision without importing it,
// keeping the dependency arrow pointing at policy.
type PollDecision int

const (
	PollNone PollDecision = iota
	PollApprove
	PollReject
)

// Engine evaluates compiled pipelines against pane outcomes.
type Engine struct {
	policy *Policy
	store  *state.Store
	poller DecisionPoller

	now func() time.Time
}

// NewEngine creates an engine over a compiled policy.
func NewEngine(policy *Policy, store *state.Store, poller DecisionPoller) *Engine {
	return &Engine{policy: policy, store: store, poller: poller, now: time.Now}
}

// Policy returns the compiled policy under evaluation.
func (e *Engine) Policy() *Policy { return e.policy }

// Evaluate advances every matching pipeline on one pane by at most one stage
// transition and collects the requested side effects.
func (e *Engine) Evaluate(obs observer.Outcome) (*Outcome, error) {
	out := &Outcome{}
	for i := range e.policy.Pipelines {
		pl := &e.policy.Pipelines[i]
		if !pl.Matches(obs.Snapshot.Window, obs.Snapshot.Title) {
			continue
		}
		if err := e.evaluatePipeline(pl, obs, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// evaluatePipeline walks stages in declared order and transitions the first
// non-terminal one. Later stages are never evaluated while an earlier stage
// is non-terminal; a FAILED stage freezes the pipeline.
func (e *Engine) evaluatePipeline(pl *Pipeline, obs observer.Outcome, out *Outcome) error {
	host, pane := obs.Snapshot.Host, obs.Snapshot.PaneID

	for i := range pl.Stages {
		stage := &pl.Stages[i]

		st, err := e.store.StageState(host, pane, pl.Name, stage.Name)
		if err != nil {
			return err
		}
		if st == nil {
			st = &state.StageState{
				Host:     host,
				PaneID:   pane,
				Pipeline: pl.Name,
				Stage:    stage.Name,
				Status:   state.StageIdle,
				Data:     make(map[string]any),
			}
		}

		if st.Status == state.StageCompleted {
			continue
		}
		if st.Status == state.StageFailed {
			// Frozen until an external pipeline reset.
			return nil
		}

		// First non-terminal stage: evaluate it and stop for this tick.
		return e.evaluateStage(pl, stage, st, obs, out)
	}
	return nil
}

func (e *Engine) evaluateStage(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome) error {
	switch st.Status {
	case state.StageIdle, state.StageWaitingTrigger:
		return e.evaluatePending(pl, stage, st, obs, out)
	case state.StageWaitingApproval:
		return e.evaluateAwaitingApproval(pl, stage, st, obs, out)
	case state.StageRunning:
		return e.evaluateRunning(pl, stage, st, obs, out)
	default:
		return fmt.Errorf("stage %s/%s in unexpected status %s", pl.Name, stage.Name, st.Status)
	}
}

// evaluatePending handles IDLE and WAITING_TRIGGER.
func (e *Engine) evaluatePending(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome) error {
	if !e.conditionMet(stage.Triggers, true, pl, obs) {
		if st.Status != state.StageWaitingTrigger {
			st.Status = state.StageWaitingTrigger
			return e.store.UpsertStageState(st)
		}
		return nil
	}

	if stage.RequireApproval {
		return e.enterWaitingApproval(pl, stage, st, obs, out, "Approval required")
	}
	return e.enterRunning(pl, stage, st, obs, out)
}

func (e *Engine) evaluateAwaitingApproval(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome) error {
	host, pane := obs.Snapshot.Host, obs.Snapshot.PaneID

	decision, err := e.poller.PollFile(host, pane, stage.Name)
	if err != nil {
		return err
	}
	switch decision {
	case PollApprove:
		st.Data[dataApprovedAt] = e.now().UTC().Format(time.RFC3339)
		// Approval is a stage entry: actions_on_start replay, and a later
		// return to WAITING_APPROVAL notifies the operator again.
		delete(st.Data, dataActionSent)
		delete(st.Data, dataApprovalNotified)
		engineLogger.Info("stage approved", "pipeline", pl.Name, "stage", stage.Name, "pane", pane)
		return e.enterRunning(pl, stage, st, obs, out)
	case PollReject:
		st.Status = state.StageFailed
		st.Data[dataFailureReason] = "rejected by human"
		delete(st.Data, dataApprovalNotified)
		engineLogger.Info("stage rejected", "pipeline", pl.Name, "stage", stage.Name, "pane", pane)
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Stage rejected: %s/%s", pl.Name, stage.Name),
			Body:  fmt.Sprintf("Pane %s on %s: stage %q was rejected", pane, host, stage.Name),
			Meta:  e.meta(pl, stage, obs),
		})
		return e.store.UpsertStageState(st)
	default:
		// Still pending: keep the request alive so the supervisor re-ensures
		// the token/file, but do not repeat the notification.
		out.Approvals = append(out.Approvals, ApprovalRequest{
			Host: host, PaneID: pane, Pipeline: pl.Name, Stage: stage.Name,
			Prompt: stage.AskHumanPrompt,
		})
		return nil
	}
}

func (e *Engine) evaluateRunning(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome) error {
	host, pane := obs.Snapshot.Host, obs.Snapshot.PaneID

	// Success wins over failure on the same tick.
	if e.conditionMet(stage.SuccessWhen, false, pl, obs) {
		st.Status = state.StageCompleted
		engineLogger.Info("stage completed", "pipeline", pl.Name, "stage", stage.Name, "pane", pane)
		return e.store.UpsertStageState(st)
	}

	if !e.conditionMet(stage.FailWhen, false, pl, obs) {
		return nil
	}

	if st.Retries < stage.RetryMax {
		st.Retries++
		delete(st.Data, dataActionSent)
		engineLogger.Info("stage failed, retrying", "pipeline", pl.Name, "stage", stage.Name, "pane", pane, "retry", st.Retries, "max", stage.RetryMax)
		// Retries always re-dispatch actions_on_start.
		return e.enterRunning(pl, stage, st, obs, out)
	}

	if stage.AskHumanPrompt != "" {
		return e.enterWaitingApproval(pl, stage, st, obs, out, stage.AskHumanPrompt)
	}

	st.Status = state.StageFailed
	st.Data[dataFailureReason] = "fail_when matched after retry budget exhausted"
	engineLogger.Warn("stage failed", "pipeline", pl.Name, "stage", stage.Name, "pane", pane, "retries", st.Retries)
	if stage.EscalateCode != "" {
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Escalation: %s", stage.EscalateCode),
			Body: fmt.Sprintf("Stage %s/%s on pane %s (%s) failed after %d retries",
				pl.Name, stage.Name, pane, host, st.Retries),
			Meta: e.meta(pl, stage, obs),
		})
	}
	return e.store.UpsertStageState(st)
}

// enterRunning transitions into RUNNING, emitting actions_on_start exactly
// once per stage entry (guarded by the action_sent flag).
func (e *Engine) enterRunning(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome) error {
	host, pane := obs.Snapshot.Host, obs.Snapshot.PaneID

	st.Status = state.StageRunning
	if st.Data[dataStartedAt] == nil {
		st.Data[dataStartedAt] = e.now().UTC().Format(time.RFC3339)
	}
	if sent, _ := st.Data[dataActionSent].(bool); !sent {
		for _, a := range stage.ActionsOnStart {
			out.Actions = append(out.Actions, EngineAction{
				Host:    host,
				PaneID:  pane,
				Kind:    a.Kind,
				Command: a.Command,
				Enter:   a.Enter,
			})
		}
		st.Data[dataActionSent] = true
	}
	return e.store.UpsertStageState(st)
}

// enterWaitingApproval transitions into WAITING_APPROVAL, emitting the
// request every tick but the notification only on entry.
func (e *Engine) enterWaitingApproval(pl *Pipeline, stage *Stage, st *state.StageState, obs observer.Outcome, out *Outcome, prompt string) error {
	host, pane := obs.Snapshot.Host, obs.Snapshot.PaneID

	st.Status = state.StageWaitingApproval
	out.Approvals = append(out.Approvals, ApprovalRequest{
		Host: host, PaneID: pane, Pipeline: pl.Name, Stage: stage.Name, Prompt: prompt,
	})

	if notified, _ := st.Data[dataApprovalNotified].(bool); !notified {
		body := fmt.Sprintf("Stage %s/%s on pane %s (%s) needs a decision: %s",
			pl.Name, stage.Name, pane, host, prompt)
		meta := e.meta(pl, stage, obs)
		if len(e.policy.Principles) > 0 {
			meta["principles"] = e.policy.Principles
		}
		out.Notifications = append(out.Notifications, Notification{
			Title: fmt.Sprintf("Approval needed: %s/%s", pl.Name, stage.Name),
			Body:  body,
			Meta:  meta,
		})
		st.Data[dataApprovalNotified] = true
	}
	return e.store.UpsertStageState(st)
}

// conditionMet evaluates a compiled condition. emptyValue is the result for a
// nil condition: true for triggers (always ready), false for success/fail
// predicates (never fire).
func (e *Engine) conditionMet(cond *Condition, emptyValue bool, pl *Pipeline, obs observer.Outcome) bool {
	if cond == nil || len(cond.Triggers) == 0 {
		return emptyValue
	}
	for _, trig := range cond.Triggers {
		ok := e.triggerMet(trig, pl, obs)
		if cond.All && !ok {
			return false
		}
		if !cond.All && ok {
			return true
		}
	}
	return cond.All
}

// triggerMet: a trigger fires if any of its present fields matches.
func (e *Engine) triggerMet(trig Trigger, pl *Pipeline, obs observer.Outcome) bool {
	if trig.LogRegex != nil {
		for _, line := range obs.NewLines {
			if trig.LogRegex.MatchString(line) {
				return true
			}
		}
	}
	if trig.MessageType != "" {
		for _, msg := range obs.Messages {
			if msg.Kind == trig.MessageType {
				return true
			}
		}
	}
	if trig.AfterStageSuccess != "" {
		st, err := e.store.StageState(obs.Snapshot.Host, obs.Snapshot.PaneID, pl.Name, trig.AfterStageSuccess)
		if err == nil && st != nil && st.Status == state.StageCompleted {
			return true
		}
	}
	return false
}

func (e *Engine) meta(pl *Pipeline, stage *Stage, obs observer.Outcome) map[string]any {
	return map[string]any{
		"host":     obs.Snapshot.Host,
		"pane_id":  obs.Snapshot.PaneID,
		"pipeline": pl.Name,
		"stage":    stage.Name,
		"session":  obs.Snapshot.Session,
	}
}
