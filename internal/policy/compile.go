package policy

import (
	"fmt"
	"regexp"
)

// ActionKind discriminates compiled actions.
type ActionKind string

const (
	ActionSendKeys ActionKind = "send_keys"
	ActionShell    ActionKind = "shell"
)

// Trigger is one compiled trigger. A trigger is satisfied if ANY of its
// present fields matches (fields are alternatives, not conjuncts).
type Trigger struct {
	LogRegex          *regexp.Regexp
	MessageType       string
	AfterStageSuccess string
}

// Condition is a compiled trigger group.
type Condition struct {
	All      bool // true for all_of, false for any_of
	Triggers []Trigger
}

// Action is one compiled side effect.
type Action struct {
	Kind    ActionKind
	Command string
	Enter   bool
}

// Stage is one compiled stage with its flattened fault handling.
type Stage struct {
	Name            string
	Triggers        *Condition // nil means always ready
	ActionsOnStart  []Action
	SuccessWhen     *Condition // nil means never fires
	FailWhen        *Condition // nil means never fires
	RequireApproval bool

	RetryMax       int
	AskHumanPrompt string
	EscalateCode   string
}

// matchClause is one compiled match alternative. Within a clause, present
// fields are conjuncts; clauses themselves are alternatives.
type matchClause struct {
	WindowRe *regexp.Regexp
	TitleRe  *regexp.Regexp
}

func (c matchClause) matches(windowName, paneTitle string) bool {
	if c.WindowRe != nil && !c.WindowRe.MatchString(windowName) {
		return false
	}
	if c.TitleRe != nil && !c.TitleRe.MatchString(paneTitle) {
		return false
	}
	return true
}

// Pipeline is one compiled pipeline.
type Pipeline struct {
	Name    string
	Clauses []matchClause
	Stages  []Stage
}

// Matches reports whether the pipeline applies to a pane: no clauses matches
// every pane, otherwise at least one clause must match.
func (p *Pipeline) Matches(windowName, paneTitle string) bool {
	if len(p.Clauses) == 0 {
		return true
	}
	for _, c := range p.Clauses {
		if c.matches(windowName, paneTitle) {
			return true
		}
	}
	return false
}

// Policy is the compiled policy: regexes compiled, fault handlers flattened.
// Runtime evaluation never re-parses YAML or recompiles regexes.
type Policy struct {
	Principles []string
	Pipelines  []Pipeline
}

// Compile validates and compiles a policy document.
func Compile(doc *Document) (*Policy, error) {
	p := &Policy{Principles: doc.Principles}

	seen := make(map[string]bool, len(doc.Pipelines))
	for _, pd := range doc.Pipelines {
		if pd.Name == "" {
			return nil, fmt.Errorf("pipeline with empty name")
		}
		if seen[pd.Name] {
			return nil, fmt.Errorf("duplicate pipeline name %q", pd.Name)
		}
		seen[pd.Name] = true

		compiled, err := compilePipeline(pd)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", pd.Name, err)
		}
		p.Pipelines = append(p.Pipelines, *compiled)
	}
	return p, nil
}

func compilePipeline(pd PipelineDoc) (*Pipeline, error) {
	pl := &Pipeline{Name: pd.Name}

	for _, clause := range pd.Match.AnyOf {
		var mc matchClause
		if clause.WindowName != "" {
			re, err := regexp.Compile(clause.WindowName)
			if err != nil {
				return nil, fmt.Errorf("match window_name %q: %w", clause.WindowName, err)
			}
			mc.WindowRe = re
		}
		if clause.PaneTitle != "" {
			re, err := regexp.Compile(clause.PaneTitle)
			if err != nil {
				return nil, fmt.Errorf("match pane_title %q: %w", clause.PaneTitle, err)
			}
			mc.TitleRe = re
		}
		if mc.WindowRe == nil && mc.TitleRe == nil {
			return nil, fmt.Errorf("match clause with neither window_name nor pane_title")
		}
		pl.Clauses = append(pl.Clauses, mc)
	}

	if len(pd.Stages) == 0 {
		return nil, fmt.Errorf("no stages")
	}
	stageNames := make(map[string]bool, len(pd.Stages))
	for _, sd := range pd.Stages {
		if sd.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if stageNames[sd.Name] {
			return nil, fmt.Errorf("duplicate stage name %q", sd.Name)
		}
		stageNames[sd.Name] = true
	}

	for _, sd := range pd.Stages {
		stage, err := compileStage(sd, stageNames)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", sd.Name, err)
		}
		pl.Stages = append(pl.Stages, *stage)
	}
	return pl, nil
}

func compileStage(sd StageDoc, stageNames map[string]bool) (*Stage, error) {
	stage := &Stage{
		Name:            sd.Name,
		RequireApproval: sd.RequireApproval,
	}

	var err error
	if stage.Triggers, err = compileCondition(sd.Triggers, stageNames); err != nil {
		return nil, fmt.Errorf("triggers: %w", err)
	}
	if stage.SuccessWhen, err = compileCondition(sd.SuccessWhen, stageNames); err != nil {
		return nil, fmt.Errorf("success_when: %w", err)
	}
	if stage.FailWhen, err = compileCondition(sd.FailWhen, stageNames); err != nil {
		return nil, fmt.Errorf("fail_when: %w", err)
	}

	for _, ad := range sd.ActionsOnStart {
		action, err := compileAction(ad)
		if err != nil {
			return nil, fmt.Errorf("actions_on_start: %w", err)
		}
		stage.ActionsOnStart = append(stage.ActionsOnStart, *action)
	}

	for _, fh := range sd.OnFail {
		if fh.Retry != nil {
			if fh.Retry.Max < 0 {
				return nil, fmt.Errorf("on_fail retry max must be non-negative")
			}
			stage.RetryMax = fh.Retry.Max
		}
		if fh.AskHuman != "" {
			stage.AskHumanPrompt = fh.AskHuman
		}
		if fh.Escalate != "" {
			stage.EscalateCode = fh.Escalate
		}
		if fh.IfStillFail != nil {
			if fh.IfStillFail.AskHuman != "" {
				stage.AskHumanPrompt = fh.IfStillFail.AskHuman
			}
			if fh.IfStillFail.Escalate != "" {
				stage.EscalateCode = fh.IfStillFail.Escalate
			}
		}
	}

	return stage, nil
}

func compileAction(ad ActionDoc) (*Action, error) {
	if (ad.SendKeys == "") == (ad.Shell == "") {
		return nil, fmt.Errorf("action must set exactly one of send_keys or shell")
	}
	enter := true
	if ad.Enter != nil {
		enter = *ad.Enter
	}
	if ad.SendKeys != "" {
		return &Action{Kind: ActionSendKeys, Command: ad.SendKeys, Enter: enter}, nil
	}
	return &Action{Kind: ActionShell, Command: ad.Shell}, nil
}

func compileCondition(cd *ConditionDoc, stageNames map[string]bool) (*Condition, error) {
	if cd == nil {
		return nil, nil
	}
	if len(cd.AnyOf) > 0 && len(cd.AllOf) > 0 {
		return nil, fmt.Errorf("condition may not declare both any_of and all_of")
	}

	docs := cd.AnyOf
	all := false
	if len(cd.AllOf) > 0 {
		docs = cd.AllOf
		all = true
	}
	if len(docs) == 0 {
		return nil, nil
	}

	cond := &Condition{All: all}
	for _, td := range docs {
		if td.LogRegex == "" && td.MessageType == "" && td.AfterStageSuccess == "" {
			return nil, fmt.Errorf("empty trigger")
		}
		trig := Trigger{
			MessageType:       td.MessageType,
			AfterStageSuccess: td.AfterStageSuccess,
		}
		if td.LogRegex != "" {
			re, err := regexp.Compile(td.LogRegex)
			if err != nil {
				return nil, fmt.Errorf("log_regex %q: %w", td.LogRegex, err)
			}
			trig.LogRegex = re
		}
		if td.AfterStageSuccess != "" && !stageNames[td.AfterStageSuccess] {
			return nil, fmt.Errorf("after_stage_success references unknown stage %q", td.AfterStageSuccess)
		}
		cond.Triggers = append(cond.Triggers, trig)
	}
	return cond, nil
}

// LoadPolicy reads, parses, and compiles a policy file.
func LoadPolicy(path string) (*Policy, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return Compile(doc)
}
