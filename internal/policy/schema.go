// Package policy compiles the declarative policy document into pipelines of
// stages and drives each (host, pane, pipeline) through its stage state
// machine, one transition per tick.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the raw policy file as authored (YAML).
type Document struct {
	Principles []string      `yaml:"principles,omitempty"`
	Pipelines  []PipelineDoc `yaml:"pipelines"`
}

// PipelineDoc declares one pipeline and the panes it applies to.
type PipelineDoc struct {
	Name   string     `yaml:"name"`
	Match  MatchDoc   `yaml:"match,omitempty"`
	Stages []StageDoc `yaml:"stages"`
}

// MatchDoc is a disjunction of window/title regex clauses.
type MatchDoc struct {
	AnyOf []MatchClause `yaml:"any_of,omitempty"`
}

// MatchClause matches a pane by window name and/or pane title regex.
type MatchClause struct {
	WindowName string `yaml:"window_name,omitempty"`
	PaneTitle  string `yaml:"pane_title,omitempty"`
}

// StageDoc declares one stage.
type StageDoc struct {
	Name            string         `yaml:"name"`
	Triggers        *ConditionDoc  `yaml:"triggers,omitempty"`
	ActionsOnStart  []ActionDoc    `yaml:"actions_on_start,omitempty"`
	SuccessWhen     *ConditionDoc  `yaml:"success_when,omitempty"`
	FailWhen        *ConditionDoc  `yaml:"fail_when,omitempty"`
	RequireApproval bool           `yaml:"require_approval,omitempty"`
	OnFail          []FaultHandler `yaml:"on_fail,omitempty"`
}

// ConditionDoc is a labelled trigger group. Exactly one of the two labels may
// be populated.
type ConditionDoc struct {
	AnyOf []TriggerDoc `yaml:"any_of,omitempty"`
	AllOf []TriggerDoc `yaml:"all_of,omitempty"`
}

// TriggerDoc is one trigger: any non-empty subset of its fields.
type TriggerDoc struct {
	LogRegex          string `yaml:"log_regex,omitempty"`
	MessageType       string `yaml:"message_type,omitempty"`
	AfterStageSuccess string `yaml:"after_stage_success,omitempty"`
}

// ActionDoc is one side-effecting action: send-keys or shell, not both.
type ActionDoc struct {
	SendKeys string `yaml:"send_keys,omitempty"`
	Shell    string `yaml:"shell,omitempty"`
	Enter    *bool  `yaml:"enter,omitempty"` // default true for send_keys
}

// FaultHandler is one on_fail entry. Compilation flattens the list into
// retry_max / ask_human_prompt / escalate_code.
type FaultHandler struct {
	Retry       *RetrySpec       `yaml:"retry,omitempty"`
	AskHuman    string           `yaml:"ask_human,omitempty"`
	Escalate    string           `yaml:"escalate,omitempty"`
	IfStillFail *IfStillFailSpec `yaml:"if_still_fail,omitempty"`
}

// RetrySpec bounds automatic retries.
type RetrySpec struct {
	Max int `yaml:"max"`
}

// IfStillFailSpec applies after the retry budget is exhausted.
type IfStillFailSpec struct {
	AskHuman string `yaml:"ask_human,omitempty"`
	Escalate string `yaml:"escalate,omitempty"`
}

// LoadDocument reads and strictly decodes a policy file. Unknown keys are
// rejected: a typo in a policy must fail at startup, not silently no-op.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument strictly decodes a policy document.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty policy document")
		}
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if len(doc.Pipelines) == 0 {
		return nil, fmt.Errorf("policy declares no pipelines")
	}
	return &doc, nil
}
