package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// OrchestratorConfig is the advisor orchestrator configuration document (TOML).
type OrchestratorConfig struct {
	PollInterval        int    `toml:"poll_interval"`     // seconds between advisor cycles
	CooldownSeconds     int    `toml:"cooldown_seconds"`  // per-branch command cooldown
	MaxCommandsPerCycle int    `toml:"max_commands_per_cycle"`
	HistoryLines        int    `toml:"history_lines"` // log tail size fed to the advisor

	CommandTemplate string `toml:"command_template"` // path to the command prompt template
	SummaryTemplate string `toml:"summary_template"` // path to the summary prompt template (optional)

	CLICommand string            `toml:"cli_command"` // decision CLI executable
	CLIArgs    []string          `toml:"cli_args"`
	CLITimeout int               `toml:"cli_timeout"` // seconds
	CLIEnv     map[string]string `toml:"cli_env"`

	NotifyOnlyOnConfirmation bool `toml:"notify_only_on_confirmation"`
}

const (
	DefaultOrchestratorPollInterval = 45  // seconds
	DefaultCooldownSeconds          = 300 // seconds
	DefaultMaxCommandsPerCycle      = 3
	DefaultHistoryLines             = 400
	DefaultCLITimeout               = 120 // seconds
)

// DefaultOrchestrator returns the default orchestrator configuration.
func DefaultOrchestrator() *OrchestratorConfig {
	return &OrchestratorConfig{
		PollInterval:        DefaultOrchestratorPollInterval,
		CooldownSeconds:     DefaultCooldownSeconds,
		MaxCommandsPerCycle: DefaultMaxCommandsPerCycle,
		HistoryLines:        DefaultHistoryLines,
		CLITimeout:          DefaultCLITimeout,
	}
}

// LoadOrchestrator reads the orchestrator config from a TOML file.
func LoadOrchestrator(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orchestrator config %s: %w", path, err)
	}

	cfg := DefaultOrchestrator()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing orchestrator config %s: %w", path, err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOrchestratorPollInterval
	}
	if cfg.MaxCommandsPerCycle <= 0 {
		cfg.MaxCommandsPerCycle = DefaultMaxCommandsPerCycle
	}
	if cfg.HistoryLines <= 0 {
		cfg.HistoryLines = DefaultHistoryLines
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = DefaultCLITimeout
	}
	if cfg.CLICommand == "" {
		return nil, fmt.Errorf("orchestrator config %s: cli_command is required", path)
	}
	return cfg, nil
}

// Cooldown returns the per-branch cooldown as a duration.
func (c *OrchestratorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// CLITimeoutDuration returns the decision CLI timeout as a duration.
func (c *OrchestratorConfig) CLITimeoutDuration() time.Duration {
	return time.Duration(c.CLITimeout) * time.Second
}

// PollIntervalDuration returns the advisor cadence as a duration.
func (c *OrchestratorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}
