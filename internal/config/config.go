// Package config loads the supervisor configuration (YAML) and the advisor
// orchestrator configuration (TOML), applying defaults and environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkarls/tmux-sentry/internal/util"
)

// SSHConfig describes how to reach a remote host over ssh.
type SSHConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Password string `yaml:"password,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty"` // seconds
}

// Target returns the [user@]host ssh destination.
func (s *SSHConfig) Target() string {
	if s.User != "" {
		return s.User + "@" + s.Host
	}
	return s.Host
}

// TmuxConfig holds per-host tmux observation settings.
type TmuxConfig struct {
	Socket           string   `yaml:"socket,omitempty"`
	SessionFilters   []string `yaml:"session_filters,omitempty"`
	PaneNamePatterns []string `yaml:"pane_name_patterns,omitempty"`
	CaptureLines     int      `yaml:"capture_lines,omitempty"`
	PollIntervalMs   int      `yaml:"poll_interval_ms,omitempty"`
}

// HostConfig describes one observed host. A host with no SSH block is local.
type HostConfig struct {
	Name string      `yaml:"name"`
	SSH  *SSHConfig  `yaml:"ssh,omitempty"`
	Tmux *TmuxConfig `yaml:"tmux,omitempty"`
}

// IsRemote returns true if this host is reached over ssh.
func (h *HostConfig) IsRemote() bool {
	return h.SSH != nil && h.SSH.Host != ""
}

// Config is the supervisor configuration document.
type Config struct {
	PollIntervalMs int          `yaml:"poll_interval_ms,omitempty"`
	TmuxBin        string       `yaml:"tmux_bin,omitempty"`
	SQLitePath     string       `yaml:"sqlite_path,omitempty"`
	ApprovalDir    string       `yaml:"approval_dir,omitempty"`
	BusDir         string       `yaml:"bus_dir,omitempty"`
	Notify         string       `yaml:"notify,omitempty"` // comma-separated sink list
	Hosts          []HostConfig `yaml:"hosts,omitempty"`

	// Populated from flags or environment, never from the YAML document.
	ApprovalSecret string `yaml:"-"`
	PublicBaseURL  string `yaml:"-"`
}

const (
	DefaultPollIntervalMs = 1500
	DefaultCaptureLines   = 200
	DefaultSSHTimeout     = 30 // seconds

	// MinPollInterval is the floor for the supervisor tick.
	MinPollInterval = 100 * time.Millisecond
)

// DefaultDataDir returns the base directory for supervisor state.
func DefaultDataDir() string {
	if dir, err := util.SentryDir(); err == nil {
		return dir
	}
	return ".sentry"
}

// Default returns the default supervisor configuration: one local host, no
// filters.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		PollIntervalMs: DefaultPollIntervalMs,
		TmuxBin:        "tmux",
		SQLitePath:     filepath.Join(dataDir, "sentry.db"),
		ApprovalDir:    filepath.Join(dataDir, "approvals"),
		BusDir:         filepath.Join(dataDir, "bus"),
		Hosts:          []HostConfig{{Name: "local"}},
	}
}

// Load reads the supervisor config from path and applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = def.PollIntervalMs
	}
	if c.TmuxBin == "" {
		c.TmuxBin = def.TmuxBin
	}
	if c.SQLitePath == "" {
		c.SQLitePath = def.SQLitePath
	}
	if c.ApprovalDir == "" {
		c.ApprovalDir = def.ApprovalDir
	}
	if c.BusDir == "" {
		c.BusDir = def.BusDir
	}
	if len(c.Hosts) == 0 {
		c.Hosts = def.Hosts
	}
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if h.Tmux == nil {
			h.Tmux = &TmuxConfig{}
		}
		if h.Tmux.CaptureLines <= 0 {
			h.Tmux.CaptureLines = DefaultCaptureLines
		}
		if h.SSH != nil && h.SSH.Timeout <= 0 {
			h.SSH.Timeout = DefaultSSHTimeout
		}
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("APPROVAL_SECRET"); v != "" && c.ApprovalSecret == "" {
		c.ApprovalSecret = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" && c.PublicBaseURL == "" {
		c.PublicBaseURL = v
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host with empty name")
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = true
		if h.SSH != nil && h.SSH.Host == "" {
			return fmt.Errorf("host %q: ssh block missing host", h.Name)
		}
		// Every ssh invocation runs with BatchMode=yes, which disables
		// password prompts. Refuse the combination instead of ignoring it.
		if h.SSH != nil && h.SSH.Password != "" {
			return fmt.Errorf("host %q: ssh password auth is not supported, use a key", h.Name)
		}
	}
	return nil
}

// PollInterval returns the effective supervisor tick interval: the minimum of
// the global interval and every per-host interval, floored at MinPollInterval.
func (c *Config) PollInterval() time.Duration {
	ms := c.PollIntervalMs
	for _, h := range c.Hosts {
		if h.Tmux != nil && h.Tmux.PollIntervalMs > 0 && h.Tmux.PollIntervalMs < ms {
			ms = h.Tmux.PollIntervalMs
		}
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}

// NotifySinks returns the configured notification sink names.
func (c *Config) NotifySinks() []string {
	if strings.TrimSpace(c.Notify) == "" {
		return nil
	}
	parts := strings.Split(c.Notify, ",")
	var sinks []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sinks = append(sinks, p)
		}
	}
	return sinks
}
