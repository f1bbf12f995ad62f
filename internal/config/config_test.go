package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "poll_interval_ms: 2000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalMs != 2000 {
		t.Errorf("PollIntervalMs = %d", cfg.PollIntervalMs)
	}
	if cfg.TmuxBin != "tmux" {
		t.Errorf("TmuxBin = %q, want default tmux", cfg.TmuxBin)
	}
	if len(cfg.Hosts) != 1 || cfg.Hosts[0].Name != "local" {
		t.Errorf("Hosts = %+v, want the default local host", cfg.Hosts)
	}
	if cfg.Hosts[0].Tmux.CaptureLines != DefaultCaptureLines {
		t.Errorf("CaptureLines = %d", cfg.Hosts[0].Tmux.CaptureLines)
	}
	if cfg.BusDir == "" || cfg.SQLitePath == "" || cfg.ApprovalDir == "" {
		t.Errorf("data paths not defaulted: %+v", cfg)
	}
}

func TestLoadRemoteHost(t *testing.T) {
	path := writeConfig(t, `
hosts:
  - name: lab
    ssh:
      host: lab.internal
      user: ops
      port: 2222
    tmux:
      session_filters: ["^agents"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h := cfg.Hosts[0]
	if !h.IsRemote() {
		t.Error("ssh host not detected as remote")
	}
	if got := h.SSH.Target(); got != "ops@lab.internal" {
		t.Errorf("Target = %q", got)
	}
	if h.SSH.Timeout != DefaultSSHTimeout {
		t.Errorf("ssh timeout = %d, want default", h.SSH.Timeout)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty host name", "hosts:\n  - name: \"\"\n"},
		{"duplicate host name", "hosts:\n  - name: a\n  - name: a\n"},
		{"ssh without host", "hosts:\n  - name: a\n    ssh:\n      user: ops\n"},
		{"ssh password auth", "hosts:\n  - name: a\n    ssh:\n      host: lab\n      password: hunter2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPROVAL_SECRET", "s3cret")
	t.Setenv("PUBLIC_BASE_URL", "https://sentry.example.com")

	cfg, err := Load(writeConfig(t, "poll_interval_ms: 500\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApprovalSecret != "s3cret" {
		t.Errorf("ApprovalSecret = %q", cfg.ApprovalSecret)
	}
	if cfg.PublicBaseURL != "https://sentry.example.com" {
		t.Errorf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
}

func TestPollIntervalFloor(t *testing.T) {
	cfg := Default()
	cfg.PollIntervalMs = 10 // below the floor
	if got := cfg.PollInterval(); got != MinPollInterval {
		t.Errorf("PollInterval = %s, want floor %s", got, MinPollInterval)
	}
}

func TestPollIntervalPerHostMinimum(t *testing.T) {
	cfg := Default()
	cfg.PollIntervalMs = 5000
	cfg.Hosts[0].Tmux = &TmuxConfig{PollIntervalMs: 1000}
	if got := cfg.PollInterval(); got != time.Second {
		t.Errorf("PollInterval = %s, want 1s (per-host minimum)", got)
	}
}

func TestNotifySinks(t *testing.T) {
	cfg := Default()
	cfg.Notify = "bus, log"
	got := cfg.NotifySinks()
	if len(got) != 2 || got[0] != "bus" || got[1] != "log" {
		t.Errorf("NotifySinks = %v", got)
	}
	cfg.Notify = ""
	if got := cfg.NotifySinks(); len(got) != 0 {
		t.Errorf("empty Notify gave %v", got)
	}
}
