package tmux

import (
	"reflect"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTmuxArgsSocket(t *testing.T) {
	c := NewClient("tmux")
	if got := c.tmuxArgs([]string{"list-panes"}); !reflect.DeepEqual(got, []string{"list-panes"}) {
		t.Errorf("no-socket args = %v", got)
	}

	c.Socket = "sentry"
	want := []string{"-L", "sentry", "list-panes"}
	if got := c.tmuxArgs([]string{"list-panes"}); !reflect.DeepEqual(got, want) {
		t.Errorf("socket args = %v, want %v", got, want)
	}
}

func TestSSHArgs(t *testing.T) {
	c := NewRemoteClient("tmux", &SSHOptions{
		Target:  "ops@lab.internal",
		Port:    2222,
		KeyPath: "/home/ops/.ssh/id_ed25519",
		Timeout: 10,
	})

	got := c.sshArgs([]string{"list-panes", "-a"})
	want := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-p", "2222",
		"-i", "/home/ops/.ssh/id_ed25519",
		"--", "ops@lab.internal",
		"tmux 'list-panes' '-a'",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sshArgs = %q, want %q", got, want)
	}
}

func TestSSHArgsDefaults(t *testing.T) {
	c := NewRemoteClient("", &SSHOptions{Target: "lab"})
	got := c.sshArgs([]string{"-V"})
	want := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=30",
		"--", "lab",
		"tmux '-V'",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sshArgs = %q, want %q", got, want)
	}
}

func TestSSHArgsQuotesHostileArgs(t *testing.T) {
	c := NewRemoteClient("tmux", &SSHOptions{Target: "lab"})
	got := c.sshArgs([]string{"send-keys", "-t", "%1", "-l", "--", "echo 'hi'; rm -rf /"})
	remote := got[len(got)-1]
	want := `tmux 'send-keys' '-t' '%1' '-l' '--' 'echo '\''hi'\''; rm -rf /'`
	if remote != want {
		t.Errorf("remote command = %q, want %q", remote, want)
	}
}
