package tmux

import "testing"

func TestParsePaneList(t *testing.T) {
	output := "%1|#|agents|#|build|#|claude: working|#|1|#|190|#|45\n" +
		"%2|#|agents|#|build|#|shell|#|0|#|190|#|45\n" +
		"short|#|line\n" +
		"\n"

	panes := parsePaneList(output)
	if len(panes) != 2 {
		t.Fatalf("got %d panes, want 2", len(panes))
	}

	first := panes[0]
	if first.ID != "%1" || first.Session != "agents" || first.Window != "build" {
		t.Errorf("first pane = %+v", first)
	}
	if first.Title != "claude: working" || !first.Active {
		t.Errorf("first pane title/active = %q/%v", first.Title, first.Active)
	}
	if first.Width != 190 || first.Height != 45 {
		t.Errorf("first pane size = %dx%d", first.Width, first.Height)
	}
	if panes[1].Active {
		t.Error("second pane should be inactive")
	}
}

func TestParsePaneListEmpty(t *testing.T) {
	if panes := parsePaneList(""); len(panes) != 0 {
		t.Errorf("empty output gave %d panes", len(panes))
	}
}

func TestValidateSessionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"dev", false},
		{"agent-feature-x", false},
		{"", true},
		{"has:colon", true},
		{"has.dot", true},
	}
	for _, tt := range tests {
		err := ValidateSessionName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSessionName(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
