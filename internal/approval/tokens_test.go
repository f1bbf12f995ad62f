package approval

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mkarls/tmux-sentry/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "secret", "https://sentry.example.com", time.Hour)

	req, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}
	if req.Token == "" {
		t.Fatal("no token minted with secret configured")
	}
	if !strings.HasPrefix(req.ApproveURL, "https://sentry.example.com/a/") {
		t.Errorf("approve URL = %q", req.ApproveURL)
	}

	host, paneID, stage, err := issuer.Resolve(req.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if host != "local" || paneID != "%1" || stage != "ship" {
		t.Errorf("resolved key = %s/%s/%s", host, paneID, stage)
	}

	// Tokens consume on resolution.
	if _, _, _, err := issuer.Resolve(req.Token); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("second resolve err = %v, want ErrUnknownToken", err)
	}
}

func TestTokenReusedWhileLive(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "secret", "", time.Hour)

	first, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}
	second, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("second EnsureRequest: %v", err)
	}
	if first.Token != second.Token {
		t.Error("unexpired token was re-minted")
	}
}

func TestTokenMutationRejected(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "secret", "", time.Hour)

	req, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}

	// Flip a character in the signature half.
	tok := req.Token
	mutated := tok[:len(tok)-1]
	if tok[len(tok)-1] == 'A' {
		mutated += "B"
	} else {
		mutated += "A"
	}
	if _, _, _, err := issuer.Resolve(mutated); !errors.Is(err, ErrBadSignature) {
		t.Errorf("mutated token err = %v, want ErrBadSignature", err)
	}

	if _, _, _, err := issuer.Resolve("not-a-token"); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("garbage token err = %v, want ErrMalformedToken", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())

	minter := NewIssuer(store, "secret-a", "", time.Hour)
	req, err := minter.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}

	verifier := NewIssuer(store, "secret-b", "", time.Hour)
	if _, _, _, err := verifier.Resolve(req.Token); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong-secret resolve err = %v, want ErrBadSignature", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "secret", "", time.Hour)

	past := time.Now().Add(-2 * time.Hour)
	issuer.now = func() time.Time { return past }
	req, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}

	issuer.now = time.Now
	if _, _, _, err := issuer.Resolve(req.Token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired token err = %v, want ErrExpiredToken", err)
	}
	// Expired resolution purges the row.
	rec, err := store.Token("local", "%1", "ship")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if rec != nil {
		t.Error("expired token row was not purged")
	}
}

func TestEnsureRequestWithoutSecret(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "", "", time.Hour)

	if issuer.Enabled() {
		t.Fatal("issuer enabled without a secret")
	}
	req, err := issuer.EnsureRequest(m, "local", "%1", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}
	if req.Token != "" || req.ApproveURL != "" {
		t.Errorf("file-only request carries token surface: %+v", req)
	}
	if req.FilePath == "" {
		t.Error("file-only request missing drop-file path")
	}
}

func TestPayloadHostWithSeparator(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(t.TempDir())
	issuer := NewIssuer(store, "secret", "", time.Hour)

	req, err := issuer.EnsureRequest(m, "lab|gpu-1", "%7", "ship")
	if err != nil {
		t.Fatalf("EnsureRequest: %v", err)
	}
	host, paneID, stage, err := issuer.Resolve(req.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if host != "lab|gpu-1" || paneID != "%7" || stage != "ship" {
		t.Errorf("resolved key = %s/%s/%s", host, paneID, stage)
	}
}
