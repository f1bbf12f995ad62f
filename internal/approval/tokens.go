package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mkarls/tmux-sentry/internal/state"
)

// Token resolution errors.
var (
	ErrMalformedToken = errors.New("malformed approval token")
	ErrBadSignature   = errors.New("approval token signature mismatch")
	ErrExpiredToken   = errors.New("approval token expired")
	ErrUnknownToken   = errors.New("approval token not found or already used")
)

// Request is the transient, per-tick approval surface for one stage: the drop
// file path plus, when a signing secret is configured, a token and URLs.
type Request struct {
	Host       string
	PaneID     string
	Stage      string
	FilePath   string
	Token      string
	ApproveURL string
	RejectURL  string
}

// Issuer mints and resolves HMAC-signed approval tokens, persisting them in
// the state store.
type Issuer struct {
	store   *state.Store
	secret  []byte
	ttl     time.Duration
	baseURL string

	now func() time.Time
}

// DefaultTokenTTL is the lifetime of a minted approval token.
const DefaultTokenTTL = 24 * time.Hour

// NewIssuer creates an issuer. An empty secret disables token issuance.
func NewIssuer(store *state.Store, secret, baseURL string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Issuer{
		store:   store,
		secret:  key,
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Enabled reports whether a signing secret is configured.
func (i *Issuer) Enabled() bool { return len(i.secret) > 0 }

// EnsureRequest returns the approval surface for a stage key. With a secret
// configured, an existing unexpired token is reused, otherwise a fresh one is
// minted and persisted. Without a secret, any stale token row is purged and
// only the drop-file channel remains.
func (i *Issuer) EnsureRequest(m *Manager, host, paneID, stage string) (Request, error) {
	req := Request{
		Host:     host,
		PaneID:   paneID,
		Stage:    stage,
		FilePath: m.FilePath(host, paneID, stage),
	}

	if !i.Enabled() {
		if err := i.store.DeleteToken(host, paneID, stage); err != nil {
			return req, err
		}
		return req, nil
	}

	now := i.now()
	rec, err := i.store.Token(host, paneID, stage)
	if err != nil {
		return req, err
	}
	if rec == nil || !rec.ExpiresAt.After(now) {
		expiresAt := now.Add(i.ttl)
		token := i.mint(host, paneID, stage, expiresAt.Unix())
		if err := i.store.SaveToken(host, paneID, stage, token, expiresAt); err != nil {
			return req, err
		}
		req.Token = token
	} else {
		req.Token = rec.Token
	}

	if i.baseURL != "" {
		req.ApproveURL = fmt.Sprintf("%s/a/%s/approve", i.baseURL, req.Token)
		req.RejectURL = fmt.Sprintf("%s/a/%s/reject", i.baseURL, req.Token)
	}
	return req, nil
}

// mint builds <b64(payload)>.<b64(hmac-sha256(secret, payload))> with urlsafe
// base64, padding stripped. Payload: host|pane|stage|expires_at.
func (i *Issuer) mint(host, paneID, stage string, expiresUnix int64) string {
	payload := fmt.Sprintf("%s|%s|%s|%d", host, paneID, stage, expiresUnix)
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(mac.Sum(nil))
}

// Resolve verifies a token, checks expiry, consumes the persisted row, and
// returns the stage key it was minted for.
func (i *Issuer) Resolve(token string) (host, paneID, stage string, err error) {
	if !i.Enabled() {
		return "", "", "", ErrUnknownToken
	}

	dot := strings.LastIndex(token, ".")
	if dot <= 0 || dot == len(token)-1 {
		return "", "", "", ErrMalformedToken
	}
	enc := base64.RawURLEncoding
	payload, perr := enc.DecodeString(token[:dot])
	if perr != nil {
		return "", "", "", ErrMalformedToken
	}
	sig, serr := enc.DecodeString(token[dot+1:])
	if serr != nil {
		return "", "", "", ErrMalformedToken
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", "", "", ErrBadSignature
	}

	host, paneID, stage, expiresUnix, perr2 := parsePayload(string(payload))
	if perr2 != nil {
		return "", "", "", perr2
	}
	if i.now().Unix() >= expiresUnix {
		// Purge the row eagerly; the tick sweep would get it anyway.
		_ = i.store.DeleteToken(host, paneID, stage)
		return "", "", "", ErrExpiredToken
	}

	rec, rerr := i.store.Token(host, paneID, stage)
	if rerr != nil {
		return "", "", "", rerr
	}
	if rec == nil || rec.Token != token {
		return "", "", "", ErrUnknownToken
	}
	if err := i.store.DeleteToken(host, paneID, stage); err != nil {
		return "", "", "", err
	}
	return host, paneID, stage, nil
}

// parsePayload splits host|pane|stage|expires from the right, so '|' is
// permitted inside the host field.
func parsePayload(payload string) (host, paneID, stage string, expires int64, err error) {
	rest := payload

	cut := strings.LastIndex(rest, "|")
	if cut < 0 {
		return "", "", "", 0, ErrMalformedToken
	}
	expiresStr := rest[cut+1:]
	rest = rest[:cut]

	cut = strings.LastIndex(rest, "|")
	if cut < 0 {
		return "", "", "", 0, ErrMalformedToken
	}
	stage = rest[cut+1:]
	rest = rest[:cut]

	cut = strings.LastIndex(rest, "|")
	if cut < 0 {
		return "", "", "", 0, ErrMalformedToken
	}
	paneID = rest[cut+1:]
	host = rest[:cut]

	expires, convErr := strconv.ParseInt(expiresStr, 10, 64)
	if convErr != nil {
		return "", "", "", 0, ErrMalformedToken
	}
	return host, paneID, stage, expires, nil
}
