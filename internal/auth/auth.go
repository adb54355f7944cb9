// Package auth verifies gateway admission tokens and mints the opaque
// bearer capabilities handed out with sessions. Identity issuance lives
// outside the gateway; this package only checks that the identity layer
// vouched for a (user, device) pair and that the voucher has not expired.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// Claims is the signed payload of an admission token.
type Claims struct {
	UserID    model.UserID   `json:"uid"`
	DeviceID  model.DeviceID `json:"dev"`
	ExpiresAt int64          `json:"exp"` // unix seconds
}

// Verifier checks admission tokens against the shared gateway secret.
// An empty secret fails closed: every token is rejected until the
// operator configures auth_secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	v := &Verifier{}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// Enabled reports whether the verifier can accept any token at all.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Verify validates signature, shape and expiry. The error is always the
// protocol-level unauthorized; the concrete reason never reaches the
// client (and the token itself never reaches a log line).
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, wire.Unauthorized("gateway has no admission secret configured")
	}
	payload, gotSig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, wire.Unauthorized("malformed admission token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, wire.Unauthorized("malformed admission token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(gotSig)
	if err != nil {
		return Claims{}, wire.Unauthorized("malformed admission token")
	}
	if !hmac.Equal(sig, v.sign(payload)) {
		return Claims{}, wire.Unauthorized("admission token signature mismatch")
	}

	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, wire.Unauthorized("malformed admission claims")
	}
	if !model.ValidID(string(c.UserID)) || !model.ValidID(string(c.DeviceID)) {
		return Claims{}, wire.Unauthorized("malformed admission claims")
	}
	if c.ExpiresAt <= now.Unix() {
		return Claims{}, wire.Unauthorized("admission token expired")
	}
	return c, nil
}

func (v *Verifier) sign(payload string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Mint signs claims with the gateway secret. The gateway itself never
// mints admission tokens in production; this is the issuer half of
// Verify used by provisioning tooling and tests.
func Mint(secret string, c Claims) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("mint admission token: empty secret")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("mint admission token: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	sig := NewVerifier(secret).sign(payload)
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Token prefixes keep leaked capabilities attributable in bug reports
// without revealing anything about their contents.
const (
	SessionTokenPrefix = "st_"
	ResumeTokenPrefix  = "rt_"
)

// NewToken mints an opaque 256-bit bearer capability.
func NewToken(prefix string) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
