// Package auth implements the HMAC token service, signing-key rotation, and
// the child-process environment allow-list (C2). The token format is a
// bespoke two-segment scheme, not a standards-conformant JWS, so it is
// hand-rolled on crypto/hmac, crypto/sha256, and crypto/subtle rather than a
// JWT library — see DESIGN.md.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/wardhq/ward/internal/sanitize"
	"github.com/wardhq/ward/internal/werr"
)

// TokenKind distinguishes the lifetime applied at signing time.
type TokenKind int

const (
	// UserToken lives 24h.
	UserToken TokenKind = iota
	// AgentServiceToken lives 4h.
	AgentServiceToken
)

const (
	userTokenTTL  = 24 * time.Hour
	agentTokenTTL = 4 * time.Hour
)

// Claims is the token payload.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Service signs and verifies tokens, owns the current signing key, and
// builds the environment for spawned child processes. The signing key is a
// pointer swapped under a lock on rotation; readers see either the old or
// the new value, and tokens minted before a rotation become unverifiable
// after, by design (see spec §9).
type Service struct {
	mu        sync.RWMutex
	key       []byte
	apiKey    string
	sanitizer *sanitize.Sanitizer
}

// New constructs a Service seeded with the given signing secret and optional
// API key. Fails with a Misconfigured error if secret is empty.
func New(secret, apiKey string, sanitizer *sanitize.Sanitizer) (*Service, error) {
	if secret == "" {
		return nil, werr.Misconfigured("signing secret must not be empty")
	}
	return &Service{
		key:       []byte(secret),
		apiKey:    apiKey,
		sanitizer: sanitizer,
	}, nil
}

func ttlFor(kind TokenKind) time.Duration {
	if kind == AgentServiceToken {
		return agentTokenTTL
	}
	return userTokenTTL
}

// SignToken issues a token for subject with the lifetime for kind.
func (s *Service) SignToken(subject string, kind TokenKind) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttlFor(kind)).Unix(),
	}
	return signClaims(s, claims)
}

// signClaims encodes and signs an arbitrary Claims value. Split out of
// SignToken so tests can mint tokens with a fixed ExpiresAt.
func signClaims(s *Service, claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	header := `{"alg":"HS256","typ":"ward"}`
	headerSeg := base64.RawURLEncoding.EncodeToString([]byte(header))
	bodySeg := base64.RawURLEncoding.EncodeToString(body)
	signingInput := headerSeg + "." + bodySeg

	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	sig := sign(key, signingInput)
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)
	return signingInput + "." + sigSeg, nil
}

// VerifyToken parses and verifies token, returning claims on success or nil
// on any failure (malformed, bad signature, expired). Never panics or
// returns an error — verification failures are represented purely by a nil
// return, per spec.
func (s *Service) VerifyToken(token string) *Claims {
	headerSeg, bodySeg, sigSeg, ok := splitToken(token)
	if !ok {
		return nil
	}
	signingInput := headerSeg + "." + bodySeg
	gotSig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	wantSig := sign(key, signingInput)
	if len(gotSig) != len(wantSig) || subtle.ConstantTimeCompare(gotSig, wantSig) != 1 {
		return nil
	}

	body, err := base64.RawURLEncoding.DecodeString(bodySeg)
	if err != nil {
		return nil
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil
	}
	return &claims
}

func splitToken(token string) (header, body, sig string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func sign(key []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// ExchangeApiKey constant-time compares key against the configured API key
// and returns a freshly minted agent-service token and true on success, or
// "" and false otherwise. Buffers are length-compared first to avoid subtle.
// ConstantTimeCompare panicking on mismatched lengths.
func (s *Service) ExchangeApiKey(key string) (string, bool) {
	s.mu.RLock()
	want := s.apiKey
	s.mu.RUnlock()
	if want == "" {
		return "", false
	}
	if len(key) != len(want) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
		return "", false
	}
	tok, err := s.SignToken("api-key-exchange", AgentServiceToken)
	if err != nil {
		return "", false
	}
	return tok, true
}

// RotateSigningKey generates 32 bytes of cryptographic randomness, replaces
// the in-memory signing key (invalidating every outstanding token), and
// resets the sanitizer's secret cache.
func (s *Service) RotateSigningKey() error {
	newKey := make([]byte, 32)
	if _, err := rand.Read(newKey); err != nil {
		return werr.TransientIO("generate signing key").Wrap(err)
	}
	s.mu.Lock()
	s.key = newKey
	s.mu.Unlock()
	if s.sanitizer != nil {
		s.sanitizer.Reset()
	}
	return nil
}
