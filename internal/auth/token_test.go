package auth

import (
	"testing"
	"time"

	"github.com/wardhq/ward/internal/sanitize"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New("test-signing-secret", "test-api-key", sanitize.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestService(t *testing.T) {
	t.Run("RejectsEmptySecret", func(t *testing.T) {
		if _, err := New("", "", sanitize.New()); err == nil {
			t.Fatal("expected error for empty signing secret")
		}
	})

	t.Run("SignThenVerifyRoundTrips", func(t *testing.T) {
		s := newTestService(t)
		tok, err := s.SignToken("user-1", UserToken)
		if err != nil {
			t.Fatalf("SignToken: %v", err)
		}
		claims := s.VerifyToken(tok)
		if claims == nil {
			t.Fatal("expected claims, got nil")
		}
		if claims.Subject != "user-1" {
			t.Errorf("got subject %q", claims.Subject)
		}
	})

	t.Run("RejectsTamperedSignature", func(t *testing.T) {
		s := newTestService(t)
		tok, _ := s.SignToken("user-1", UserToken)
		tampered := tok[:len(tok)-1] + "x"
		if claims := s.VerifyToken(tampered); claims != nil {
			t.Error("expected nil claims for tampered token")
		}
	})

	t.Run("RejectsMalformedToken", func(t *testing.T) {
		s := newTestService(t)
		if claims := s.VerifyToken("not-a-token"); claims != nil {
			t.Error("expected nil claims for malformed token")
		}
	})

	t.Run("RejectsExpiredToken", func(t *testing.T) {
		s := newTestService(t)
		claims := Claims{Subject: "user-1", IssuedAt: time.Now().Add(-2 * time.Hour).Unix(), ExpiresAt: time.Now().Add(-time.Hour).Unix()}
		tok := mustSignClaims(t, s, claims)
		if got := s.VerifyToken(tok); got != nil {
			t.Error("expected nil claims for expired token")
		}
	})

	t.Run("RotationInvalidatesOldTokens", func(t *testing.T) {
		s := newTestService(t)
		tok, _ := s.SignToken("user-1", UserToken)
		if err := s.RotateSigningKey(); err != nil {
			t.Fatalf("RotateSigningKey: %v", err)
		}
		if claims := s.VerifyToken(tok); claims != nil {
			t.Error("expected token signed before rotation to be invalid after")
		}
	})

	t.Run("ExchangeApiKeySucceedsWithCorrectKey", func(t *testing.T) {
		s := newTestService(t)
		tok, ok := s.ExchangeApiKey("test-api-key")
		if !ok || tok == "" {
			t.Fatal("expected successful exchange")
		}
		if claims := s.VerifyToken(tok); claims == nil {
			t.Error("expected exchanged token to verify")
		}
	})

	t.Run("ExchangeApiKeyRejectsWrongKey", func(t *testing.T) {
		s := newTestService(t)
		if _, ok := s.ExchangeApiKey("wrong-key"); ok {
			t.Error("expected exchange to fail for wrong key")
		}
	})

	t.Run("BuildChildEnvIncludesAuthTokenAndPinnedShell", func(t *testing.T) {
		s := newTestService(t)
		env, err := s.BuildChildEnv("agent-123", "")
		if err != nil {
			t.Fatalf("BuildChildEnv: %v", err)
		}
		var sawShell, sawToken bool
		for _, kv := range env {
			if kv == "SHELL=/bin/sh" {
				sawShell = true
			}
			if len(kv) > len("AGENT_AUTH_TOKEN=") && kv[:len("AGENT_AUTH_TOKEN=")] == "AGENT_AUTH_TOKEN=" {
				sawToken = true
			}
		}
		if !sawShell {
			t.Error("expected SHELL=/bin/sh in child env")
		}
		if !sawToken {
			t.Error("expected AGENT_AUTH_TOKEN in child env")
		}
	})

	t.Run("BuildChildEnvIncludesSharedContextDir", func(t *testing.T) {
		s := newTestService(t)
		env, err := s.BuildChildEnv("agent-123", "/tmp/ward-shared-context")
		if err != nil {
			t.Fatalf("BuildChildEnv: %v", err)
		}
		var sawDir bool
		for _, kv := range env {
			if kv == "WARD_SHARED_CONTEXT_DIR=/tmp/ward-shared-context" {
				sawDir = true
			}
		}
		if !sawDir {
			t.Error("expected WARD_SHARED_CONTEXT_DIR in child env")
		}
	})

	t.Run("BuildChildEnvExcludesSigningSecret", func(t *testing.T) {
		t.Setenv("WARD_SIGNING_SECRET", "leaked-if-present")
		s := newTestService(t)
		env, err := s.BuildChildEnv("agent-123", "")
		if err != nil {
			t.Fatalf("BuildChildEnv: %v", err)
		}
		for _, kv := range env {
			if kv == "WARD_SIGNING_SECRET=leaked-if-present" {
				t.Error("signing secret leaked into child env")
			}
		}
	})

	t.Run("BuildChildEnvExcludesCloudCredentials", func(t *testing.T) {
		t.Setenv("AWS_SECRET_ACCESS_KEY", "leaked-if-present")
		s := newTestService(t)
		env, err := s.BuildChildEnv("agent-123", "")
		if err != nil {
			t.Fatalf("BuildChildEnv: %v", err)
		}
		for _, kv := range env {
			if kv == "AWS_SECRET_ACCESS_KEY=leaked-if-present" {
				t.Error("AWS secret leaked into child env")
			}
		}
	})
}

func mustSignClaims(t *testing.T, s *Service, claims Claims) string {
	t.Helper()
	// Calls signClaims directly since SignToken always stamps fresh
	// timestamps; tests need control over ExpiresAt.
	tok, err := signClaims(s, claims)
	if err != nil {
		t.Fatalf("signClaims: %v", err)
	}
	return tok
}
