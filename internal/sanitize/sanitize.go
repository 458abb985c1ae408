// Package sanitize redacts known secret values from any JSON-shaped value
// before it is persisted or fanned out to subscribers.
package sanitize

import (
	"os"
	"strings"
	"sync"
)

// Redacted is the literal replacement text for a matched secret.
const Redacted = "[REDACTED]"

// minSecretLen is the shortest value considered worth redacting; anything
// shorter produces too many false positives to be useful.
const minSecretLen = 8

// envKeys is the fixed set of environment variables whose values are
// treated as secret material.
var envKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"WARD_SIGNING_SECRET",
	"WARD_API_KEY",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"DATABASE_URL",
	"GOOGLE_APPLICATION_CREDENTIALS",
}

// Sanitizer caches the ordered list of secret values read from envKeys on
// first use, and redacts exact occurrences of each from any JSON-shaped
// value. The cache is invalidated by Reset after a signing-key rotation, so
// a later Sanitize call reflects whatever the environment currently holds.
type Sanitizer struct {
	mu      sync.Mutex
	secrets []string
	loaded  bool
}

// New returns a Sanitizer with an empty cache; values are read lazily.
func New() *Sanitizer {
	return &Sanitizer{}
}

// Reset invalidates the cached secret list. The next Sanitize call re-reads
// the environment.
func (s *Sanitizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.secrets = nil
}

func (s *Sanitizer) ensureLoaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.secrets
	}
	var secrets []string
	for _, k := range envKeys {
		v := os.Getenv(k)
		if len(v) >= minSecretLen {
			secrets = append(secrets, v)
		}
	}
	s.secrets = secrets
	s.loaded = true
	return secrets
}

// Sanitize walks v recursively and returns a copy with every exact
// occurrence of each cached secret replaced by Redacted in every string.
// Structural types (maps, slices, numbers, bools, nil) are preserved.
// Sanitize is idempotent: sanitizing an already-sanitized value is a no-op.
func (s *Sanitizer) Sanitize(v any) any {
	secrets := s.ensureLoaded()
	if len(secrets) == 0 {
		return v
	}
	return walk(v, secrets)
}

func walk(v any, secrets []string) any {
	switch t := v.(type) {
	case string:
		return redactString(t, secrets)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = walk(vv, secrets)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = walk(vv, secrets)
		}
		return out
	default:
		return v
	}
}

func redactString(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}
