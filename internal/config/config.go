// Package config loads the supervisor's startup configuration from the
// environment into one validated struct.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/wardhq/ward/internal/werr"
)

// Config holds every environment-sourced knob the supervisor needs at
// startup.
type Config struct {
	// SigningSecret seeds the HMAC signing key (internal/auth). Required.
	SigningSecret string
	// APIKey, if set, enables exchangeApiKey.
	APIKey string
	// PersistentRoot is the root directory for state/events/tombstone files.
	// Falls back to a fixed tmp path when empty.
	PersistentRoot string
	// SharedContextDir holds the cross-agent working-memory files the
	// recovery coordinator GCs on startup.
	SharedContextDir string
	// AgentCLIBin is the binary name the recovery coordinator looks for when
	// reaping orphaned child processes. Must match agentproc's default.
	AgentCLIBin string

	MaxAgents           int
	MaxChildrenPerAgent int
	MaxAgentDepth       int
	PersistBatchBytes   int
	SessionTTL          time.Duration

	StallTick      time.Duration
	StallThreshold int

	AutoDeliverSettle time.Duration
}

const (
	defaultMaxAgents           = 200
	defaultMaxChildrenPerAgent = 16
	defaultMaxAgentDepth       = 6
	defaultPersistBatchBytes   = 1 << 20 // 1 MiB
	defaultSessionTTL          = 4 * time.Hour
	defaultStallTick           = 60 * time.Second
	defaultStallThreshold      = 3
	defaultAutoDeliverSettle   = 300 * time.Millisecond

	fallbackPersistentRoot   = "/tmp/ward-state"
	fallbackSharedContextDir = "/tmp/ward-shared-context"
	defaultAgentCLIBin       = "claude"
)

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	c := &Config{
		SigningSecret:       os.Getenv("WARD_SIGNING_SECRET"),
		APIKey:              os.Getenv("WARD_API_KEY"),
		PersistentRoot:      os.Getenv("WARD_PERSISTENT_ROOT"),
		SharedContextDir:    os.Getenv("WARD_SHARED_CONTEXT_DIR"),
		AgentCLIBin:         envString("WARD_AGENT_CLI_BIN", defaultAgentCLIBin),
		MaxAgents:           envInt("WARD_MAX_AGENTS", defaultMaxAgents),
		MaxChildrenPerAgent: envInt("WARD_MAX_CHILDREN_PER_AGENT", defaultMaxChildrenPerAgent),
		MaxAgentDepth:       envInt("WARD_MAX_AGENT_DEPTH", defaultMaxAgentDepth),
		PersistBatchBytes:   envInt("WARD_PERSIST_BATCH_BYTES", defaultPersistBatchBytes),
		SessionTTL:          envDuration("WARD_SESSION_TTL", defaultSessionTTL),
		StallTick:           envDuration("WARD_STALL_TICK", defaultStallTick),
		StallThreshold:      envInt("WARD_STALL_THRESHOLD", defaultStallThreshold),
		AutoDeliverSettle:   envDuration("WARD_AUTODELIVER_SETTLE", defaultAutoDeliverSettle),
	}
	if c.PersistentRoot == "" {
		c.PersistentRoot = fallbackPersistentRoot
	}
	if c.SharedContextDir == "" {
		c.SharedContextDir = fallbackSharedContextDir
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fails fast when mandatory configuration is missing. A missing
// signing secret is fatal to the process, per the error taxonomy.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return werr.Misconfigured("WARD_SIGNING_SECRET is required")
	}
	return nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
