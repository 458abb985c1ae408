package auth

import (
	"fmt"
	"os"
)

// childEnvAllowList is the fixed set of ambient environment variables passed
// through to a spawned agent's CLI process. Anything not on this list is
// dropped, the way mapSecretToEnvVar only forwards explicitly mapped
// secrets rather than the whole environment.
var childEnvAllowList = []string{
	"PATH",
	"HOME",
	"LANG",
	"TERM",
	"USER",
	"TZ",
	"TMPDIR",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GIT_AUTHOR_NAME",
	"GIT_AUTHOR_EMAIL",
	"GIT_COMMITTER_NAME",
	"GIT_COMMITTER_EMAIL",
	"CLAUDE_CONFIG_DIR",
}

// childEnvDenyList is stripped even if present on the allow list, so a
// misconfigured allow list can never leak these.
var childEnvDenyList = []string{
	"WARD_SIGNING_SECRET",
	"WARD_API_KEY",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"DATABASE_URL",
}

// BuildChildEnv constructs the environment for an agent's CLI subprocess:
// the allow-listed ambient variables, SHELL pinned to /bin/sh, a
// WARD_NETWORK_DISABLED=1 traffic-disable flag, the shared cross-agent
// working-memory directory (when non-empty), and an AGENT_AUTH_TOKEN scoped to agentID so
// the child can call back into the supervisor.
func (s *Service) BuildChildEnv(agentID, sharedContextDir string) ([]string, error) {
	deny := make(map[string]bool, len(childEnvDenyList))
	for _, k := range childEnvDenyList {
		deny[k] = true
	}

	env := make([]string, 0, len(childEnvAllowList)+4)
	for _, k := range childEnvAllowList {
		if deny[k] {
			continue
		}
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	env = append(env, "SHELL=/bin/sh")
	env = append(env, "WARD_NETWORK_DISABLED=1")
	if sharedContextDir != "" {
		env = append(env, "WARD_SHARED_CONTEXT_DIR="+sharedContextDir)
	}

	tok, err := s.SignToken(fmt.Sprintf("agent:%s", agentID), AgentServiceToken)
	if err != nil {
		return nil, err
	}
	env = append(env, "AGENT_AUTH_TOKEN="+tok)
	return env, nil
}
