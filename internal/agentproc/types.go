// Package agentproc owns a single child CLI process: spawning it, parsing
// its JSONL stdout into StreamEvents, fanning those events out to
// subscribers, and tearing the process down.
package agentproc

import (
	"encoding/json"
	"strconv"
)

// Status mirrors the Agent status enum.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusIdle         Status = "idle"
	StatusError        Status = "error"
	StatusRestored     Status = "restored"
	StatusKilling      Status = "killing"
	StatusDestroying   Status = "destroying"
	StatusPaused       Status = "paused"
	StatusStalled      Status = "stalled"
	StatusDisconnected Status = "disconnected"
)

// Usage accumulates token/cost totals over an agent's lifetime.
type Usage struct {
	TokensIn         int64   `json:"tokensIn"`
	TokensOut        int64   `json:"tokensOut"`
	TotalTokensSpent int64   `json:"totalTokensSpent"`
	EstimatedCost    float64 `json:"estimatedCost"`
}

// Prompt is the initial or follow-up instruction sent to the child CLI.
type Prompt struct {
	Text string
}

// Options configures a spawn.
type Options struct {
	AgentID                    string
	WorkspaceDir               string
	Prompt                     Prompt
	SessionID                  string // non-empty => resume
	MaxTurns                   int
	Model                      string
	DangerouslySkipPermissions bool
	Env                        []string
	CLIBin                     string // defaults to "claude" if empty
}

// BuildArgs constructs the child CLI argument vector per the external
// interface contract: optional skip-permissions flag, optional resume flag,
// the fixed stream-json I/O format flags, optional max-turns/model, and the
// prompt as the final positional argument.
func BuildArgs(o Options) []string {
	var args []string
	if o.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if o.SessionID != "" {
		args = append(args, "--resume", o.SessionID)
	}
	args = append(args, "--input-format", "stream-json", "--output-format", "stream-json")
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	args = append(args, o.Prompt.Text)
	return args
}

// StreamEvent is the tagged-variant representation of one stdout line:
// known fields are named, everything else rides in Extra untouched.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *EventMessage   `json:"message,omitempty"`
	Result    *ResultPayload  `json:"result,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Extra     json.RawMessage `json:"-"`
}

// EventMessage is the payload shape shared by assistant/user_prompt/tool
// events that carry a deduplicable message id.
type EventMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ResultPayload is the payload of a `result` event.
type ResultPayload struct {
	NumTurns     int     `json:"num_turns"`
	DurationMs   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ParseStreamEvent decodes one JSONL line into a StreamEvent. Unknown
// top-level keys are preserved verbatim in Extra for pass-through, the way
// claude/unknown.go's Overflow preserves unrecognized fields. A `result`
// event carries its payload fields at the top level of the line; they are
// decoded into Result.
func ParseStreamEvent(line []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return StreamEvent{}, err
	}
	if ev.Type == "result" && ev.Result == nil {
		var rp ResultPayload
		if err := json.Unmarshal(line, &rp); err == nil {
			ev.Result = &rp
		}
	}
	ev.Extra = append(json.RawMessage(nil), line...)
	return ev, nil
}
