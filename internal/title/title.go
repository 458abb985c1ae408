// Package title generates short human-readable labels for Agent.CurrentTask
// via a cheap, fire-and-forget LLM call. An unconfigured provider makes
// Generate a no-op so callers never need to branch on availability.
package title

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"
)

const systemPrompt = "Summarize this coding agent's task in 3-8 words as a short title. Reply with ONLY the title, no quotes."

const maxInputChars = 2000

// Generator produces short titles from an agent's prompt and assistant
// output. A zero-value Generator (or one built with an empty provider name)
// is a no-op: Generate always returns "".
type Generator struct {
	provider genai.Provider
}

// New builds a Generator from a provider name and model. If providerName is
// empty, unknown, or initialization fails, it returns a no-op Generator and
// logs a warning — title generation is best-effort and must never block
// agent startup.
func New(ctx context.Context, providerName, model string) *Generator {
	if providerName == "" {
		return &Generator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &Generator{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &Generator{}
	}
	slog.Info("title generation enabled", "provider", providerName, "model", p.ModelID())
	return &Generator{provider: p}
}

// Generate summarizes prompt plus any assistant reply text into a short
// title. Returns "" on failure or if unconfigured; callers treat this as
// "leave CurrentTask as-is".
func (g *Generator) Generate(ctx context.Context, agentID, prompt string, assistantText string) string {
	if g.provider == nil {
		return ""
	}

	input := "Prompt: " + prompt
	if assistantText != "" {
		input += "\nReply: " + assistantText
	}
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}

	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: systemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "agent", agentID, "err", err)
		return ""
	}

	t := strings.TrimSpace(res.String())
	t = strings.Trim(t, "\"'`")
	return t
}
