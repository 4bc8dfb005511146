package agent

import (
	"context"
	"fmt"

	"legalmt/internal/errkind"
	"legalmt/internal/llm"
)

// Caller is the subset of llm.Client an agent needs. Accepting an
// interface here (rather than *llm.Client directly) keeps agent tests
// independent of a real genai backend.
type Caller interface {
	CompleteJSON(ctx context.Context, agentName string, messages []llm.Message, temperature float64, maxTokens int, out any) error
}

// Run renders spec against input, invokes the caller, and unmarshals the
// reply into out. temperature <= 0.3 is the convention for evaluator/
// selector calls (spec §4.1); higher temperatures are reserved for
// multi-candidate generation (§4.9).
func Run(ctx context.Context, caller Caller, spec PromptSpec, input any, temperature float64, out any) error {
	prompt, err := spec.Render(input)
	if err != nil {
		return &errkind.InputInvalid{Reason: err.Error()}
	}
	messages := []llm.Message{
		{Role: "user", Content: prompt},
	}
	if err := caller.CompleteJSON(ctx, spec.Identity.Name, messages, temperature, 0, out); err != nil {
		return fmt.Errorf("agent %s: %w", spec.Identity.Name, err)
	}
	return nil
}

// TranslateOutput is the shared shape of every layer's Translate-step
// reply: a translated_text plus the agent's own confidence in it.
type TranslateOutput struct {
	TranslatedText string  `json:"translated_text"`
	Confidence     float64 `json:"confidence"`
}

// RunCandidates invokes spec n times at temperature (> 0 for n > 1, per
// spec §4.9) and collects n independently-generated translations. n=1
// still goes through a single call at the caller's chosen temperature.
func RunCandidates(ctx context.Context, caller Caller, spec PromptSpec, input any, n int, temperature float64) ([]TranslateOutput, error) {
	if n < 1 {
		n = 1
	}
	out := make([]TranslateOutput, n)
	for i := 0; i < n; i++ {
		var resp TranslateOutput
		if err := Run(ctx, caller, spec, input, temperature, &resp); err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}
