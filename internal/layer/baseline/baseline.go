// Package baseline implements the baseline direct-LLM translation: a
// single unconstrained translate call with no termbase, no syntax/
// discourse control, and no trace entry — the pipeline's "no layers
// enabled" behavior (spec.md Testable scenario 1), grounded on
// original_source's BaselineTranslationAgent.
package baseline

import (
	"context"
	"log"

	"legalmt/internal/agent"
	"legalmt/internal/domain"
)

// Translate produces a direct translation of segment with no control
// strategy applied, falling back to the source text on any failure,
// mirroring BaselineTranslationAgent.execute's except-branch.
func Translate(ctx context.Context, caller agent.Caller, segment domain.Segment) string {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "baseline:translation", Role: "professional translator", Domain: "general",
			Specialty: "direct translation with no control strategy", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Translate the given text directly, with no terminology, syntax, or discourse control strategy applied.",
		Background: "Provide only the translation; maintain the meaning and tone of the original, in natural and fluent language.",
		OutputFields: []agent.Field{
			{Name: "translated_text", Type: "string", Required: true},
			{Name: "confidence", Type: "float", Required: true},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{
		"source_text": segment.Source,
		"source_lang": segment.Pair.Source,
		"target_lang": segment.Pair.Target,
	}

	var resp agent.TranslateOutput
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		log.Printf("baseline: translation failed for %s: %v", segment.ID, err)
		return segment.Source
	}
	if resp.TranslatedText == "" {
		return segment.Source
	}
	return resp.TranslatedText
}
