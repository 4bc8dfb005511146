// Package syntax implements the syntax layer (spec §4.7): BiExtract ->
// SyntaxEvaluate -> SyntaxTranslate, operating on the terminology layer's
// output rather than the raw source.
package syntax

import (
	"context"
	"log"

	"legalmt/internal/agent"
	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/errkind"
	"legalmt/internal/selector"
)

type extractResponse struct {
	Patterns []domain.SyntaxPattern `json:"patterns"`
}

type evaluateResponse struct {
	Divergences []string `json:"divergences"`
	Overall     float64  `json:"overall"`
}

// Run executes the syntax layer on one segment, given the prior layer's
// translation (or the raw source, when terminology was skipped/disabled).
func Run(ctx context.Context, caller agent.Caller, segment domain.Segment, priorTranslation string, ablation config.AblationConfig) domain.LayerOutput {
	out := domain.LayerOutput{Layer: config.LayerSyntax}

	patterns, err := biExtract(ctx, caller, segment, priorTranslation)
	if err != nil {
		log.Printf("syntax: BiExtract failed for %s: %v", segment.ID, err)
		patterns = nil
	}

	divergences, score, err := evaluate(ctx, caller, segment, priorTranslation, patterns)
	if err != nil {
		log.Printf("syntax: SyntaxEvaluate failed for %s: %v", segment.ID, err)
		score = 0 // force re-translation, mirrors terminology's failure semantics
	}

	if ablation.GatingEnabled(config.LayerSyntax) && score >= ablation.GatingThreshold(config.LayerSyntax) {
		out.Translation = priorTranslation
		out.Confidence = score
		out.Gated = true
		out.GatedReason = "syntax evaluator score above gating threshold"
		out.Artifacts = patterns
		return out
	}

	translated, candidates, chosenIdx, err := translate(ctx, caller, segment, priorTranslation, patterns, divergences, ablation)
	if err != nil {
		out.Err = &errkind.LayerFailure{Layer: config.LayerSyntax, Err: err}
		out.Translation = priorTranslation
		out.Artifacts = patterns
		return out
	}

	out.Translation = translated
	out.Confidence = score
	out.Artifacts = patterns
	out.Candidates = candidates
	out.ChosenIndex = chosenIdx
	return out
}

func biExtract(ctx context.Context, caller agent.Caller, segment domain.Segment, translation string) ([]domain.SyntaxPattern, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "syntax:bi_extract", Role: "bilingual syntax analyst", Domain: "legal",
			Specialty: "modal, conditional, connective, and voice alignment", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Extract bilingual syntax pattern pairs between source and translation: modals, connectives, conditionals, voice, nominalizations.",
		Background: "A pattern pair records how a structural element in the source was rendered in the translation, for later evaluation.",
		OutputFields: []agent.Field{
			{Name: "patterns", Type: "array", Required: true, Description: "list of {source_pattern, target_pattern, category, confidence}; category is one of modal, connective, conditional, voice, nominalization, other"},
		},
		OutputFormat: "A single JSON object {\"patterns\": [...] }.",
	}
	var resp extractResponse
	input := map[string]any{"source_text": segment.Source, "translation": translation}
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return nil, err
	}
	return resp.Patterns, nil
}

func evaluate(ctx context.Context, caller agent.Caller, segment domain.Segment, translation string, patterns []domain.SyntaxPattern) ([]string, float64, error) {
	if len(patterns) == 0 {
		return nil, 0, nil
	}
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "syntax:evaluate", Role: "bilingual syntax reviewer", Domain: "legal",
			Specialty: "detecting modal and conditional-logic divergence", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose: "Score how faithfully the translation preserves the source's modal strength, conditional structure, connectives, and voice; list concrete divergences.",
		OutputFields: []agent.Field{
			{Name: "divergences", Type: "array", Required: false, Description: "short descriptions of specific syntax-level mismatches"},
			{Name: "overall", Type: "float", Required: true, Description: "overall fidelity score in [0,1]"},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{"source_text": segment.Source, "translation": translation, "patterns": patterns}
	var resp evaluateResponse
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Divergences, resp.Overall, nil
}

func translate(ctx context.Context, caller agent.Caller, segment domain.Segment, priorTranslation string, patterns []domain.SyntaxPattern, divergences []string, ablation config.AblationConfig) (string, []domain.Candidate, int, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "syntax:translate", Role: "professional legal translator", Domain: "legal",
			Specialty: "syntax-level revision", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Revise the translation to fix the listed syntax divergences without changing terminology choices already settled.",
		Background: "Only modals, connectives, conditionals, voice, and nominalization should change; term choices are out of scope for this step.",
		OutputFields: []agent.Field{
			{Name: "translated_text", Type: "string", Required: true},
			{Name: "confidence", Type: "float", Required: true},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{
		"source_text":       segment.Source,
		"prior_translation": priorTranslation,
		"patterns":          patterns,
		"divergences":       divergences,
	}

	n := 1
	if ablation.SelectionEnabled(config.LayerSyntax) {
		n = ablation.NumCandidates
	}
	temperature := 0.2
	if n > 1 {
		temperature = 0.7
	}
	outputs, err := agent.RunCandidates(ctx, caller, spec, input, n, temperature)
	if err != nil {
		return "", nil, 0, err
	}
	candidates := make([]domain.Candidate, len(outputs))
	for i, o := range outputs {
		candidates[i] = domain.Candidate{Text: o.TranslatedText, Rank: i}
	}
	if len(candidates) <= 1 {
		return candidates[0].Text, candidates, 0, nil
	}

	result := selector.Select(ctx, caller, segment.Source, candidates, config.LayerSyntax, divergenceContext(divergences))
	candidates[result.ChosenIndex].Rationale = result.Rationale
	return candidates[result.ChosenIndex].Text, candidates, result.ChosenIndex, nil
}

func divergenceContext(divergences []string) string {
	if len(divergences) == 0 {
		return ""
	}
	s := "divergences to fix:\n"
	for _, d := range divergences {
		s += "  - " + d + "\n"
	}
	return s
}
