// Package discourse implements the discourse layer (spec §4.8):
// DiscourseQuery -> DiscourseEvaluate -> DiscourseTranslate, retrieving TM
// references via internal/tm rather than the LLM-simulated fallback the
// original uses when its TM database is absent (see DESIGN.md). When the
// query returns no references above the similarity floor, the layer is a
// no-op: spec §8 requires this to be recorded as
// gated_reason = "no_references" rather than letting the translate step
// rewrite the translation with no TM grounding at all.
package discourse

import (
	"context"
	"log"

	"legalmt/internal/agent"
	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/errkind"
	"legalmt/internal/selector"
)

// TMSearcher is the subset of tm.Store this layer needs.
type TMSearcher interface {
	Search(ctx context.Context, query string, pair domain.LanguagePair, k int, alpha, simFloor float64) ([]domain.TMHit, error)
}

type evaluateResponse struct {
	Issues  []string `json:"issues"`
	Overall float64  `json:"overall"`
}

// Run executes the discourse layer on one segment, given the prior layer's
// translation. simFloor is the configured TM similarity floor (τ_tm,
// config.Config.TMSimilarityFloor) below which a TM hit is not considered
// a usable reference.
func Run(ctx context.Context, searcher TMSearcher, caller agent.Caller, segment domain.Segment, priorTranslation string, ablation config.AblationConfig, simFloor float64) domain.LayerOutput {
	out := domain.LayerOutput{Layer: config.LayerDiscourse}

	var references []domain.TMHit
	if ablation.UseTM && searcher != nil {
		hits, err := searcher.Search(ctx, segment.Source, segment.Pair, 5, 0.5, simFloor)
		if err != nil {
			log.Printf("discourse: DiscourseQuery failed for %s: %v", segment.ID, err)
			// empty references is a no-op per spec §4.8, not a layer failure
		} else {
			references = hits
		}
	}

	if len(references) == 0 {
		out.Translation = priorTranslation
		out.GatedReason = "no_references"
		out.Artifacts = references
		return out
	}

	issues, score, err := evaluate(ctx, caller, segment, priorTranslation, references)
	if err != nil {
		log.Printf("discourse: DiscourseEvaluate failed for %s: %v", segment.ID, err)
		score = 0
	}

	if ablation.GatingEnabled(config.LayerDiscourse) && score >= ablation.GatingThreshold(config.LayerDiscourse) {
		out.Translation = priorTranslation
		out.Confidence = score
		out.Gated = true
		out.GatedReason = "discourse evaluator score above gating threshold"
		out.Artifacts = references
		return out
	}

	translated, candidates, chosenIdx, err := translate(ctx, caller, segment, priorTranslation, references, issues, ablation)
	if err != nil {
		out.Err = &errkind.LayerFailure{Layer: config.LayerDiscourse, Err: err}
		out.Translation = priorTranslation
		out.Artifacts = references
		return out
	}

	out.Translation = translated
	out.Confidence = score
	out.Artifacts = references
	out.Candidates = candidates
	out.ChosenIndex = chosenIdx
	return out
}

func evaluate(ctx context.Context, caller agent.Caller, segment domain.Segment, translation string, references []domain.TMHit) ([]string, float64, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "discourse:evaluate", Role: "discourse-level legal translation reviewer", Domain: "legal",
			Specialty: "cross-document consistency against translation memory", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose: "Score the translation's consistency with the retrieved reference translations, and list specific discourse-level issues (register drift, inconsistent rendering of recurring clauses).",
		OutputFields: []agent.Field{
			{Name: "issues", Type: "array", Required: false},
			{Name: "overall", Type: "float", Required: true},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{"source_text": segment.Source, "translation": translation, "references": referenceTexts(references)}
	var resp evaluateResponse
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Issues, resp.Overall, nil
}

func translate(ctx context.Context, caller agent.Caller, segment domain.Segment, priorTranslation string, references []domain.TMHit, issues []string, ablation config.AblationConfig) (string, []domain.Candidate, int, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "discourse:translate", Role: "professional legal translator", Domain: "legal",
			Specialty: "discourse-level revision against translation memory", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Revise the translation to align with the retrieved references and resolve the listed discourse issues, without reopening settled terminology or syntax choices.",
		Background: "Only register, recurring-clause consistency, and cross-reference alignment should change here.",
		OutputFields: []agent.Field{
			{Name: "translated_text", Type: "string", Required: true},
			{Name: "confidence", Type: "float", Required: true},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{
		"source_text":       segment.Source,
		"prior_translation": priorTranslation,
		"references":        referenceTexts(references),
		"issues":            issues,
	}

	n := 1
	if ablation.SelectionEnabled(config.LayerDiscourse) {
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

	result := selector.Select(ctx, caller, segment.Source, candidates, config.LayerDiscourse, referenceContext(references))
	candidates[result.ChosenIndex].Rationale = result.Rationale
	return candidates[result.ChosenIndex].Text, candidates, result.ChosenIndex, nil
}

func referenceTexts(references []domain.TMHit) []string {
	out := make([]string, len(references))
	for i, r := range references {
		out[i] = r.Entry.SourceText + " => " + r.Entry.TargetText
	}
	return out
}

func referenceContext(references []domain.TMHit) string {
	if len(references) == 0 {
		return ""
	}
	s := "translation memory references:\n"
	for _, r := range references {
		s += "  " + r.Entry.SourceText + " -> " + r.Entry.TargetText + "\n"
	}
	return s
}
