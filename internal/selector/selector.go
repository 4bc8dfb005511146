// Package selector implements the candidate selector (spec §4.9): a
// single LLM-judge call that picks the best of N generated candidates.
// Grounded on original_source's llm_selector_agent.py: N=1 short-circuits
// without any LLM call, a 1-indexed best_candidate in the model's JSON
// reply maps to a 0-indexed ChosenIndex, and any failure falls back to
// candidate 0 with confidence 0.5.
package selector

import (
	"context"
	"fmt"
	"strings"

	"legalmt/internal/agent"
	"legalmt/internal/domain"
)

// Result is the selector's verdict.
type Result struct {
	ChosenIndex int
	Confidence  float64
	Rationale   string
	ScorePer    []float64 // one score per candidate, synthesized if the model omits detail
}

type candidateAnalysis struct {
	Index     int     `json:"index"`
	Score     float64 `json:"score"`
	Strengths string  `json:"strengths"`
	Weaknesses string `json:"weaknesses"`
}

type selectorResponse struct {
	BestCandidate      int                  `json:"best_candidate"` // 1-indexed
	Confidence         float64              `json:"confidence"`
	Reasoning          string               `json:"reasoning"`
	CandidateAnalysis  []candidateAnalysis  `json:"candidate_analysis"`
}

// Select picks the best candidate for a layer. layerType names the stage
// ("terminology" | "syntax" | "discourse") so the judge prompt can weight
// its criteria accordingly, mirroring the original's layer_type-specific
// context string.
func Select(ctx context.Context, caller agent.Caller, source string, candidates []domain.Candidate, layerType, contextInfo string) Result {
	if len(candidates) <= 1 {
		return Result{ChosenIndex: 0, Confidence: 1.0, Rationale: "single_candidate"}
	}

	spec := promptSpec(layerType)
	input := map[string]any{
		"source_text": source,
		"candidates":  candidateTexts(candidates),
		"context":     contextInfo,
		"layer_type":  layerType,
	}

	var resp selectorResponse
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return Result{ChosenIndex: 0, Confidence: 0.5, Rationale: fmt.Sprintf("selector_failed: %v", err)}
	}

	idx := resp.BestCandidate - 1
	if idx < 0 || idx >= len(candidates) {
		idx = 0
	}
	scores := synthesizeScores(resp, len(candidates))
	return Result{
		ChosenIndex: idx,
		Confidence:  resp.Confidence,
		Rationale:   resp.Reasoning,
		ScorePer:    scores,
	}
}

func candidateTexts(candidates []domain.Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Text
	}
	return out
}

// synthesizeScores fills in a full per-candidate score array even when the
// model's candidate_analysis is partial or absent, matching the original's
// behavior of always returning an all_scores array of full length.
func synthesizeScores(resp selectorResponse, n int) []float64 {
	scores := make([]float64, n)
	for _, a := range resp.CandidateAnalysis {
		idx := a.Index - 1
		if idx >= 0 && idx < n {
			scores[idx] = a.Score
		}
	}
	chosen := resp.BestCandidate - 1
	if chosen >= 0 && chosen < n && scores[chosen] == 0 {
		scores[chosen] = resp.Confidence
	}
	return scores
}

func promptSpec(layerType string) agent.PromptSpec {
	return agent.PromptSpec{
		Identity: agent.Identity{
			Name:      "selector:" + layerType,
			Role:      "senior legal translation reviewer",
			Domain:    "legal",
			Specialty: "comparative judgment of candidate translations",
		},
		Purpose: "Choose the single best candidate translation among the ones provided, for the " + layerType + " stage of a multi-layer legal translation pipeline.",
		Background: strings.TrimSpace(`
Each candidate is a complete translation attempt of the same source text.
Judge them against the stage's goal: ` + stageGoal(layerType) + `
Prefer faithful, precise, and minimally-modified candidates over stylistically
inventive ones; free paraphrasing that is not required to fix a concrete
issue should be penalized.`),
		OutputFields: []agent.Field{
			{Name: "best_candidate", Type: "integer", Required: true, Description: "1-indexed position of the best candidate"},
			{Name: "confidence", Type: "float", Required: true, Description: "confidence in [0,1] that this is the best candidate"},
			{Name: "reasoning", Type: "string", Required: true, Description: "brief rationale for the choice"},
			{Name: "candidate_analysis", Type: "array", Required: false, Description: "per-candidate {index, score, strengths, weaknesses}"},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
}

func stageGoal(layerType string) string {
	switch layerType {
	case "terminology":
		return "correct and consistent use of the term table's constrained forms."
	case "syntax":
		return "faithful rendering of modals, conditionals, connectives, and voice."
	case "discourse":
		return "alignment with retrieved translation-memory references without unnecessary rewriting."
	default:
		return "overall translation quality."
	}
}
