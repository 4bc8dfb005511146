// Package terminology implements the terminology layer (spec §4.6):
// MonoExtract -> TermLookup -> Evaluate -> Translate, grounded on
// original_source's workflows/terminology.py.
package terminology

import (
	"context"
	"log"
	"sort"

	"legalmt/internal/agent"
	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/errkind"
	"legalmt/internal/selector"
)

// TermTableEntry is one row of the per-segment term table (spec §4.6
// step 2): a source term mapped to 0+ candidate target forms with
// provenance. A term with zero DB hits is marked "needs-translation".
type TermTableEntry struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"` // "db-exact" | "db-fuzzy" | "db-vector" | "llm" | "needs-translation"
	Context    string  `json:"context"`
}

// TermLookuper is the subset of termbase.Store this layer needs.
type TermLookuper interface {
	Lookup(ctx context.Context, sourceForm string, pair domain.LanguagePair, k int) ([]domain.TermLookupHit, error)
}

type extractedTerm struct {
	Term       string  `json:"term"`
	Span       string  `json:"span"`
	Importance float64 `json:"importance"`
}

type monoExtractResponse struct {
	Terms []extractedTerm `json:"terms"`
}

type evaluateEntry struct {
	Term       string  `json:"term"`
	Translation string `json:"translation"`
	Confidence  float64 `json:"confidence"`
	IsValid     bool    `json:"is_valid"`
}

type evaluateResponse struct {
	Evaluations []evaluateEntry `json:"evaluations"`
	Accuracy     float64        `json:"accuracy"`
	Consistency  float64        `json:"consistency"`
	Completeness float64        `json:"completeness"`
	Overall      float64        `json:"overall"`
	Issues       []string       `json:"issues"`
}

// Run executes the three-agent terminology workflow on one segment,
// conditioned on the ablation config's gating/selection/termbase settings.
func Run(ctx context.Context, caller agent.Caller, lookuper TermLookuper, segment domain.Segment, ablation config.AblationConfig) domain.LayerOutput {
	out := domain.LayerOutput{Layer: config.LayerTerminology}

	extracted, err := monoExtract(ctx, caller, segment)
	if err != nil {
		log.Printf("terminology: MonoExtract failed for %s: %v", segment.ID, err)
		extracted = nil // spec §4.6 failure semantics: proceed with an empty term table
	}

	var termTable []TermTableEntry
	evaluateFailed := false
	if ablation.UseTermbase && len(extracted) > 0 && lookuper != nil {
		termTable = lookupTerms(ctx, lookuper, extracted, segment.Pair)
		if len(termTable) > 0 {
			termTable, err = evaluateTerms(ctx, caller, segment, termTable)
			if err != nil {
				log.Printf("terminology: Evaluate failed for %s: %v", segment.ID, err)
				// spec §4.6: if Evaluate fails, proceed with score=0 (force re-translation).
				evaluateFailed = true
			}
		}
	}

	evalScore, issues := scoreTermTable(ctx, caller, segment, termTable)
	if evaluateFailed {
		evalScore = 0
	}

	if ablation.GatingEnabled(config.LayerTerminology) {
		termTable = filterLowConfidenceTerms(termTable, ablation.GatingThreshold(config.LayerTerminology))
		if evalScore >= ablation.GatingThreshold(config.LayerTerminology) {
			out.Translation = segment.Source
			out.Confidence = evalScore
			out.Gated = true
			out.Artifacts = termTable
			return out
		}
	}

	translated, candidates, chosenIdx, err := translate(ctx, caller, segment, termTable, issues, ablation)
	if err != nil {
		out.Err = &errkind.LayerFailure{Layer: config.LayerTerminology, Err: err}
		out.Translation = segment.Source
		out.Artifacts = termTable
		return out
	}

	out.Translation = translated
	out.Confidence = evalScore
	out.Artifacts = termTable
	out.Candidates = candidates
	out.ChosenIndex = chosenIdx
	return out
}

func monoExtract(ctx context.Context, caller agent.Caller, segment domain.Segment) ([]extractedTerm, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "terminology:mono_extract", Role: "legal terminology extractor", Domain: "legal",
			Specialty: "identifying salient source terms", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Identify legal-domain salient source terms in the text: proper nouns, specialized nominals, and modal/deontic anchors.",
		Background: "Only terms that matter for legal precision should be returned; common words are not terms.",
		OutputFields: []agent.Field{
			{Name: "terms", Type: "array", Required: true, Description: "list of {term, span, importance in [0,1]}"},
		},
		OutputFormat: "A single JSON object {\"terms\": [...] }.",
	}
	var resp monoExtractResponse
	if err := agent.Run(ctx, caller, spec, map[string]any{"text": segment.Source, "domain": "legal"}, 0.2, &resp); err != nil {
		return nil, err
	}
	return resp.Terms, nil
}

func lookupTerms(ctx context.Context, lookuper TermLookuper, extracted []extractedTerm, pair domain.LanguagePair) []TermTableEntry {
	var table []TermTableEntry
	for _, t := range extracted {
		hits, err := lookuper.Lookup(ctx, t.Term, pair, 3)
		if err != nil || len(hits) == 0 {
			table = append(table, TermTableEntry{Source: t.Term, Evidence: "needs-translation"})
			continue
		}
		best := hits[0]
		table = append(table, TermTableEntry{
			Source:     t.Term,
			Target:     best.Entry.TargetForm,
			Confidence: best.Similarity,
			Evidence:   best.Source,
		})
	}
	return table
}

func evaluateTerms(ctx context.Context, caller agent.Caller, segment domain.Segment, table []TermTableEntry) ([]TermTableEntry, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "terminology:evaluate", Role: "legal terminology reviewer", Domain: "legal",
			Specialty: "validating termbase candidate translations", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose: "Validate each candidate term translation against the source context; reject candidates that don't fit.",
		OutputFields: []agent.Field{
			{Name: "evaluations", Type: "array", Required: true, Description: "one {term, translation, confidence, is_valid} per candidate"},
			{Name: "accuracy", Type: "float", Required: true},
			{Name: "consistency", Type: "float", Required: true},
			{Name: "completeness", Type: "float", Required: true},
			{Name: "overall", Type: "float", Required: true},
			{Name: "issues", Type: "array", Required: false},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{
		"source_text": segment.Source,
		"candidates":  table,
	}
	var resp evaluateResponse
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return table, err
	}
	if len(resp.Evaluations) == 0 {
		return table, nil
	}
	evidence := make(map[string]string, len(table))
	for _, t := range table {
		evidence[t.Source] = t.Evidence
	}
	var valid []TermTableEntry
	for _, e := range resp.Evaluations {
		if !e.IsValid {
			continue
		}
		ev := evidence[e.Term]
		if ev == "" || ev == "needs-translation" {
			ev = "llm"
		}
		valid = append(valid, TermTableEntry{Source: e.Term, Target: e.Translation, Confidence: e.Confidence, Evidence: ev})
	}
	return valid, nil
}

// scoreTermTable is a thin wrapper that re-derives the evaluate agent's
// overall score without re-running the full Evaluate call when the term
// table is empty (score=0 forces re-translation, spec §4.6 failure
// semantics), and otherwise asks the evaluator once more for the holistic
// {accuracy, consistency, completeness, overall, issues} signal the
// Translate step consumes.
func scoreTermTable(ctx context.Context, caller agent.Caller, segment domain.Segment, table []TermTableEntry) (float64, []string) {
	if len(table) == 0 {
		return 0, nil
	}
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "terminology:score", Role: "legal terminology reviewer", Domain: "legal",
			Specialty: "scoring term table quality", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose: "Score the overall quality of this term table against the source text: accuracy, consistency, completeness.",
		OutputFields: []agent.Field{
			{Name: "overall", Type: "float", Required: true},
			{Name: "issues", Type: "array", Required: false},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	var resp evaluateResponse
	if err := agent.Run(ctx, caller, spec, map[string]any{"source_text": segment.Source, "term_table": table}, 0.2, &resp); err != nil {
		return 0, nil
	}
	return resp.Overall, resp.Issues
}

// filterLowConfidenceTerms prunes individual low-confidence terms from the
// term table when terminology gating is enabled, distinct from the
// layer-level gated flag — see DESIGN.md Open Question 3.
func filterLowConfidenceTerms(table []TermTableEntry, threshold float64) []TermTableEntry {
	var kept []TermTableEntry
	for _, t := range table {
		if t.Confidence >= threshold {
			kept = append(kept, t)
		}
	}
	return kept
}

func translate(ctx context.Context, caller agent.Caller, segment domain.Segment, table []TermTableEntry, issues []string, ablation config.AblationConfig) (string, []domain.Candidate, int, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "terminology:translate", Role: "professional legal translator", Domain: "legal",
			Specialty: "term-constrained first-round translation", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:    "Produce a first-round translation that uses every constrained form in the term table where it applies.",
		Background: "Where the term table constrains a term, the translation must use the constrained form.",
		OutputFields: []agent.Field{
			{Name: "translated_text", Type: "string", Required: true},
			{Name: "confidence", Type: "float", Required: true},
		},
		OutputFormat: "A single JSON object with exactly these fields.",
	}
	input := map[string]any{
		"source_text": segment.Source,
		"term_table":  table,
		"issues":      issues,
	}

	n := 1
	if ablation.SelectionEnabled(config.LayerTerminology) {
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

	result := selector.Select(ctx, caller, segment.Source, candidates, config.LayerTerminology, previewContext(table))
	candidates[result.ChosenIndex].Rationale = result.Rationale
	return candidates[result.ChosenIndex].Text, candidates, result.ChosenIndex, nil
}

func previewContext(table []TermTableEntry) string {
	if len(table) == 0 {
		return ""
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Confidence > table[j].Confidence })
	n := len(table)
	if n > 10 {
		n = 10
	}
	preview := "term table:\n"
	for _, t := range table[:n] {
		preview += "  " + t.Source + " -> " + t.Target + "\n"
	}
	return preview
}
