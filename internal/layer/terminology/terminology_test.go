package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/llm"
)

// scriptedCaller returns one canned response per call, in order, cycling
// back to the last entry once exhausted. A non-nil errs entry at the same
// index makes that call fail.
type scriptedCaller struct {
	responses []map[string]any
	errs      []error
	calls     int
}

func (s *scriptedCaller) CompleteJSON(_ context.Context, _ string, _ []llm.Message, _ float64, _ int, out any) error {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return s.errs[i]
	}
	raw, _ := json.Marshal(s.responses[i])
	return json.Unmarshal(raw, out)
}

type fakeLookuper struct {
	hits map[string][]domain.TermLookupHit
}

func (f *fakeLookuper) Lookup(_ context.Context, sourceForm string, _ domain.LanguagePair, _ int) ([]domain.TermLookupHit, error) {
	return f.hits[sourceForm], nil
}

func pair() domain.LanguagePair { return domain.LanguagePair{Source: "zh", Target: "en"} }

func TestRun_MonoExtractFailure_ProceedsWithEmptyTermTable(t *testing.T) {
	// MonoExtract fails, so the term table stays empty and scoreTermTable
	// short-circuits without a call; the only other real call is Translate.
	caller := &scriptedCaller{
		errs:      []error{errors.New("upstream down"), nil},
		responses: []map[string]any{{}, {"translated_text": "out", "confidence": 0.3}},
	}
	segment := domain.Segment{ID: "s1", Source: "src", Pair: pair()}
	ablation := config.AblationConfig{UseTermbase: true}

	out := Run(context.Background(), caller, &fakeLookuper{}, segment, ablation)

	if out.Err != nil {
		t.Fatalf("expected no layer error, got %v", out.Err)
	}
	if out.Artifacts != nil {
		if table, ok := out.Artifacts.([]TermTableEntry); ok && len(table) != 0 {
			t.Fatalf("expected empty term table after MonoExtract failure, got %v", table)
		}
	}
}

func TestRun_EvaluateFailure_ScoreZeroForcesReTranslation(t *testing.T) {
	caller := &scriptedCaller{
		errs: []error{nil, errors.New("evaluate down"), nil, nil},
		responses: []map[string]any{
			{"terms": []map[string]any{{"term": "不可抗力", "span": "", "importance": 0.9}}},
			{},
			{"overall": 0, "issues": []any{}},
			{"translated_text": "force majeure applies", "confidence": 0.5},
		},
	}
	lookuper := &fakeLookuper{hits: map[string][]domain.TermLookupHit{
		"不可抗力": {{Entry: domain.TermEntry{TargetForm: "force majeure"}, Similarity: 0.95, Source: "db-exact"}},
	}}
	segment := domain.Segment{ID: "s1", Source: "不可抗力条款", Pair: pair()}
	ablation := config.AblationConfig{UseTermbase: true, GatingEnabledLayers: []string{config.LayerTerminology}}

	out := Run(context.Background(), caller, lookuper, segment, ablation)

	if out.Confidence != 0 {
		t.Fatalf("got confidence %v, want 0 after Evaluate failure", out.Confidence)
	}
	if out.Gated {
		t.Fatal("score of 0 must never gate, even with gating enabled")
	}
}

func TestRun_TranslateFailure_ReturnsLayerFailure(t *testing.T) {
	// UseTermbase is false, so lookupTerms/evaluateTerms/scoreTermTable's
	// agent call are all skipped (empty term table short-circuits the
	// score to 0 with no call) — the only two real calls are MonoExtract
	// then Translate.
	caller := &scriptedCaller{
		errs: []error{nil, errors.New("translate down")},
		responses: []map[string]any{
			{"terms": []any{}},
			{},
		},
	}
	segment := domain.Segment{ID: "s1", Source: "src", Pair: pair()}
	ablation := config.AblationConfig{}

	out := Run(context.Background(), caller, &fakeLookuper{}, segment, ablation)

	if out.Err == nil {
		t.Fatal("expected a LayerFailure when Translate fails")
	}
	if out.Translation != segment.Source {
		t.Fatalf("got translation %q, want source text preserved on failure", out.Translation)
	}
}

func TestRun_GatingAboveThresholdSkipsTranslate(t *testing.T) {
	caller := &scriptedCaller{
		responses: []map[string]any{
			{"terms": []map[string]any{{"term": "不可抗力", "span": "", "importance": 0.9}}},
			{"evaluations": []map[string]any{{"term": "不可抗力", "translation": "force majeure", "confidence": 0.95, "is_valid": true}}, "overall": 0.95},
			{"overall": 0.95, "issues": []any{}},
		},
	}
	lookuper := &fakeLookuper{hits: map[string][]domain.TermLookupHit{
		"不可抗力": {{Entry: domain.TermEntry{TargetForm: "force majeure"}, Similarity: 0.95, Source: "db-exact"}},
	}}
	segment := domain.Segment{ID: "s1", Source: "不可抗力条款", Pair: pair()}
	ablation := config.AblationConfig{
		UseTermbase:         true,
		GatingEnabledLayers: []string{config.LayerTerminology},
		GatingThresholds:    map[string]float64{config.LayerTerminology: 0.9},
	}

	out := Run(context.Background(), caller, lookuper, segment, ablation)

	if !out.Gated {
		t.Fatal("expected layer to gate when score is above threshold and gating enabled")
	}
	if out.Translation != segment.Source {
		t.Fatalf("got %q, want source text carried forward when gated", out.Translation)
	}
	if caller.calls != 3 {
		t.Fatalf("got %d calls, want exactly 3 (extract, evaluate, score) with Translate skipped", caller.calls)
	}
}

func TestFilterLowConfidenceTerms_DistinctFromLayerGate(t *testing.T) {
	table := []TermTableEntry{
		{Source: "a", Confidence: 0.95},
		{Source: "b", Confidence: 0.4},
	}
	kept := filterLowConfidenceTerms(table, 0.9)
	if len(kept) != 1 || kept[0].Source != "a" {
		t.Fatalf("got %+v, want only the high-confidence term kept", kept)
	}
}

func TestRun_SingleCandidateSkipsSelector(t *testing.T) {
	// No terms are extracted, so the empty term table skips lookup,
	// evaluation and scoring: the only calls are MonoExtract then Translate.
	caller := &scriptedCaller{
		responses: []map[string]any{
			{"terms": []any{}},
			{"translated_text": "translated once", "confidence": 0.6},
		},
	}
	segment := domain.Segment{ID: "s1", Source: "src", Pair: pair()}
	ablation := config.AblationConfig{NumCandidates: 1}

	out := Run(context.Background(), caller, &fakeLookuper{}, segment, ablation)

	if out.Translation != "translated once" {
		t.Fatalf("got %q, want translated once", out.Translation)
	}
	if len(out.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out.Candidates))
	}
}
