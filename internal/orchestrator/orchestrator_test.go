package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"legalmt/internal/config"
	"legalmt/internal/domain"
	"legalmt/internal/llm"
)

// stubCaller answers every agent call with a fixed translated_text/
// confidence/score, regardless of which agent asked — enough to drive the
// orchestrator through its full state sequence without a real LLM.
type stubCaller struct{}

func (stubCaller) CompleteJSON(_ context.Context, _ string, _ []llm.Message, _ float64, _ int, out any) error {
	generic := map[string]any{
		"terms":           []any{},
		"patterns":        []any{},
		"evaluations":     []any{},
		"translated_text": "translated",
		"confidence":      0.4,
		"overall":         0.4,
		"issues":          []any{},
		"divergences":     []any{},
	}
	raw, _ := json.Marshal(generic)
	return json.Unmarshal(raw, out)
}

func TestPipeline_NoLayersEnabled_RunsDirectLLMTranslation(t *testing.T) {
	p := &Pipeline{Caller: stubCaller{}}
	segment := domain.Segment{ID: "s1", Source: "original text", Pair: domain.LanguagePair{Source: "zh", Target: "en"}}
	ablation := config.AblationConfig{Name: "baseline"}

	trace := p.Translate(context.Background(), segment, ablation)

	if len(trace.Entries) != 0 {
		t.Fatalf("got %d trace entries, want 0 for the baseline ablation (no layer entries, per spec)", len(trace.Entries))
	}
	if trace.FinalTranslation != "translated" {
		t.Fatalf("got %q, want the stub's direct-LLM translation, not the untranslated source", trace.FinalTranslation)
	}
}

func TestPipeline_EntriesOnlyForEnabledLayersInOrder(t *testing.T) {
	p := &Pipeline{Caller: stubCaller{}}
	segment := domain.Segment{ID: "s1", Source: "original text", Pair: domain.LanguagePair{Source: "zh", Target: "en"}}
	ablation := config.AblationConfig{
		Name:          "terminology_syntax",
		EnabledLayers: []string{config.LayerTerminology, config.LayerSyntax},
		NumCandidates: 1,
	}

	trace := p.Translate(context.Background(), segment, ablation)

	if len(trace.Entries) != 2 {
		t.Fatalf("got %d trace entries, want 2", len(trace.Entries))
	}
	if trace.Entries[0].Layer != config.LayerTerminology || trace.Entries[1].Layer != config.LayerSyntax {
		t.Fatalf("got layer order %q, %q; want terminology, syntax", trace.Entries[0].Layer, trace.Entries[1].Layer)
	}
}
