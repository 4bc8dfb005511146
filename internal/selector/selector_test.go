package selector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"legalmt/internal/domain"
	"legalmt/internal/llm"
)

type fakeCaller struct {
	response string
	err      error
}

func (f *fakeCaller) CompleteJSON(_ context.Context, _ string, _ []llm.Message, _ float64, _ int, out any) error {
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.response), out)
}

func TestSelect_SingleCandidateShortCircuits(t *testing.T) {
	caller := &fakeCaller{err: errors.New("should never be called")}
	candidates := []domain.Candidate{{Text: "only", Rank: 0}}
	result := Select(context.Background(), caller, "source", candidates, "terminology", "")
	if result.Rationale != "single_candidate" {
		t.Fatalf("got rationale %q, want single_candidate", result.Rationale)
	}
	if result.ChosenIndex != 0 || result.Confidence != 1.0 {
		t.Fatalf("got %+v", result)
	}
}

func TestSelect_MapsOneIndexedToZeroIndexed(t *testing.T) {
	caller := &fakeCaller{response: `{"best_candidate":2,"confidence":0.9,"reasoning":"second is best"}`}
	candidates := []domain.Candidate{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	result := Select(context.Background(), caller, "source", candidates, "syntax", "")
	if result.ChosenIndex != 1 {
		t.Fatalf("got ChosenIndex=%d, want 1", result.ChosenIndex)
	}
	if result.Confidence != 0.9 || result.Rationale != "second is best" {
		t.Fatalf("got %+v", result)
	}
}

func TestSelect_OutOfRangeBestCandidateClampsToZero(t *testing.T) {
	caller := &fakeCaller{response: `{"best_candidate":99,"confidence":0.5,"reasoning":"bad index"}`}
	candidates := []domain.Candidate{{Text: "a"}, {Text: "b"}}
	result := Select(context.Background(), caller, "source", candidates, "discourse", "")
	if result.ChosenIndex != 0 {
		t.Fatalf("got ChosenIndex=%d, want 0 on out-of-range clamp", result.ChosenIndex)
	}
}

func TestSelect_FailureFallsBackToCandidateZero(t *testing.T) {
	caller := &fakeCaller{err: errors.New("selector unavailable")}
	candidates := []domain.Candidate{{Text: "a"}, {Text: "b"}}
	result := Select(context.Background(), caller, "source", candidates, "terminology", "")
	if result.ChosenIndex != 0 || result.Confidence != 0.5 {
		t.Fatalf("got %+v, want fallback {0, 0.5}", result)
	}
}

func TestSynthesizeScores_FillsChosenWhenAnalysisAbsent(t *testing.T) {
	resp := selectorResponse{BestCandidate: 2, Confidence: 0.8}
	scores := synthesizeScores(resp, 3)
	if len(scores) != 3 {
		t.Fatalf("got %d scores, want 3", len(scores))
	}
	if scores[1] != 0.8 {
		t.Fatalf("got scores[1]=%v, want 0.8 (chosen candidate's confidence)", scores[1])
	}
}
