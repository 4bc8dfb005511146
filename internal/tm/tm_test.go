package tm

import (
	"testing"

	"legalmt/internal/domain"
)

func TestTokenize_SplitsCJKCharByChar(t *testing.T) {
	got := tokenize("不可抗力 force majeure")
	want := []string{"不", "可", "抗", "力", "force", "majeure"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTokenize_LowercasesLatinRuns(t *testing.T) {
	got := tokenize("Force Majeure")
	if len(got) != 2 || got[0] != "force" || got[1] != "majeure" {
		t.Fatalf("got %v", got)
	}
}

func TestDedupKey_SameQuadrupleSameKey(t *testing.T) {
	e1 := domain.TMEntry{SourceText: "a", TargetText: "b", Pair: domain.LanguagePair{Source: "zh", Target: "en"}}
	e2 := e1
	if dedupKey(e1) != dedupKey(e2) {
		t.Fatal("expected identical keys for identical (lang, lang, source, target) tuples")
	}
	e2.TargetText = "different"
	if dedupKey(e1) == dedupKey(e2) {
		t.Fatal("expected different keys for different target text")
	}
}

func TestBM25Scores_ExactMatchScoresHigherThanNoOverlap(t *testing.T) {
	rows := []row{
		{entry: domain.TMEntry{SourceText: "force majeure clause", LexicalTokens: []string{"force", "majeure", "clause"}}},
		{entry: domain.TMEntry{SourceText: "unrelated text here", LexicalTokens: []string{"unrelated", "text", "here"}}},
	}
	scores := bm25Scores([]string{"force", "majeure"}, rows)
	if scores[0] <= scores[1] {
		t.Fatalf("got scores %v, want row 0 (overlapping) to score higher than row 1", scores)
	}
}

func TestNormalize01_Clamps(t *testing.T) {
	if normalize01(-0.5) != 0 {
		t.Fatal("expected negative values clamped to 0")
	}
	if normalize01(1.5) != 1 {
		t.Fatal("expected values above 1 clamped to 1")
	}
	if normalize01(0.5) != 0.5 {
		t.Fatal("expected mid-range values unchanged")
	}
}
