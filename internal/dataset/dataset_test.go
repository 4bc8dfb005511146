package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"legalmt/internal/domain"
)

func TestLoad_ParsesRecordsAndAttachesLanguagePair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.json")
	content := `[
		{"id": "s1", "source": "不可抗力条款", "reference": "force majeure clause"},
		{"id": "s2", "source": "须经双方同意", "reference": ""}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pair := domain.LanguagePair{Source: "zh", Target: "en"}
	segments, err := Load(path, pair)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].ID != "s1" || segments[0].Reference != "force majeure clause" {
		t.Fatalf("got %+v, want s1 with its reference", segments[0])
	}
	if segments[1].Pair != pair {
		t.Fatalf("got pair %+v, want %+v attached to every segment", segments[1].Pair, pair)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), domain.LanguagePair{}); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoad_MalformedJSONReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, domain.LanguagePair{}); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
