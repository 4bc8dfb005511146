package preprocess

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"legalmt/internal/domain"
	"legalmt/internal/llm"
)

// keyedCaller answers deterministically by agent name and prompt content
// rather than call order, so it is safe to share across extractBatch's
// and translateUnknown's concurrent goroutines without synchronizing
// call order.
type keyedCaller struct {
	failOnSubstr string
	failTimes    int
	translations map[string]string
	mu           sync.Mutex
	calls        int
	failed       int
}

func (k *keyedCaller) CompleteJSON(_ context.Context, agentName string, messages []llm.Message, _ float64, _ int, out any) error {
	k.mu.Lock()
	k.calls++
	k.mu.Unlock()

	if k.failOnSubstr != "" && len(messages) > 0 && strings.Contains(messages[0].Content, k.failOnSubstr) {
		k.mu.Lock()
		shouldFail := k.failed < k.failTimes
		k.failed++
		k.mu.Unlock()
		if shouldFail {
			return errors.New("backend unavailable")
		}
	}

	var generic map[string]any
	switch agentName {
	case "preprocess:extract":
		generic = map[string]any{"terms": []map[string]any{{"term": "不可抗力"}}}
	case "preprocess:translate_terms":
		translations := k.translations
		if translations == nil {
			translations = map[string]string{"不可抗力": "force majeure"}
		}
		generic = map[string]any{"translations": translations}
	default:
		generic = map[string]any{}
	}
	raw, _ := json.Marshal(generic)
	return json.Unmarshal(raw, out)
}

type fakeTermStore struct {
	known map[string]bool
	mu    sync.Mutex
	fed   []domain.TermEntry
}

func (f *fakeTermStore) Lookup(_ context.Context, sourceForm string, _ domain.LanguagePair, _ int) ([]domain.TermLookupHit, error) {
	if f.known[sourceForm] {
		return []domain.TermLookupHit{{Entry: domain.TermEntry{SourceForm: sourceForm}, Source: "db-exact"}}, nil
	}
	return nil, nil
}

func (f *fakeTermStore) Ingest(_ context.Context, entries []domain.TermEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fed = append(f.fed, entries...)
	return nil
}

type fakeTMStore struct {
	mu       sync.Mutex
	inserted int
}

func (f *fakeTMStore) Insert(_ context.Context, _, _ string, _ domain.LanguagePair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted++
	return nil
}

func pair() domain.LanguagePair { return domain.LanguagePair{Source: "zh", Target: "en"} }

func segments(n int, withRef bool) []domain.Segment {
	out := make([]domain.Segment, n)
	for i := range out {
		ref := ""
		if withRef {
			ref = "reference text"
		}
		out[i] = domain.Segment{ID: "s", Source: "不可抗力条款", Reference: ref, Pair: pair()}
	}
	return out
}

func terms(sourceForms ...string) []extractedTerm {
	out := make([]extractedTerm, len(sourceForms))
	for i, s := range sourceForms {
		out[i] = extractedTerm{Term: s, Context: "context for " + s}
	}
	return out
}

func groupOf(sourceForms ...string) []termGroup {
	return dedupe(terms(sourceForms...))
}

func TestDedupe_MergesByNormalizedFormAndSumsOccurrences(t *testing.T) {
	got := dedupe([]extractedTerm{
		{Term: "Force Majeure", Context: "c1"},
		{Term: " force  majeure ", Context: "c2"},
		{Term: "", Context: "c3"},
		{Term: "estoppel", Context: "c4"},
	})
	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2 (empty term dropped, case/whitespace variants merged)", len(got))
	}
	if got[0].SourceForm != "Force Majeure" {
		t.Fatalf("got SourceForm=%q, want the first-seen casing preserved", got[0].SourceForm)
	}
	if got[0].Count != 2 {
		t.Fatalf("got Count=%d, want 2 (one occurrence per merged variant)", got[0].Count)
	}
}

func TestDedupe_CapsContextsAtTwoPreferringLongest(t *testing.T) {
	got := dedupe([]extractedTerm{
		{Term: "estoppel", Context: "short"},
		{Term: "estoppel", Context: "a much longer context sentence"},
		{Term: "estoppel", Context: "medium length context"},
	})
	if len(got) != 1 {
		t.Fatalf("got %d groups, want 1", len(got))
	}
	if len(got[0].Contexts) != 2 {
		t.Fatalf("got %d contexts, want 2 (capped)", len(got[0].Contexts))
	}
	if got[0].Contexts[0] != "a much longer context sentence" {
		t.Fatalf("got first context %q, want the longest retained first", got[0].Contexts[0])
	}
}

func TestSplitKnown_OnlyExactDBHitsCountAsKnown(t *testing.T) {
	store := &fakeTermStore{known: map[string]bool{"known_term": true}}
	known, unknown := splitKnown(context.Background(), store, groupOf("known_term", "unknown_term"), pair())
	if len(known) != 1 || known[0].SourceForm != "known_term" {
		t.Fatalf("got known=%v, want [known_term]", known)
	}
	if len(unknown) != 1 || unknown[0].SourceForm != "unknown_term" {
		t.Fatalf("got unknown=%v, want [unknown_term]", unknown)
	}
}

func TestExtractBatch_SingleFailureDoesNotAbortOthers(t *testing.T) {
	caller := &keyedCaller{failOnSubstr: "POISON_MARKER", failTimes: 1}
	segs := []domain.Segment{
		{ID: "ok1", Source: "不可抗力条款", Pair: pair()},
		{ID: "bad", Source: "POISON_MARKER", Pair: pair()},
		{ID: "ok2", Source: "不可抗力适用", Pair: pair()},
	}

	found, errCount := extractBatch(context.Background(), caller, segs, 2)

	if errCount != 1 {
		t.Fatalf("got %d extraction errors, want 1", errCount)
	}
	if len(found) != 2 {
		t.Fatalf("got %d terms, want 2 (one per successful segment)", len(found))
	}
}

func TestExtractOne_CarriesSegmentSourceAsContext(t *testing.T) {
	caller := &keyedCaller{}
	segment := domain.Segment{ID: "s1", Source: "不可抗力条款适用", Pair: pair()}

	found, err := extractOne(context.Background(), caller, segment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].Context != segment.Source {
		t.Fatalf("got %+v, want context to carry the segment source text", found)
	}
}

func TestTranslateUnknown_BatchesUpToBatchSize(t *testing.T) {
	caller := &keyedCaller{translations: map[string]string{"a": "A", "b": "B", "c": "C"}}
	groups := groupOf("a", "b", "c")

	entries, failed, err := translateUnknown(context.Background(), caller, groups, pair(), 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("got failed=%v, want none", failed)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// batch size 2 over 3 terms means 2 batches, hence 2 LLM calls.
	if caller.calls != 2 {
		t.Fatalf("got %d calls, want 2 batches for 3 terms at batch size 2", caller.calls)
	}
}

func TestTranslateUnknown_RetriesOnceThenMarksBatchFailed(t *testing.T) {
	caller := &keyedCaller{failOnSubstr: "poison_term", failTimes: 2}
	groups := groupOf("poison_term")

	entries, failed, err := translateUnknown(context.Background(), caller, groups, pair(), 20, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0 since the batch failed both attempts", len(entries))
	}
	if len(failed) != 1 || failed[0] != "poison_term" {
		t.Fatalf("got failed=%v, want [poison_term]", failed)
	}
	if caller.calls != 2 {
		t.Fatalf("got %d calls, want exactly 2 (one retry)", caller.calls)
	}
}

func TestTranslateUnknown_SucceedsOnRetryAfterOneFailure(t *testing.T) {
	caller := &keyedCaller{failOnSubstr: "flaky_term", failTimes: 1, translations: map[string]string{"flaky_term": "flaky translation"}}
	groups := groupOf("flaky_term")

	entries, failed, err := translateUnknown(context.Background(), caller, groups, pair(), 20, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("got failed=%v, want none since the retry succeeded", failed)
	}
	if len(entries) != 1 || entries[0].TargetForm != "flaky translation" {
		t.Fatalf("got entries=%+v, want one flaky_term -> flaky translation entry", entries)
	}
}

func TestTranslateUnknown_MissingTermInResponseIsMarkedFailed(t *testing.T) {
	caller := &keyedCaller{translations: map[string]string{"other": "other translation"}}
	groups := groupOf("missing_term")

	entries, failed, err := translateUnknown(context.Background(), caller, groups, pair(), 20, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}
	if len(failed) != 1 || failed[0] != "missing_term" {
		t.Fatalf("got failed=%v, want [missing_term]", failed)
	}
}

func TestRun_EndToEnd_KnownTermsSkipTranslation(t *testing.T) {
	caller := &keyedCaller{}
	termStore := &fakeTermStore{known: map[string]bool{"不可抗力": true}}
	tmStore := &fakeTMStore{}
	segs := segments(3, true)

	result, err := Run(context.Background(), caller, termStore, tmStore, segs, pair(), 2, 20, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SegmentsProcessed != 3 {
		t.Fatalf("got SegmentsProcessed=%d, want 3", result.SegmentsProcessed)
	}
	if result.TermsKnown != 1 {
		t.Fatalf("got TermsKnown=%d, want 1 (the single deduped term is already known)", result.TermsKnown)
	}
	if result.TermsTranslated != 0 {
		t.Fatalf("got TermsTranslated=%d, want 0 since the only extracted term was already known", result.TermsTranslated)
	}
	if len(result.TranslationFailed) != 0 {
		t.Fatalf("got TranslationFailed=%v, want none", result.TranslationFailed)
	}
	if tmStore.inserted != 3 {
		t.Fatalf("got %d TM inserts, want 3 (one per referenced segment)", tmStore.inserted)
	}
}

func TestRun_UnknownTermsAreTranslatedAndIngestedWithContext(t *testing.T) {
	caller := &keyedCaller{}
	termStore := &fakeTermStore{known: map[string]bool{}}
	tmStore := &fakeTMStore{}
	segs := segments(1, false)

	result, err := Run(context.Background(), caller, termStore, tmStore, segs, pair(), 1, 20, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TermsTranslated != 1 {
		t.Fatalf("got TermsTranslated=%d, want 1", result.TermsTranslated)
	}
	if len(termStore.fed) != 1 || termStore.fed[0].TargetForm != "force majeure" {
		t.Fatalf("got ingested entries %+v, want one force majeure entry", termStore.fed)
	}
	if len(termStore.fed[0].ExampleContexts) == 0 {
		t.Fatalf("got no example contexts on the ingested entry, want the segment source carried through")
	}
}
