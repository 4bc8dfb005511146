// Package preprocess implements the offline preprocessing pipeline (spec
// §4.11): batch term extraction over a corpus, dedup by normalized term
// form, DB lookup for already-known terms, batch translation of the
// unknown remainder, and ingestion of the results. A single failed
// extraction is logged and skipped rather than aborting the batch, so
// this is the one component in the repository that correctly reaches for
// golang.org/x/sync/errgroup (unlike the harness, whose per-segment
// LayerFailure must not cancel sibling segments).
package preprocess

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"legalmt/internal/agent"
	"legalmt/internal/domain"
)

// TermStore is the subset of termbase.Store this pipeline needs.
type TermStore interface {
	Lookup(ctx context.Context, sourceForm string, pair domain.LanguagePair, k int) ([]domain.TermLookupHit, error)
	Ingest(ctx context.Context, entries []domain.TermEntry) error
}

// TMStore is the subset of tm.Store this pipeline needs.
type TMStore interface {
	Insert(ctx context.Context, source, target string, pair domain.LanguagePair) error
}

type extractedTerm struct {
	Term    string `json:"term"`
	Context string `json:"-"`
}

type extractResponse struct {
	Terms []extractedTerm `json:"terms"`
}

// termGroup is one deduped term after extraction: occurrences summed
// across the corpus, contexts capped at 2 (spec §4.11 step 2), preferring
// the longest source-text length as the informativeness proxy.
type termGroup struct {
	SourceForm string
	Count      int
	Contexts   []string
}

type translateBatchResponse struct {
	Translations map[string]string `json:"translations"`
}

// Result summarizes one run over a corpus: SegmentsProcessed is the total
// segment count, TermsExtracted the unique terms after dedup, TermsKnown
// the termbase hits, TermsTranslated the new translations, and
// ExtractionErrors the failed extractions, plus the source forms whose
// batch translation failed. Ingest errors are not counted: a termbase
// Ingest error aborts Run, and a TM Insert error is only logged.
type Result struct {
	SegmentsProcessed int
	TermsExtracted    int
	TermsKnown        int
	TermsTranslated   int
	ExtractionErrors  int
	TranslationFailed []string
}

// Run executes the pipeline over segments: extract -> dedup -> lookup ->
// translate-unknown -> ingest (terms into termStore, aligned pairs into
// tmStore). extractConcurrency bounds the batch-extraction fan-out (spec
// §4.11 step 1); batchSize and batchConcurrency bound step 4's batch
// translation (default 20 terms/batch, 5 batches in flight).
func Run(ctx context.Context, caller agent.Caller, termStore TermStore, tmStore TMStore, segments []domain.Segment, pair domain.LanguagePair, extractConcurrency, batchSize, batchConcurrency int) (Result, error) {
	extracted, errCount := extractBatch(ctx, caller, segments, extractConcurrency)

	unique := dedupe(extracted)

	known, unknown := splitKnown(ctx, termStore, unique, pair)

	translated, failed, err := translateUnknown(ctx, caller, unknown, pair, batchSize, batchConcurrency)
	if err != nil {
		return Result{}, err
	}

	if len(translated) > 0 {
		if err := termStore.Ingest(ctx, translated); err != nil {
			return Result{}, err
		}
	}

	for _, seg := range segments {
		if seg.Reference == "" {
			continue
		}
		if err := tmStore.Insert(ctx, seg.Source, seg.Reference, pair); err != nil {
			log.Printf("preprocess: tm insert failed for %s: %v", seg.ID, err)
		}
	}

	return Result{
		SegmentsProcessed: len(segments),
		TermsExtracted:    len(unique),
		TermsKnown:        len(known),
		TermsTranslated:   len(translated),
		ExtractionErrors:  errCount,
		TranslationFailed: failed,
	}, nil
}

func extractBatch(ctx context.Context, caller agent.Caller, segments []domain.Segment, concurrency int) ([]extractedTerm, int) {
	if concurrency < 1 {
		concurrency = 1
	}
	var mu sync.Mutex
	var terms []extractedTerm
	var errCount int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, seg := range segments {
		seg := seg
		g.Go(func() error {
			found, err := extractOne(gctx, caller, seg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("preprocess: extract failed for %s: %v", seg.ID, err)
				errCount++
				return nil // a single failed extraction is skipped, never cancels siblings
			}
			terms = append(terms, found...)
			return nil
		})
	}
	_ = g.Wait() // extractOne never returns a non-nil error to g.Go; this never aborts the batch

	return terms, errCount
}

func extractOne(ctx context.Context, caller agent.Caller, segment domain.Segment) ([]extractedTerm, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "preprocess:extract", Role: "legal terminology extractor", Domain: "legal",
			Specialty: "corpus-wide term mining", SourceLang: segment.Pair.Source, TargetLang: segment.Pair.Target,
		},
		Purpose:      "Identify legal-domain salient source terms in this segment.",
		OutputFields: []agent.Field{{Name: "terms", Type: "array", Required: true, Description: "list of {term}"}},
		OutputFormat: "A single JSON object {\"terms\": [...] }.",
	}
	var resp extractResponse
	if err := agent.Run(ctx, caller, spec, map[string]any{"text": segment.Source}, 0.2, &resp); err != nil {
		return nil, err
	}
	out := make([]extractedTerm, 0, len(resp.Terms))
	for _, t := range resp.Terms {
		if t.Term == "" {
			continue
		}
		out = append(out, extractedTerm{Term: t.Term, Context: segment.Source})
	}
	return out, nil
}

// dedupe merges extracted (term, context) pairs by normalized source
// form: case-folded, whitespace-collapsed. Occurrence counts sum across
// the merged group; contexts are unioned and capped at 2, preferring the
// longest source text as the informativeness proxy (spec §4.11 step 2),
// the same rule internal/termbase's ingest path applies.
func dedupe(terms []extractedTerm) []termGroup {
	order := make([]string, 0, len(terms))
	groups := make(map[string]*termGroup, len(terms))
	for _, t := range terms {
		if t.Term == "" {
			continue
		}
		key := normalizeTerm(t.Term)
		g, ok := groups[key]
		if !ok {
			g = &termGroup{SourceForm: t.Term}
			groups[key] = g
			order = append(order, key)
		}
		g.Count++
		if t.Context != "" {
			g.Contexts = mergeContexts(g.Contexts, []string{t.Context})
		}
	}
	out := make([]termGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out
}

func normalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// mergeContexts unions two context lists, keeping at most 2, preferring
// the longest source-text length as a proxy for informativeness (spec
// §4.11 step 2's rule; mirrors internal/termbase's ingest-path helper of
// the same name, duplicated here since it is unexported there).
func mergeContexts(existing, incoming []string) []string {
	seen := make(map[string]bool)
	var all []string
	for _, c := range append(append([]string{}, existing...), incoming...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		all = append(all, c)
	}
	sort.SliceStable(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })
	if len(all) > 2 {
		all = all[:2]
	}
	return all
}

func splitKnown(ctx context.Context, termStore TermStore, groups []termGroup, pair domain.LanguagePair) (known, unknown []termGroup) {
	for _, g := range groups {
		hits, err := termStore.Lookup(ctx, g.SourceForm, pair, 1)
		if err == nil && len(hits) > 0 && hits[0].Source == "db-exact" {
			known = append(known, g)
			continue
		}
		unknown = append(unknown, g)
	}
	return known, unknown
}

// translateUnknown implements spec §4.11 step 4: terms are grouped into
// batches of up to batchSize, each batch issued as a single LLM call
// returning a term -> target JSON map with per-term contexts supplied,
// batches dispatched concurrently under batchConcurrency. A batch that
// fails is retried once; if the retry also fails, every term in that
// batch is recorded as "translation_failed" rather than raising.
func translateUnknown(ctx context.Context, caller agent.Caller, groups []termGroup, pair domain.LanguagePair, batchSize, batchConcurrency int) ([]domain.TermEntry, []string, error) {
	if len(groups) == 0 {
		return nil, nil, nil
	}
	if batchSize < 1 {
		batchSize = 20
	}
	if batchConcurrency < 1 {
		batchConcurrency = 1
	}

	batches := chunkGroups(groups, batchSize)

	var mu sync.Mutex
	var entries []domain.TermEntry
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			translations, err := translateBatch(gctx, caller, batch, pair)
			if err != nil {
				log.Printf("preprocess: batch translation failed, retrying once: %v", err)
				translations, err = translateBatch(gctx, caller, batch, pair)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("preprocess: batch translation failed after retry: %v", err)
				for _, t := range batch {
					failed = append(failed, t.SourceForm)
				}
				return nil // a failed batch is recorded, never cancels siblings
			}
			for _, t := range batch {
				target, ok := translations[t.SourceForm]
				if !ok || target == "" {
					failed = append(failed, t.SourceForm)
					continue
				}
				entries = append(entries, domain.TermEntry{
					SourceForm:      t.SourceForm,
					TargetForm:      target,
					Pair:            pair,
					Confidence:      0.7,
					OccurrenceCount: t.Count,
					ExampleContexts: t.Contexts,
				})
			}
			return nil
		})
	}
	_ = g.Wait() // translateBatch never returns a non-nil error to g.Go; this never aborts the batch

	return entries, failed, nil
}

func chunkGroups(groups []termGroup, size int) [][]termGroup {
	var out [][]termGroup
	for size < len(groups) {
		groups, out = groups[size:], append(out, groups[0:size:size])
	}
	return append(out, groups)
}

func translateBatch(ctx context.Context, caller agent.Caller, batch []termGroup, pair domain.LanguagePair) (map[string]string, error) {
	spec := agent.PromptSpec{
		Identity: agent.Identity{
			Name: "preprocess:translate_terms", Role: "professional legal translator", Domain: "legal",
			Specialty: "batch terminology translation", SourceLang: pair.Source, TargetLang: pair.Target,
		},
		Purpose:    "Translate each given term into its standard target-language legal equivalent, using the supplied contexts to disambiguate.",
		Background: "Return every term exactly as given as a key, mapped to its translation.",
		OutputFields: []agent.Field{
			{Name: "translations", Type: "object", Required: true, Description: "map from source term to its translated target form, one entry per input term"},
		},
		OutputFormat: "A single JSON object with exactly this field.",
	}
	terms := make([]map[string]any, len(batch))
	for i, t := range batch {
		terms[i] = map[string]any{"term": t.SourceForm, "contexts": t.Contexts}
	}
	input := map[string]any{"terms": terms}

	var resp translateBatchResponse
	if err := agent.Run(ctx, caller, spec, input, 0.2, &resp); err != nil {
		return nil, err
	}
	return resp.Translations, nil
}
