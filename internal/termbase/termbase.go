// Package termbase implements the persistent term store (spec §4.3):
// three layered lookup passes (exact, fuzzy, vector) combined with
// rank-preserving de-duplication, plus idempotent upsert ingestion.
package termbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sahilm/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"legalmt/internal/domain"
	"legalmt/internal/embedding"
)

// Embedder is the subset of embedding.Client the termbase's vector pass
// needs, kept as an interface so tests can stub it.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Store persists term entries in Postgres, grounded on the teacher's
// projectstore.Store pgx + database/sql + sync.Once schema pattern.
type Store struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error

	embedder Embedder

	fuzzyThreshold  float64 // τ_f, on a 0..1 scale after score normalization
	vectorThreshold float64 // τ_v
}

// Open connects to Postgres via the pgx stdlib driver, matching the
// teacher's NewPostgres pattern (sql.Open("pgx", dsn) + Ping).
func Open(dsn string, embedder Embedder, fuzzyThreshold, vectorThreshold float64) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("termbase: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("termbase: ping: %w", err)
	}
	return &Store{
		db:              db,
		embedder:        embedder,
		fuzzyThreshold:  fuzzyThreshold,
		vectorThreshold: vectorThreshold,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS term_collections (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS terms (
    id BIGSERIAL PRIMARY KEY,
    source_form TEXT NOT NULL,
    normalized_form TEXT NOT NULL,
    target_form TEXT NOT NULL,
    source_lang TEXT NOT NULL,
    target_lang TEXT NOT NULL,
    definition TEXT NOT NULL DEFAULT '',
    domain_tag TEXT NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    example_contexts JSONB NOT NULL DEFAULT '[]',
    dense_vector JSONB,
    collection_id TEXT REFERENCES term_collections(id),
    UNIQUE(source_form, target_form, source_lang, target_lang)
);
CREATE INDEX IF NOT EXISTS idx_terms_lookup ON terms(normalized_form, source_lang, target_lang);
CREATE TABLE IF NOT EXISTS term_collection_items (
    collection_id TEXT NOT NULL REFERENCES term_collections(id),
    term_id BIGINT NOT NULL REFERENCES terms(id),
    PRIMARY KEY (collection_id, term_id)
);
`)
	})
	return s.schemaErr
}

// normalizeForm case-folds, NFKC-normalizes and collapses whitespace in a
// term for exact/fuzzy comparison; punctuation is kept.
func normalizeForm(s string) string {
	folded := cases.Fold().String(s)
	normalized := norm.NFKC.String(folded)
	return strings.Join(strings.Fields(normalized), " ")
}

// Lookup implements spec §4.3's layered lookup: exact -> fuzzy -> vector,
// rank-preserving de-duplication by (source_form, target_form), ties
// broken by higher confidence then higher occurrence_count.
func (s *Store) Lookup(ctx context.Context, sourceForm string, pair domain.LanguagePair, k int) ([]domain.TermLookupHit, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	normForm := normalizeForm(sourceForm)

	exact, err := s.exactMatch(ctx, normForm, pair)
	if err != nil {
		return nil, fmt.Errorf("termbase: exact lookup: %w", err)
	}

	seen := make(map[string]bool, k)
	hits := make([]domain.TermLookupHit, 0, k)
	addHits(&hits, seen, exact, k)

	if len(hits) < k {
		fuzzyHits, err := s.fuzzyMatch(ctx, normForm, pair, k)
		if err != nil {
			return nil, fmt.Errorf("termbase: fuzzy lookup: %w", err)
		}
		addHits(&hits, seen, fuzzyHits, k)
	}

	if len(hits) < k && s.embedder != nil {
		vectorHits, err := s.vectorMatch(ctx, sourceForm, pair, k)
		if err != nil {
			return nil, fmt.Errorf("termbase: vector lookup: %w", err)
		}
		addHits(&hits, seen, vectorHits, k)
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func dedupeKey(e domain.TermEntry) string { return e.SourceForm + "\x00" + e.TargetForm }

func addHits(hits *[]domain.TermLookupHit, seen map[string]bool, add []domain.TermLookupHit, k int) {
	for _, h := range add {
		key := dedupeKey(h.Entry)
		if seen[key] {
			continue
		}
		seen[key] = true
		*hits = append(*hits, h)
		if len(*hits) >= k*3 {
			// keep a generous working set; final trim happens after sort
			break
		}
	}
}

// sortHits orders by pass rank (exact > fuzzy > vector), then similarity
// descending, then confidence, then occurrence_count — matching spec's
// "exact beating fuzzy beating vector on ties" plus §3's tie-break rule.
func sortHits(hits []domain.TermLookupHit) {
	rank := map[string]int{"db-exact": 0, "db-fuzzy": 1, "db-vector": 2}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if rank[a.Source] != rank[b.Source] {
			return rank[a.Source] < rank[b.Source]
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Entry.Confidence != b.Entry.Confidence {
			return a.Entry.Confidence > b.Entry.Confidence
		}
		return a.Entry.OccurrenceCount > b.Entry.OccurrenceCount
	})
}

func (s *Store) exactMatch(ctx context.Context, normForm string, pair domain.LanguagePair) ([]domain.TermLookupHit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_form, target_form, definition, domain_tag, confidence, occurrence_count, example_contexts, collection_id
FROM terms WHERE normalized_form=$1 AND source_lang=$2 AND target_lang=$3`,
		normForm, pair.Source, pair.Target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []domain.TermLookupHit
	for rows.Next() {
		e, err := scanEntry(rows, pair)
		if err != nil {
			return nil, err
		}
		hits = append(hits, domain.TermLookupHit{Entry: e, Similarity: 1.0, Source: "db-exact"})
	}
	return hits, rows.Err()
}

func (s *Store) fuzzyMatch(ctx context.Context, normForm string, pair domain.LanguagePair, k int) ([]domain.TermLookupHit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_form, target_form, definition, domain_tag, confidence, occurrence_count, example_contexts, collection_id, normalized_form
FROM terms WHERE source_lang=$1 AND target_lang=$2`, pair.Source, pair.Target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		entry domain.TermEntry
		norm  string
	}
	var candidates []candidate
	for rows.Next() {
		var e domain.TermEntry
		var contextsRaw []byte
		var collectionID sql.NullString
		var normalized string
		if err := rows.Scan(&e.SourceForm, &e.TargetForm, &e.Definition, &e.DomainTag, &e.Confidence, &e.OccurrenceCount, &contextsRaw, &collectionID, &normalized); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(contextsRaw, &e.ExampleContexts)
		e.Pair = pair
		if collectionID.Valid {
			e.CollectionID = collectionID.String
		}
		candidates = append(candidates, candidate{entry: e, norm: normalized})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pool := make([]string, len(candidates))
	for i, c := range candidates {
		pool[i] = c.norm
	}
	matches := fuzzy.Find(normForm, pool)

	var hits []domain.TermLookupHit
	for _, m := range matches {
		sim := fuzzySimilarity(m.Score, normForm, pool[m.Index])
		if sim < s.fuzzyThreshold {
			continue
		}
		hits = append(hits, domain.TermLookupHit{Entry: candidates[m.Index].entry, Similarity: sim, Source: "db-fuzzy"})
		if len(hits) >= k*3 {
			break
		}
	}
	return hits, nil
}

// fuzzySimilarity normalizes sahilm/fuzzy's unbounded score into [0,1] by
// scaling against the query length, since the library's score is a
// match-quality heuristic, not a similarity ratio.
func fuzzySimilarity(score int, query, candidate string) float64 {
	if len(query) == 0 {
		return 0
	}
	sim := float64(score) / float64(len(query)*2)
	if sim > 1 {
		sim = 1
	}
	if sim < 0 {
		sim = 0
	}
	return sim
}

func (s *Store) vectorMatch(ctx context.Context, sourceForm string, pair domain.LanguagePair, k int) ([]domain.TermLookupHit, error) {
	queryVec, err := s.embedder.EmbedOne(ctx, sourceForm)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT source_form, target_form, definition, domain_tag, confidence, occurrence_count, example_contexts, collection_id, dense_vector
FROM terms WHERE source_lang=$1 AND target_lang=$2 AND dense_vector IS NOT NULL`, pair.Source, pair.Target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []domain.TermLookupHit
	for rows.Next() {
		var e domain.TermEntry
		var contextsRaw, vectorRaw []byte
		var collectionID sql.NullString
		if err := rows.Scan(&e.SourceForm, &e.TargetForm, &e.Definition, &e.DomainTag, &e.Confidence, &e.OccurrenceCount, &contextsRaw, &collectionID, &vectorRaw); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(contextsRaw, &e.ExampleContexts)
		e.Pair = pair
		if collectionID.Valid {
			e.CollectionID = collectionID.String
		}
		var vec []float32
		if err := json.Unmarshal(vectorRaw, &vec); err != nil {
			continue
		}
		sim := embedding.Cosine(queryVec, vec)
		if sim < s.vectorThreshold {
			continue
		}
		hits = append(hits, domain.TermLookupHit{Entry: e, Similarity: sim, Source: "db-vector"})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k*3 {
		hits = hits[:k*3]
	}
	return hits, nil
}

func scanEntry(rows *sql.Rows, pair domain.LanguagePair) (domain.TermEntry, error) {
	var e domain.TermEntry
	var contextsRaw []byte
	var collectionID sql.NullString
	if err := rows.Scan(&e.SourceForm, &e.TargetForm, &e.Definition, &e.DomainTag, &e.Confidence, &e.OccurrenceCount, &contextsRaw, &collectionID); err != nil {
		return e, err
	}
	_ = json.Unmarshal(contextsRaw, &e.ExampleContexts)
	e.Pair = pair
	if collectionID.Valid {
		e.CollectionID = collectionID.String
	}
	return e, nil
}

// Ingest upserts entries: if (source_form, target_form, pair) exists,
// increments occurrence_count and unions contexts up to the 2-context
// cap; otherwise inserts. Applying the same entries twice is a no-op
// beyond count aggregation (spec §4.3's idempotence invariant).
func (s *Store) Ingest(ctx context.Context, entries []domain.TermEntry) error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.ingestOne(ctx, e); err != nil {
			return fmt.Errorf("termbase: ingest %q: %w", e.SourceForm, err)
		}
	}
	return nil
}

func (s *Store) ingestOne(ctx context.Context, e domain.TermEntry) error {
	var vectorJSON []byte
	if s.embedder != nil {
		vec, err := s.embedder.EmbedOne(ctx, e.SourceForm)
		if err == nil {
			vectorJSON, _ = json.Marshal(vec)
		}
	}

	existingContexts, err := s.existingContexts(ctx, e)
	if err != nil {
		return err
	}
	merged := mergeContexts(existingContexts, e.ExampleContexts)
	contextsJSON, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO terms (source_form, normalized_form, target_form, source_lang, target_lang, definition, domain_tag, confidence, occurrence_count, example_contexts, dense_vector, collection_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (source_form, target_form, source_lang, target_lang)
DO UPDATE SET
    occurrence_count = terms.occurrence_count + $9,
    confidence = GREATEST(terms.confidence, EXCLUDED.confidence),
    definition = CASE WHEN terms.definition = '' THEN EXCLUDED.definition ELSE terms.definition END,
    domain_tag = CASE WHEN terms.domain_tag = '' THEN EXCLUDED.domain_tag ELSE terms.domain_tag END,
    example_contexts = EXCLUDED.example_contexts
`, e.SourceForm, normalizeForm(e.SourceForm), e.TargetForm, e.Pair.Source, e.Pair.Target,
		e.Definition, e.DomainTag, e.Confidence, firstIngestCount(e), contextsJSON, nullableJSON(vectorJSON), nullableString(e.CollectionID))
	return err
}

// firstIngestCount returns the increment to occurrence_count this ingest
// call contributes; a bare import without explicit count contributes 1.
func firstIngestCount(e domain.TermEntry) int {
	if e.OccurrenceCount > 0 {
		return e.OccurrenceCount
	}
	return 1
}

func (s *Store) existingContexts(ctx context.Context, e domain.TermEntry) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
SELECT example_contexts FROM terms WHERE source_form=$1 AND target_form=$2 AND source_lang=$3 AND target_lang=$4`,
		e.SourceForm, e.TargetForm, e.Pair.Source, e.Pair.Target).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

// mergeContexts unions two context lists, keeping at most 2, preferring
// the longest source-text length as a proxy for informativeness (spec
// §4.11 step 2's rule, reused here for the general ingest path too).
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

// Export returns every entry for a language pair, for cold-start or
// debugging (spec §4.3).
func (s *Store) Export(ctx context.Context, pair domain.LanguagePair) ([]domain.TermEntry, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT source_form, target_form, definition, domain_tag, confidence, occurrence_count, example_contexts, collection_id
FROM terms WHERE source_lang=$1 AND target_lang=$2 ORDER BY source_form`, pair.Source, pair.Target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TermEntry
	for rows.Next() {
		e, err := scanEntry(rows, pair)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Size reports the number of entries for a pair (observability).
func (s *Store) Size(ctx context.Context, pair domain.LanguagePair) (int, error) {
	if err := s.ensureSchema(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM terms WHERE source_lang=$1 AND target_lang=$2`, pair.Source, pair.Target).Scan(&n)
	return n, err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
