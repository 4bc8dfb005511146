// Package tm implements the translation-memory index (spec §4.4): hybrid
// dense + lexical top-k retrieval over aligned source/target pairs.
package tm

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	_ "github.com/jackc/pgx/v5/stdlib"

	"legalmt/internal/domain"
	"legalmt/internal/embedding"
)

// Embedder is the subset of embedding.Client the TM index needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Store persists TM entries in Postgres and serves hybrid search.
type Store struct {
	db       *sql.DB
	embedder Embedder

	schemaOnce sync.Once
	schemaErr  error
}

func Open(dsn string, embedder Embedder) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("tm: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tm: ping: %w", err)
	}
	return &Store{db: db, embedder: embedder}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS tm_entries (
    id BIGSERIAL PRIMARY KEY,
    dedup_key TEXT NOT NULL UNIQUE,
    source_text TEXT NOT NULL,
    target_text TEXT NOT NULL,
    source_lang TEXT NOT NULL,
    target_lang TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    legal_domain TEXT NOT NULL DEFAULT '',
    dense_vector JSONB NOT NULL,
    lexical_tokens JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tm_pair ON tm_entries(source_lang, target_lang);
`)
	})
	return s.schemaErr
}

// dedupKey mirrors the original's md5(source_lang:target_lang:source:target)
// de-duplication key (SPEC_FULL.md supplemental feature 7).
func dedupKey(e domain.TMEntry) string {
	raw := e.Pair.Source + ":" + e.Pair.Target + ":" + e.SourceText + ":" + e.TargetText
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// tokenize splits CJK text character-by-character and falls back to
// lowercase+whitespace splitting for Latin-script text, matching the
// original's tm_db.py _tokenize() heuristic (SPEC_FULL.md supplemental
// feature 6).
func tokenize(s string) []string {
	var tokens []string
	var latinRun []rune
	flush := func() {
		if len(latinRun) > 0 {
			tokens = append(tokens, strings.ToLower(string(latinRun)))
			latinRun = nil
		}
	}
	for _, r := range s {
		if isCJK(r) {
			flush()
			tokens = append(tokens, string(r))
			continue
		}
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			flush()
			continue
		}
		latinRun = append(latinRun, r)
	}
	flush()
	return tokens
}

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

// Insert computes the dense vector, tokenizes for the lexical index, and
// stores the entry, skipping it if an identical (source_lang, target_lang,
// source, target) tuple already exists (supplemental feature 7).
func (s *Store) Insert(ctx context.Context, source, target string, pair domain.LanguagePair) error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	entry := domain.TMEntry{SourceText: source, TargetText: target, Pair: pair}
	vec, err := s.embedder.EmbedOne(ctx, source)
	if err != nil {
		return fmt.Errorf("tm: embed: %w", err)
	}
	entry.DenseVector = vec
	entry.LexicalTokens = tokenize(source)

	vecJSON, err := json.Marshal(entry.DenseVector)
	if err != nil {
		return err
	}
	tokJSON, err := json.Marshal(entry.LexicalTokens)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tm_entries (dedup_key, source_text, target_text, source_lang, target_lang, dense_vector, lexical_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (dedup_key) DO NOTHING`,
		dedupKey(entry), source, target, pair.Source, pair.Target, vecJSON, tokJSON)
	return err
}

type row struct {
	entry domain.TMEntry
}

func (s *Store) loadPair(ctx context.Context, pair domain.LanguagePair) ([]row, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_text, target_text, context, legal_domain, dense_vector, lexical_tokens
FROM tm_entries WHERE source_lang=$1 AND target_lang=$2`, pair.Source, pair.Target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var e domain.TMEntry
		var vecRaw, tokRaw []byte
		if err := rows.Scan(&e.SourceText, &e.TargetText, &e.Context, &e.LegalDomain, &vecRaw, &tokRaw); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(vecRaw, &e.DenseVector)
		_ = json.Unmarshal(tokRaw, &e.LexicalTokens)
		e.Pair = pair
		out = append(out, row{entry: e})
	}
	return out, rows.Err()
}

// Search implements the hybrid retrieval of spec §4.4: fused score =
// alpha * normalized_dense_cosine + (1-alpha) * normalized_lexical_score,
// deduplicated by (source, target), optionally floored by simFloor (when
// simFloor > 0 and no hit passes, returns an empty slice — callers must
// treat that as a no-op, per the discourse layer's contract in §4.8).
func (s *Store) Search(ctx context.Context, query string, pair domain.LanguagePair, k int, alpha, simFloor float64) ([]domain.TMHit, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	rows, err := s.loadPair(ctx, pair)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tm: embed query: %w", err)
	}
	queryTokens := tokenize(query)
	lexScores := bm25Scores(queryTokens, rows)

	hits := make([]domain.TMHit, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for i, r := range rows {
		key := r.entry.SourceText + "\x00" + r.entry.TargetText
		if seen[key] {
			continue
		}
		seen[key] = true
		dense := embedding.Cosine(queryVec, r.entry.DenseVector)
		lex := lexScores[i]
		fused := alpha*normalize01(dense) + (1-alpha)*normalize01(lex)
		if simFloor > 0 && fused < simFloor {
			continue
		}
		hits = append(hits, domain.TMHit{Entry: r.entry, Score: fused, DenseScore: dense, LexScore: lex})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func normalize01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// bm25Scores computes a BM25-style lexical score for query against every
// row, hand-rolled since no BM25 library exists in the retrieval pack;
// structures named after other_examples/hypnagonia-rag__entities.go's
// Posting{ChunkID,TF}/Stats{TotalDocs,TotalChunks,AvgChunkLen}.
func bm25Scores(queryTokens []string, rows []row) []float64 {
	const k1 = 1.5
	const b = 0.75

	totalDocs := len(rows)
	avgLen := 0.0
	docLens := make([]int, totalDocs)
	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, totalDocs)
	for i, r := range rows {
		tf := make(map[string]int)
		for _, tok := range r.entry.LexicalTokens {
			tf[tok]++
		}
		termFreqs[i] = tf
		docLens[i] = len(r.entry.LexicalTokens)
		avgLen += float64(docLens[i])
		for tok := range tf {
			docFreq[tok]++
		}
	}
	if totalDocs > 0 {
		avgLen /= float64(totalDocs)
	}

	scores := make([]float64, totalDocs)
	for i := range rows {
		var score float64
		for _, qt := range queryTokens {
			df := docFreq[qt]
			if df == 0 {
				continue
			}
			idf := math.Log(1 + (float64(totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
			tf := float64(termFreqs[i][qt])
			denom := tf + k1*(1-b+b*float64(docLens[i])/math.Max(avgLen, 1))
			if denom == 0 {
				continue
			}
			score += idf * tf * (k1 + 1) / denom
		}
		scores[i] = score
	}
	return scores
}

// Size reports the number of entries for a pair (observability).
func (s *Store) Size(ctx context.Context, pair domain.LanguagePair) (int, error) {
	if err := s.ensureSchema(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM tm_entries WHERE source_lang=$1 AND target_lang=$2`, pair.Source, pair.Target).Scan(&n)
	return n, err
}
