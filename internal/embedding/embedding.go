// Package embedding maps text to dense vectors through the genai
// embeddings endpoint, with a bounded read-through LRU cache keyed by
// (model, text), so a vector still in the cache is not recomputed
// (spec §4.2).
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	genai "google.golang.org/genai"
)

// batchLimit bounds how many texts go into one embedding call.
const batchLimit = 32

// Client embeds text, batching and caching as it goes.
type Client struct {
	cli   *genai.Client
	model string
	cache *lru.Cache[string, []float32]

	hits   int
	misses int
}

// New constructs an embedding Client. cacheSize bounds the read-through
// cache's entry count (golang-lru/v2, matching the teacher's
// projectstore.Store.artifactCache usage).
func New(ctx context.Context, apiKey, model string, cacheSize int) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: init genai client: %w", err)
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli, model: model, cache: cache}, nil
}

func (c *Client) Close() error { return nil }

// Len reports the number of cached vectors (cache-layer observability,
// SPEC_FULL.md supplemental feature 1).
func (c *Client) Len() int { return c.cache.Len() }

// Stats reports cumulative hit/miss counts since construction.
func (c *Client) Stats() (hits, misses int) { return c.hits, c.misses }

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed maps each text to a fixed-width float vector, batching up to
// batchLimit texts per underlying call and serving cache hits directly.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if v, ok := c.cache.Get(c.cacheKey(t)); ok {
			out[i] = v
			c.hits++
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
		c.misses++
	}

	for start := 0; start < len(missTexts); start += batchLimit {
		end := min(start+batchLimit, len(missTexts))
		batch := missTexts[start:end]
		vecs, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			idx := missIdx[start+j]
			out[idx] = v
			c.cache.Add(c.cacheKey(batch[j]), v)
		}
	}
	return out, nil
}

// EmbedOne is a convenience wrapper for a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}
	resp, err := c.cli.Models.EmbedContent(ctx, c.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed batch: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		vecs[i] = e.Values
	}
	return vecs, nil
}

// Cosine computes cosine similarity between two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
