// Package dataset loads evaluation corpora from disk into domain.Segment
// values.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"legalmt/internal/domain"
)

type record struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Reference string `json:"reference"`
}

// Load reads a JSON array of {id, source, reference} records from path
// and attaches the given language pair to every segment.
func Load(path string, pair domain.LanguagePair) ([]domain.Segment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	var records []record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", path, err)
	}
	segments := make([]domain.Segment, len(records))
	for i, r := range records {
		segments[i] = domain.Segment{ID: r.ID, Source: r.Source, Reference: r.Reference, Pair: pair}
	}
	return segments, nil
}
