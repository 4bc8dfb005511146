package agent

import (
	"context"
	"encoding/json"

	"legalmt/internal/llm"
)

// scriptedCaller is a Caller test double that returns one canned JSON
// response per call, in order, cycling back to the last response once
// exhausted. Used across this package's tests so none of them need a real
// LLM backend.
type scriptedCaller struct {
	responses []string
	calls     int
	err       error
}

func (s *scriptedCaller) CompleteJSON(_ context.Context, _ string, _ []llm.Message, _ float64, _ int, out any) error {
	if s.err != nil {
		return s.err
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return json.Unmarshal([]byte(s.responses[idx]), out)
}
