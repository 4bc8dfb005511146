// Package llm wraps the genai chat API behind the single operation the
// rest of this repository needs: complete(messages, model, temperature,
// timeout) -> text, with a concurrency cap, retries, and one JSON-repair
// attempt for structured callers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"
	genai "google.golang.org/genai"

	"legalmt/internal/errkind"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string // "system" | "user"
	Content string
}

// Client issues chat completions against a single opaque backend. The
// concurrency cap, retry policy, and repair pass are all internal to it;
// callers never see a raw genai type.
type Client struct {
	cli   *genai.Client
	model string
	sem   *semaphore.Weighted

	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
}

// Option configures a Client at construction.
type Option func(*Client)

func WithMaxRetries(n int) Option       { return func(c *Client) { c.maxRetries = n } }
func WithRetryBaseDelay(d time.Duration) Option { return func(c *Client) { c.baseDelay = d } }
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// New constructs a Client against the Gemini backend. maxConcurrent bounds
// in-flight calls process-wide (spec §4.1 default 10).
func New(ctx context.Context, apiKey, model string, maxConcurrent int, opts ...Option) (*Client, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: init genai client: %w", err)
	}
	c := &Client{
		cli:        cli,
		model:      model,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		maxRetries: 3,
		baseDelay:  time.Second,
		timeout:    300 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases no resources today but matches the teacher's
// GeminiClient.Close shape for symmetry with other owned clients.
func (c *Client) Close() error { return nil }

func (c *Client) Name() string { return "gemini:" + c.model }

// Complete issues one chat completion. temperature > 0.3 should be reserved
// for multi-candidate generation (spec §4.1's determinism knob); evaluator
// and selector calls use a low temperature by convention of their callers.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		text, err := c.attempt(ctx, messages, temperature, maxTokens)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt+1 >= c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", &errkind.UpstreamUnavailable{Service: c.Name(), Err: ctx.Err()}
		default:
		}
		delay := c.baseDelay * time.Duration(1<<attempt)
		log.Printf("llm: retrying after %v (attempt %d/%d): %v", delay, attempt+1, c.maxRetries, err)
		time.Sleep(delay)
	}
	return "", &errkind.UpstreamUnavailable{Service: c.Name(), Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "model" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	cfg := &genai.GenerateContentConfig{Temperature: ptrFloat32(float32(temperature))}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	resp, err := c.cli.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("llm: empty response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// CompleteJSON is Complete plus one repair retry: if the returned text
// doesn't parse as JSON into out, the original output is appended to the
// prompt with a corrective instruction and the call is reissued once.
// After repair failure it returns MalformedModelOutput (spec §4.1/§4.5).
func (c *Client) CompleteJSON(ctx context.Context, agentName string, messages []Message, temperature float64, maxTokens int, out any) error {
	jsonMessages := withJSONInstruction(messages)
	text, err := c.Complete(ctx, jsonMessages, temperature, maxTokens)
	if err != nil {
		return err
	}
	if parseErr := json.Unmarshal([]byte(stripCodeFence(text)), out); parseErr == nil {
		return nil
	}

	repair := append(jsonMessages, Message{
		Role: "user",
		Content: "Your previous response was not valid JSON:\n\n" + text +
			"\n\nReturn ONLY a corrected, valid JSON object matching the requested schema. No prose, no code fences.",
	})
	text2, err := c.Complete(ctx, repair, temperature, maxTokens)
	if err != nil {
		return err
	}
	if parseErr := json.Unmarshal([]byte(stripCodeFence(text2)), out); parseErr != nil {
		return &errkind.MalformedModelOutput{Agent: agentName, Raw: text2, Err: parseErr}
	}
	return nil
}

func withJSONInstruction(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	if len(out) > 0 {
		out[len(out)-1].Content += "\n\nRespond with a single JSON object only. No prose, no code fences."
	}
	return out
}

func stripCodeFence(s string) string {
	trimmed := s
	for _, prefix := range []string{"```json", "```"} {
		if len(trimmed) >= len(prefix) && trimmed[:len(prefix)] == prefix {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	if len(trimmed) >= 3 && trimmed[len(trimmed)-3:] == "```" {
		trimmed = trimmed[:len(trimmed)-3]
	}
	return trimmed
}

func isRetryable(err error) bool {
	// Every error is retried except context cancellation or deadline
	// expiry; non-transient failures such as a malformed request are not
	// told apart from network errors, 5xx, or rate limiting. genai surfaces
	// most transient failures as plain errors without a typed status.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func ptrFloat32(f float32) *float32 { return &f }
