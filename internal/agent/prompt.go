// Package agent implements the shared agent contract (spec §4.5): every
// agent is a name, a role/domain/specialty triple, an input, and an output
// schema rendered through a structured prompt template. An agent is a pure
// function (input, context) -> structured output — a table of prompt specs
// keyed by name is sufficient; no inheritance hierarchy is needed.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Identity is the role/domain/specialty triple used to format the system
// prompt, grounded on original_source's AgentConfig{role, domain, specialty}.
type Identity struct {
	Name          string
	Role          string
	Domain        string
	Specialty     string
	SourceLang    string
	TargetLang    string
}

// Field describes one field of the agent's expected JSON output.
type Field struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// PromptSpec is the template an agent renders against its input.
type PromptSpec struct {
	Identity     Identity
	Purpose      string
	Background   string
	OutputFields []Field
	Constraints  []string
	Rules        []string
	OutputFormat string
}

// Render builds the full prompt text: identity framing, purpose,
// background, the JSON-encoded input, the output contract, constraints
// and rules. Mirrors the section layout of the teacher's
// StructuredPromptBuilder, without the MCP tool-call sections this domain
// has no use for.
func (s PromptSpec) Render(input any) (string, error) {
	if strings.TrimSpace(s.Purpose) == "" {
		return "", fmt.Errorf("agent: purpose is empty for %s", s.Identity.Name)
	}
	inputJSON, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agent: encode input: %w", err)
	}

	var buf bytes.Buffer
	writeSection(&buf, "IDENTITY", s.renderIdentity())
	writeSection(&buf, "PURPOSE", s.Purpose)
	writeSection(&buf, "BACKGROUND", s.Background)
	writeSection(&buf, "INPUT", string(inputJSON))
	writeSection(&buf, "OUTPUT_FIELDS", formatFields(s.OutputFields))
	writeSection(&buf, "CONSTRAINTS", formatList(s.Constraints))
	writeSection(&buf, "RULES", formatList(s.Rules))
	writeSection(&buf, "OUTPUT_FORMAT", s.OutputFormat)
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func (s PromptSpec) renderIdentity() string {
	id := s.Identity
	var parts []string
	if id.Role != "" {
		parts = append(parts, fmt.Sprintf("You are a %s specializing in %s.", id.Role, nz(id.Domain, "legal translation")))
	}
	if id.Specialty != "" {
		parts = append(parts, "Specialty: "+id.Specialty+".")
	}
	if id.SourceLang != "" && id.TargetLang != "" {
		parts = append(parts, fmt.Sprintf("Working language pair: %s -> %s.", id.SourceLang, id.TargetLang))
	}
	return strings.Join(parts, " ")
}

func nz(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var buf strings.Builder
	for _, f := range fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		if f.Description != "" {
			fmt.Fprintf(&buf, "- %s (%s, %s): %s\n", f.Name, f.Type, req, f.Description)
		} else {
			fmt.Fprintf(&buf, "- %s (%s, %s)\n", f.Name, f.Type, req)
		}
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var buf strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fmt.Fprintf(&buf, "- %s\n", item)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func writeSection(buf *bytes.Buffer, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("[")
	buf.WriteString(title)
	buf.WriteString("]\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
}
