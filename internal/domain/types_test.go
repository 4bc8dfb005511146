package domain

import "testing"

func TestPipelineTrace_LastTranslation_EmptyReturnsSource(t *testing.T) {
	trace := PipelineTrace{}
	if got := trace.LastTranslation("source text"); got != "source text" {
		t.Fatalf("got %q, want source text", got)
	}
}

func TestPipelineTrace_LastTranslation_ReturnsLastEntry(t *testing.T) {
	trace := PipelineTrace{Entries: []LayerOutput{
		{Layer: "terminology", Translation: "first"},
		{Layer: "syntax", Translation: "second"},
	}}
	if got := trace.LastTranslation("source text"); got != "second" {
		t.Fatalf("got %q, want second", got)
	}
}

func TestLanguagePair_String(t *testing.T) {
	p := LanguagePair{Source: "zh", Target: "en"}
	if got := p.String(); got != "zh->en" {
		t.Fatalf("got %q, want zh->en", got)
	}
}
