package errkind

import (
	"errors"
	"strings"
	"testing"
)

func TestUpstreamUnavailable_UnwrapsToInnerError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &UpstreamUnavailable{Service: "gemini", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find the wrapped inner error")
	}
}

func TestLayerFailure_ErrorMessageNamesLayer(t *testing.T) {
	err := &LayerFailure{Layer: "syntax", Err: errors.New("boom")}
	if got := err.Error(); !strings.Contains(got, "syntax") {
		t.Fatalf("got %q, want the message to name the syntax layer", got)
	}
}

func TestMalformedModelOutput_Unwraps(t *testing.T) {
	inner := errors.New("bad json")
	err := &MalformedModelOutput{Agent: "terminology:translate", Raw: "not json", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to find the wrapped inner error")
	}
}
