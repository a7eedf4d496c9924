package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseModelMap(t *testing.T) {
	got, err := ParseModelMap("openai:gemini-2.0-flash=gpt-4o-mini; groq:gemini-2.0-flash=llama-3.3-70b-versatile;")
	if err != nil {
		t.Fatalf("ParseModelMap() error = %v", err)
	}
	want := ModelMap{
		"openai": {"gemini-2.0-flash": "gpt-4o-mini"},
		"groq":   {"gemini-2.0-flash": "llama-3.3-70b-versatile"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("map (-want +got):\n%s", diff)
	}
	if r := got.Resolve("openai", "gemini-2.0-flash"); r != "gpt-4o-mini" {
		t.Fatalf("Resolve = %q", r)
	}
	if r := got.Resolve("gemini", "gemini-2.0-flash"); r != "gemini-2.0-flash" {
		t.Fatalf("Resolve passthrough = %q", r)
	}
}

func TestParseModelMap_Invalid(t *testing.T) {
	for _, in := range []string{"openai", "openai:gpt", "openai:=x", ":a=b"} {
		if _, err := ParseModelMap(in); err == nil {
			t.Fatalf("ParseModelMap(%q) expected error", in)
		}
	}
}

func TestResolve_NilMap(t *testing.T) {
	var m ModelMap
	if r := m.Resolve("openai", "x"); r != "x" {
		t.Fatalf("Resolve = %q", r)
	}
}
