package partialjson

import (
	"strings"
	"testing"
)

func TestReasoningCompleteObject(t *testing.T) {
	got := Reasoning(`{"reasoning":"deploying the api service","operations":[]}`)
	if got != "deploying the api service" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningTruncatedValue(t *testing.T) {
	got := Reasoning(`{"reasoning":"deploying the api ser`)
	if got != "deploying the api ser" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningGrowingPrefixesExtendDisplay(t *testing.T) {
	full := `{"reasoning":"hello world","done":true}`
	final := Reasoning(full)
	if final != "hello world" {
		t.Fatalf("final = %q", final)
	}

	prev := ""
	for i := len(`{"reasoning":"`); i <= len(full); i++ {
		got := Reasoning(full[:i])
		if !strings.HasPrefix(final, got) {
			t.Fatalf("prefix %d: %q is not a prefix of %q", i, got, final)
		}
		if len(got) < len(prev) {
			t.Fatalf("prefix %d: display shrank from %q to %q", i, prev, got)
		}
		prev = got
	}
}

func TestReasoningEscapes(t *testing.T) {
	got := Reasoning(`{"reasoning":"line one\nline two\t\"quoted\" back\\slash"}`)
	want := "line one\nline two\t\"quoted\" back\\slash"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReasoningTrailingLoneBackslashDropped(t *testing.T) {
	got := Reasoning(`{"reasoning":"partial\`)
	if got != "partial" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningFencedObject(t *testing.T) {
	got := Reasoning("```json\n{\"reasoning\":\"checking migrations\"}\n```")
	if got != "checking migrations" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningFencedWithoutClosingFence(t *testing.T) {
	got := Reasoning("```json\n{\"reasoning\":\"checking migr")
	if got != "checking migr" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningPlainTextPassthrough(t *testing.T) {
	got := Reasoning("just a sentence, no json here")
	if got != "just a sentence, no json here" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningObjectWithoutField(t *testing.T) {
	in := `{"operations":["create_table"]}`
	if got := Reasoning(in); got != in {
		t.Fatalf("got %q, want input verbatim", got)
	}
}

func TestReasoningEmptyInput(t *testing.T) {
	if got := Reasoning(""); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestReasoningNeverPanicsOnArbitraryPrefixes(t *testing.T) {
	inputs := []string{
		`{"reasoning":"a\"b\\c"}`,
		"```json\n{\"reasoning\":\"x\"}```",
		`{"reasoning"   :   "spaced"}`,
		`{`,
		`{"`,
	}
	for _, in := range inputs {
		for i := 0; i <= len(in); i++ {
			_ = Reasoning(in[:i])
		}
	}
}
