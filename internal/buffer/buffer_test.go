package buffer

import (
	"encoding/json"
	"testing"
)

func TestBuffer_StoreGetClear(t *testing.T) {
	b := New()
	first := b.Store("transcribe", "raw transcript")
	second := b.Store("transcribe", "raw transcript")
	if first == second {
		t.Fatal("expected fresh ids per store call")
	}

	got, ok := b.Get(first)
	if !ok || got != "raw transcript" {
		t.Fatalf("expected stored content, got %q (ok=%v)", got, ok)
	}
	entry, ok := b.Entry(first)
	if !ok || entry.ToolName != "transcribe" || entry.Timestamp.IsZero() {
		t.Fatalf("unexpected entry %+v", entry)
	}

	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d entries", b.Len())
	}
	if _, ok := b.Get(first); ok {
		t.Fatal("expected cleared entry to be gone")
	}
}

func TestBuffer_ResolveSubstitutesVerbatim(t *testing.T) {
	b := New()
	content := "line one\n  \"quoted\" <b>markup</b> é"
	id := b.Store("get_issue_template", content)

	out, res := b.Resolve(`{"title":"Bug","output_ref":"` + id + `"}`)
	if !res.Resolved || res.Ref != id {
		t.Fatalf("expected resolution of %q, got %+v", id, res)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("resolved input is not JSON: %v", err)
	}
	if _, ok := decoded[RefField]; ok {
		t.Fatal("expected reference field to be removed")
	}
	if decoded[TemplateField] != content {
		t.Fatalf("expected verbatim template, got %q", decoded[TemplateField])
	}
	if decoded["title"] != "Bug" {
		t.Fatalf("expected other fields preserved, got %v", decoded["title"])
	}
}

func TestBuffer_ResolveUnknownRefPassesThrough(t *testing.T) {
	b := New()
	input := `{"output_ref":"missing","title":"x"}`

	out, res := b.Resolve(input)
	if out != input {
		t.Fatalf("expected unchanged input, got %s", out)
	}
	if !res.Missing() {
		t.Fatalf("expected missing resolution, got %+v", res)
	}
}

func TestBuffer_ResolveIgnoresInputsWithoutRef(t *testing.T) {
	b := New()
	for _, input := range []string{`{"title":"x"}`, `not json`, `[1,2]`, `{"output_ref":42}`, ``} {
		out, res := b.Resolve(input)
		if out != input {
			t.Fatalf("expected %q unchanged, got %q", input, out)
		}
		if res.Ref != "" || res.Resolved {
			t.Fatalf("expected empty resolution for %q, got %+v", input, res)
		}
	}
}

func TestBuffer_ResolveLeavesInvalidUTF8Unresolved(t *testing.T) {
	b := New()
	id := b.Store("download", "abc\xff\xfedef")
	input := `{"output_ref":"` + id + `"}`

	out, res := b.Resolve(input)
	if out != input {
		t.Fatalf("expected unchanged input, got %s", out)
	}
	if !res.NotUTF8 || res.Resolved || !res.Missing() {
		t.Fatalf("unexpected resolution %+v", res)
	}
	if got, _ := b.Get(id); got != "abc\xff\xfedef" {
		t.Fatalf("expected stored bytes untouched, got %q", got)
	}
}
