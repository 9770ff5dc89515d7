package jsonpatch

import (
	"reflect"
	"testing"
)

func TestApplyReplace(t *testing.T) {
	doc := map[string]any{"settings": map[string]any{"theme": "dark", "lang": "en"}}
	out, err := Apply(doc, []Operation{{Op: OpReplace, Path: "/settings/theme", Value: "light"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := out.(map[string]any)["settings"].(map[string]any)["theme"]
	if got != "light" {
		t.Fatalf("theme = %v, want light", got)
	}
	// Original must be untouched (deep clone before mutation).
	if doc["settings"].(map[string]any)["theme"] != "dark" {
		t.Fatalf("input document was mutated")
	}
}

func TestApplyAddAutoVivify(t *testing.T) {
	doc := map[string]any{}
	out, err := Apply(doc, []Operation{{Op: OpAdd, Path: "/a/b/c", Value: 1.0}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	a := out.(map[string]any)["a"].(map[string]any)["b"].(map[string]any)["c"]
	if a != 1.0 {
		t.Fatalf("a.b.c = %v, want 1", a)
	}
}

func TestApplyRemoveMissingErrors(t *testing.T) {
	doc := map[string]any{"x": 1.0}
	_, err := Apply(doc, []Operation{{Op: OpRemove, Path: "/missing"}})
	if err == nil {
		t.Fatal("expected ApplicationError for missing path")
	}
	var appErr *ApplicationError
	if !asApplicationError(err, &appErr) {
		t.Fatalf("error type = %T, want *ApplicationError", err)
	}
}

func asApplicationError(err error, target **ApplicationError) bool {
	if e, ok := err.(*ApplicationError); ok {
		*target = e
		return true
	}
	return false
}

func TestApplyArrayAppendAndRemove(t *testing.T) {
	doc := map[string]any{"items": []any{"a", "b"}}
	out, err := Apply(doc, []Operation{
		{Op: OpAdd, Path: "/items/-", Value: "c"},
		{Op: OpRemove, Path: "/items/0"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := out.(map[string]any)["items"].([]any)
	want := []any{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
}

func TestApplyTest(t *testing.T) {
	doc := map[string]any{"x": "y"}
	if _, err := Apply(doc, []Operation{{Op: OpTest, Path: "/x", Value: "y"}}); err != nil {
		t.Fatalf("test should pass: %v", err)
	}
	if _, err := Apply(doc, []Operation{{Op: OpTest, Path: "/x", Value: "z"}}); err == nil {
		t.Fatal("test should fail")
	}
}

func TestApplyMove(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"x": 1.0}, "b": map[string]any{}}
	out, err := Apply(doc, []Operation{{Op: OpMove, From: "/a/x", Path: "/b/x"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	m := out.(map[string]any)
	if _, exists := m["a"].(map[string]any)["x"]; exists {
		t.Fatal("x should have been removed from a")
	}
	if m["b"].(map[string]any)["x"] != 1.0 {
		t.Fatal("x should have been moved to b")
	}
}

func TestPointerEscaping(t *testing.T) {
	p := ParsePointer("/a~1b/c~0d")
	want := Pointer{"a/b", "c~d"}
	if !reflect.DeepEqual(p, want) {
		t.Fatalf("parse = %v, want %v", p, want)
	}
	if p.String() != "/a~1b/c~0d" {
		t.Fatalf("round trip = %q", p.String())
	}
}

func TestDiffProducesApplicablePatch(t *testing.T) {
	prev := map[string]any{"settings": map[string]any{"theme": "dark", "notifications": true, "language": "en"}}
	next := map[string]any{"settings": map[string]any{"theme": "light", "notifications": true, "language": "en"}}

	ops := Diff(prev, next)
	if len(ops) != 1 || ops[0].Path != "/settings/theme" || ops[0].Value != "light" {
		t.Fatalf("unexpected diff: %+v", ops)
	}

	out, err := Apply(prev, ops)
	if err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if !deepEqual(out, next) {
		t.Fatalf("applying diff(%v -> %v) did not reproduce next, got %v", prev, next, out)
	}
}

func TestDiffAddRemove(t *testing.T) {
	prev := map[string]any{"a": 1.0}
	next := map[string]any{"b": 2.0}
	ops := Diff(prev, next)
	out, err := Apply(prev, ops)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !deepEqual(out, next) {
		t.Fatalf("got %v want %v", out, next)
	}
}
