package canonical

import (
	"strings"
	"testing"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	v := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"nested_z": true,
			"nested_a": []any{map[string]any{"b": 2, "a": 1}},
		},
	}

	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"alpha":{"nested_a":[{"a":1,"b":2}],"nested_z":true},"zeta":1}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{"b": 1.5, "a": "x", "c": nil, "d": []any{"p", "q"}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("marshal not deterministic: %s vs %s", again, first)
		}
	}
}

func TestMarshalStructEqualsMap(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	fromStruct, err := Marshal(inner{B: 2, A: "x"})
	if err != nil {
		t.Fatalf("marshal struct: %v", err)
	}
	fromMap, err := Marshal(map[string]any{"a": "x", "b": 2})
	if err != nil {
		t.Fatalf("marshal map: %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Fatalf("struct and map forms differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestDigest(t *testing.T) {
	d1, err := Digest(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := Digest(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests of equal values differ: %s vs %s", d1, d2)
	}
	if !strings.HasPrefix(d1, DigestPrefix) {
		t.Fatalf("digest missing prefix: %s", d1)
	}

	d3, err := Digest(map[string]any{"a": 1, "b": 3})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d3 == d1 {
		t.Fatal("digests of different values collide")
	}
}

func TestMarshalPreservesNumberFormatting(t *testing.T) {
	got, err := Marshal(map[string]any{"n": 10, "f": 0.25})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"f":0.25,"n":10}`
	if string(got) != want {
		t.Fatalf("number formatting changed: got %s want %s", got, want)
	}
}
