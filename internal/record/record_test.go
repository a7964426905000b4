package record

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRecord_roundTrip(t *testing.T) {
	doc := map[string]any{"x": int8(1), "name": "alice", "tags": []any{"a", "b"}}

	line := must(EncodeRecord("id1", "rev1", doc))

	id, rev, got := must3(DecodeRecord(line[:len(line)-1])) // strip trailing \n
	deepEq(t, id, "id1")
	deepEq(t, rev, "rev1")
	deepEq(t, got["name"], "alice")
}

func TestEncodeRecord_noEmbeddedNewline(t *testing.T) {
	doc := map[string]any{"note": "line one\nline two\n\nline three"}
	line := must(EncodeRecord("id1", "rev1", doc))
	for i, b := range line {
		if b == '\n' && i != len(line)-1 {
			t.Fatalf("embedded newline at offset %d in encoded record", i)
		}
	}
}

func TestDecodeDocument_empty(t *testing.T) {
	doc := must(DecodeDocument(""))
	if doc != nil {
		t.Fatalf("got %v, want nil", doc)
	}
}

func TestNewRevision_distinctAndNonEmpty(t *testing.T) {
	a := must(NewRevision())
	b := must(NewRevision())
	if a == "" || b == "" {
		t.Fatalf("revision must not be empty")
	}
	if a == b {
		t.Fatalf("two calls produced the same revision: %q", a)
	}
}

func TestDocumentRoundTrip_nestedTypes(t *testing.T) {
	doc := map[string]any{
		"obj":  map[string]any{"nested": true},
		"num":  float64(3.5),
		"list": []any{float64(1), float64(2), float64(3)},
	}
	s := must(EncodeDocument(doc))
	got := must(DecodeDocument(s))
	deepEq(t, got["obj"], doc["obj"])
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func must3[A, B, C any](a A, b B, c C, err error) (A, B, C) {
	if err != nil {
		panic(err)
	}
	return a, b, c
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}
