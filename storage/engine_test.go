package storage

import (
	"path/filepath"
	"reflect"
	"testing"
)

func openTestEngine(t *testing.T, opt Options) *Engine {
	t.Helper()
	e := must(Open(t.TempDir(), opt))
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_writeGetRoundTrip(t *testing.T) {
	e := openTestEngine(t, Options{})

	ensure1(e.Write([]byte("a"), map[string]any{"name": "alice"}))

	doc, ok := must2(e.Get([]byte("a")))
	if !ok {
		t.Fatalf("expected a to be found")
	}
	deepEq(t, doc["name"], "alice")
}

func TestEngine_dirReportsOpenRoot(t *testing.T) {
	dir := t.TempDir()
	e := must(Open(dir, Options{}))
	defer e.Close()
	deepEq(t, e.Dir(), dir)
}

func TestEngine_overwriteLastWriterWins(t *testing.T) {
	e := openTestEngine(t, Options{})

	ensure1(e.Write([]byte("a"), map[string]any{"v": int8(1)}))
	ensure1(e.Write([]byte("a"), map[string]any{"v": int8(2)}))

	doc, ok := must2(e.Get([]byte("a")))
	if !ok {
		t.Fatalf("expected a to be found")
	}
	deepEq[any](t, doc["v"], int8(2))
}

func TestEngine_deleteThenGetNotFound(t *testing.T) {
	e := openTestEngine(t, Options{})

	ensure1(e.Write([]byte("a"), map[string]any{"v": int8(1)}))
	ensure(e.Delete([]byte("a")))

	_, ok := must2(e.Get([]byte("a")))
	if ok {
		t.Fatalf("expected a to be gone after delete")
	}
}

func TestEngine_getMissingIsNotFoundNotError(t *testing.T) {
	e := openTestEngine(t, Options{})
	_, ok := must2(e.Get([]byte("nope")))
	if ok {
		t.Fatalf("expected missing id to report not found")
	}
}

func TestEngine_emptyIDRejected(t *testing.T) {
	e := openTestEngine(t, Options{})
	if _, err := e.Write([]byte(""), map[string]any{"v": int8(1)}); err != ErrEmptyID {
		t.Fatalf("Write: got %v, want ErrEmptyID", err)
	}
	if _, _, err := e.Get([]byte("")); err != ErrEmptyID {
		t.Fatalf("Get: got %v, want ErrEmptyID", err)
	}
	if err := e.Delete([]byte("")); err != ErrEmptyID {
		t.Fatalf("Delete: got %v, want ErrEmptyID", err)
	}
}

func TestEngine_oversizedRecordRejected(t *testing.T) {
	e := openTestEngine(t, Options{MaxRecordSize: 256})
	big := make([]byte, 1024)
	_, err := e.Write([]byte("a"), map[string]any{"pad": string(big)})
	if err != ErrRecordTooLarge {
		t.Fatalf("got %v, want ErrRecordTooLarge", err)
	}
}

func TestEngine_iterateSkipsDeletedAndDedupsOverwrites(t *testing.T) {
	e := openTestEngine(t, Options{})

	for _, id := range []string{"a", "b", "c"} {
		ensure1(e.Write([]byte(id), map[string]any{"id": id}))
	}
	ensure1(e.Write([]byte("a"), map[string]any{"id": "a", "v": int8(2)}))
	ensure(e.Delete([]byte("b")))

	deepEq(t, e.Len(), 2)

	seen := map[string]map[string]any{}
	for id, doc := range e.Iterate() {
		seen[string(id)] = doc
	}

	if len(seen) != 2 {
		t.Fatalf("got %d live docs, want 2: %v", len(seen), seen)
	}
	if _, ok := seen["b"]; ok {
		t.Fatalf("expected b to be excluded after delete")
	}
	deepEq[any](t, seen["a"]["v"], int8(2))
}

func TestEngine_cacheFIFOEviction(t *testing.T) {
	e := openTestEngine(t, Options{MaxCacheSize: 2})

	for _, id := range []string{"a", "b", "c"} {
		ensure1(e.Write([]byte(id), map[string]any{"id": id}))
	}
	deepEq(t, e.cache.len(), 2)
	if _, ok := e.cache.get("a"); ok {
		t.Fatalf("expected a to have been evicted")
	}
	if _, ok := e.cache.get("c"); !ok {
		t.Fatalf("expected c (most recent) to still be cached")
	}
}

func TestEngine_reopenSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	e1 := must(Open(dir, Options{}))
	ensure1(e1.Write([]byte("a"), map[string]any{"v": int8(1)}))
	ensure(e1.Close())

	e2 := must(Open(dir, Options{}))
	defer e2.Close()

	doc, ok := must2(e2.Get([]byte("a")))
	if !ok {
		t.Fatalf("expected a to survive restart")
	}
	deepEq[any](t, doc["v"], int8(1))
}

func TestEngine_bloomAdmissionRejectsMostMisses(t *testing.T) {
	e := openTestEngine(t, Options{})

	for i := 0; i < 500; i++ {
		id := []byte{byte(i), byte(i >> 8)}
		ensure1(e.Write(id, map[string]any{"i": i}))
	}

	falsePositives := 0
	for i := 500; i < 1500; i++ {
		id := []byte{byte(i), byte(i >> 8), 0xFF}
		if e.bloom.MightContain(id) {
			falsePositives++
		}
	}
	if falsePositives > 200 {
		t.Fatalf("got %d false positives out of 1000 misses, want well under bound", falsePositives)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		panic(err)
	}
	return a, b
}

// ensure1 discards Write's offset return and panics on error, the way
// ensure does for operations that report no value worth keeping.
func ensure1[T any](_ T, err error) {
	if err != nil {
		panic(err)
	}
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
