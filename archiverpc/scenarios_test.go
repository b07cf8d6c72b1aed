package archiverpc

import (
	"testing"

	"forkchain/forkchain"
)

// E6: storageDiff classifies exactly one Added, one Modified, and one
// Deleted item across four candidate keys, and omits the unchanged one
// entirely. diffItemFor is exercised directly with the before/after
// pairs the scenario describes, since producing two real, hash-
// addressable blocks to drive this through the full RPC envelope would
// require a compiled WASM runtime this harness does not have.
func TestScenarioE6StorageDiffKinds(t *testing.T) {
	before := map[string]forkchain.StorageItem{
		"k_mod":  {Present: true, Value: []byte("before")},
		"k_del":  {Present: true, Value: []byte("gone-soon")},
		"k_same": {Present: true, Value: []byte("steady")},
		"k_add":  {Present: false},
	}
	after := map[string]forkchain.StorageItem{
		"k_mod":  {Present: true, Value: []byte("after")},
		"k_del":  {Present: false},
		"k_same": {Present: true, Value: []byte("steady")},
		"k_add":  {Present: true, Value: []byte("new")},
	}

	var results []storageDiffItemResult
	for _, key := range []string{"k_add", "k_mod", "k_del", "k_same"} {
		item, ok := diffItemFor(key, "value", before[key], after[key])
		if ok {
			results = append(results, item)
		}
	}

	if len(results) != 3 {
		t.Fatalf("expected exactly three diff items, got %d: %+v", len(results), results)
	}

	byKey := make(map[string]storageDiffItemResult, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}

	if _, present := byKey["k_same"]; present {
		t.Fatalf("expected k_same to be absent from the diff")
	}
	if r, ok := byKey["k_add"]; !ok || r.DiffType != "Added" {
		t.Fatalf("expected k_add tagged Added, got %+v", r)
	}
	if r, ok := byKey["k_mod"]; !ok || r.DiffType != "Modified" {
		t.Fatalf("expected k_mod tagged Modified, got %+v", r)
	}
	if r, ok := byKey["k_del"]; !ok || r.DiffType != "Deleted" {
		t.Fatalf("expected k_del tagged Deleted, got %+v", r)
	}
}
