package remotestate

import (
	"context"
	"encoding/json"
	"testing"

	"forkchain/cachedb"
	"forkchain/internal/testutil"
)

type fakeClient struct {
	storage map[string][]byte
	calls   int
}

func (f *fakeClient) ChainGetBlockHash(ctx context.Context, number uint32) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeClient) ChainGetHeader(ctx context.Context, hash []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeClient) ChainGetBlock(ctx context.Context, hash []byte) ([]byte, [][]byte, bool, error) {
	return nil, nil, false, nil
}
func (f *fakeClient) StateGetStorage(ctx context.Context, key []byte, hash []byte) (bool, []byte, error) {
	f.calls++
	v, ok := f.storage[string(key)]
	return ok, v, nil
}
func (f *fakeClient) StateQueryStorageAt(ctx context.Context, keys [][]byte, hash []byte) ([]StorageResult, error) {
	f.calls++
	out := make([]StorageResult, 0, len(keys))
	for _, k := range keys {
		v, ok := f.storage[string(k)]
		out = append(out, StorageResult{Key: k, Present: ok, Value: v})
	}
	return out, nil
}
func (f *fakeClient) StateGetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, hash []byte) ([][]byte, error) {
	return nil, nil
}
func (f *fakeClient) StateGetRuntimeVersion(ctx context.Context, hash []byte) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeClient) StateGetMetadata(ctx context.Context, hash []byte) ([]byte, error) { return nil, nil }
func (f *fakeClient) Close() error                                                      { return nil }

func newTestLayer(t *testing.T) (*Layer, *fakeClient, func()) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	store, err := cachedb.Open(sb.Path("cache"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	fc := &fakeClient{storage: map[string][]byte{"kx": []byte("remote-v")}}
	layer := NewLayer(store, fc, []byte{0xaa})
	return layer, fc, func() {
		store.Close()
		sb.Cleanup()
	}
}

func TestGetCachesAfterFirstFetch(t *testing.T) {
	layer, fc, cleanup := newTestLayer(t)
	defer cleanup()

	v, err := layer.Get(context.Background(), 10, []byte("kx"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.Present || string(v.Value) != "remote-v" {
		t.Fatalf("unexpected value: %+v", v)
	}
	if fc.calls != 1 {
		t.Fatalf("expected 1 rpc call, got %d", fc.calls)
	}

	if _, err := layer.Get(context.Background(), 10, []byte("kx")); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected cache hit to avoid a second rpc call, got %d calls", fc.calls)
	}

	stats := layer.StatsSnapshot()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetBatchCoalescesMisses(t *testing.T) {
	layer, fc, cleanup := newTestLayer(t)
	defer cleanup()

	results, err := layer.GetBatch(context.Background(), 10, [][]byte{[]byte("kx"), []byte("missing")})
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Present || string(results[0].Value) != "remote-v" {
		t.Fatalf("unexpected result[0]: %+v", results[0])
	}
	if results[1].Present {
		t.Fatalf("unexpected result[1]: %+v", results[1])
	}
	if fc.calls != 1 {
		t.Fatalf("expected a single coalesced rpc call, got %d", fc.calls)
	}
}
