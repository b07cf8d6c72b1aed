package blockbuilder

import (
	"context"
	"encoding/json"
	"testing"

	"forkchain/cachedb"
	"forkchain/internal/forkerr"
	"forkchain/localstate"
	"forkchain/remotestate"
	"forkchain/runtimeexec"
)

type noopClient struct{}

func (noopClient) ChainGetBlockHash(ctx context.Context, number uint32) ([]byte, bool, error) {
	return make([]byte, 32), true, nil
}
func (noopClient) ChainGetHeader(ctx context.Context, hash []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (noopClient) ChainGetBlock(ctx context.Context, hash []byte) ([]byte, [][]byte, bool, error) {
	return nil, nil, false, nil
}
func (noopClient) StateGetStorage(ctx context.Context, key []byte, hash []byte) (bool, []byte, error) {
	return false, nil, nil
}
func (noopClient) StateQueryStorageAt(ctx context.Context, keys [][]byte, hash []byte) ([]remotestate.StorageResult, error) {
	out := make([]remotestate.StorageResult, len(keys))
	for i, k := range keys {
		out[i] = remotestate.StorageResult{Key: k, Present: false}
	}
	return out, nil
}
func (noopClient) StateGetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, hash []byte) ([][]byte, error) {
	return nil, nil
}
func (noopClient) StateGetRuntimeVersion(ctx context.Context, hash []byte) (json.RawMessage, error) {
	return nil, nil
}
func (noopClient) StateGetMetadata(ctx context.Context, hash []byte) ([]byte, error) { return nil, nil }
func (noopClient) Close() error                                                      { return nil }

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	dir := t.TempDir()
	cache, err := cachedb.Open(dir)
	if err != nil {
		t.Fatalf("cachedb.Open: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	remote := remotestate.NewLayer(cache, noopClient{}, make([]byte, 32))
	storage := localstate.New(remote, cache, 0, 1, nil)
	parent := &Block{Number: 0, Hash: [32]byte{}, Header: []byte("genesis")}

	return New(parent, runtimeexec.New(), []byte("not a real wasm module"), remote, storage, CreateNextHeader(parent), nil, nil, true)
}

func TestInitializeRejectsInvalidRuntimeBytes(t *testing.T) {
	b := newTestBuilder(t)
	err := b.Initialize(context.Background())
	if err == nil {
		t.Fatalf("expected an error compiling the placeholder runtime bytes")
	}
	if b.Phase() != PhaseCreated {
		t.Fatalf("a failed Initialize must not advance the phase, got %s", b.Phase())
	}
}

func TestApplyInherentsRejectsBeforeInitialize(t *testing.T) {
	b := newTestBuilder(t)
	err := b.ApplyInherents(context.Background())
	if err == nil || !forkerr.Is(err, forkerr.KindPhaseError) {
		t.Fatalf("expected a PhaseError calling ApplyInherents before Initialize, got %v", err)
	}
}

func TestApplyExtrinsicRejectsBeforeInherents(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.ApplyExtrinsic(context.Background(), []byte("tx"))
	if err == nil || !forkerr.Is(err, forkerr.KindPhaseError) {
		t.Fatalf("expected a PhaseError calling ApplyExtrinsic before ApplyInherents, got %v", err)
	}
}

func TestFinalizeRejectsBeforeInherents(t *testing.T) {
	b := newTestBuilder(t)
	_, _, err := b.Finalize(context.Background())
	if err == nil || !forkerr.Is(err, forkerr.KindPhaseError) {
		t.Fatalf("expected a PhaseError calling Finalize before ApplyInherents, got %v", err)
	}
}

func TestDecodeApplyExtrinsicResult(t *testing.T) {
	cases := []struct {
		name                        string
		output                      []byte
		wantOuter, wantDispatch     bool
	}{
		{"empty", nil, false, false},
		{"invalid transaction", []byte{0x01}, false, false},
		{"dispatch success", []byte{0x00, 0x00}, true, true},
		{"dispatch failure", append([]byte{0x00, 0x01}, []byte("insufficient balance")...), true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outer, dispatch, _ := decodeApplyExtrinsicResult(tc.output)
			if outer != tc.wantOuter || dispatch != tc.wantDispatch {
				t.Fatalf("got (%v, %v), want (%v, %v)", outer, dispatch, tc.wantOuter, tc.wantDispatch)
			}
		})
	}
}
