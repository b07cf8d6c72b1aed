package forkchain

import (
	"context"
	"encoding/json"
	"testing"

	"forkchain/blockbuilder"
	"forkchain/cachedb"
	"forkchain/inherent"
	"forkchain/internal/testutil"
	"forkchain/remotestate"
)

type fakeClient struct {
	hashesByNumber map[uint32][]byte
	headersByHash  map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{hashesByNumber: map[uint32][]byte{}, headersByHash: map[string][]byte{}}
}

func (f *fakeClient) ChainGetBlockHash(ctx context.Context, number uint32) ([]byte, bool, error) {
	h, ok := f.hashesByNumber[number]
	return h, ok, nil
}
func (f *fakeClient) ChainGetHeader(ctx context.Context, hash []byte) ([]byte, bool, error) {
	h, ok := f.headersByHash[string(hash)]
	return h, ok, nil
}
func (f *fakeClient) ChainGetBlock(ctx context.Context, hash []byte) ([]byte, [][]byte, bool, error) {
	return nil, nil, false, nil
}
func (f *fakeClient) StateGetStorage(ctx context.Context, key []byte, hash []byte) (bool, []byte, error) {
	return false, nil, nil
}
func (f *fakeClient) StateQueryStorageAt(ctx context.Context, keys [][]byte, hash []byte) ([]remotestate.StorageResult, error) {
	out := make([]remotestate.StorageResult, len(keys))
	for i, k := range keys {
		out[i] = remotestate.StorageResult{Key: k}
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

func newTestChain(t *testing.T) (*Chain, *fakeClient) {
	t.Helper()
	sandbox, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sandbox.Cleanup() })

	cache, err := cachedb.Open(sandbox.Path("cache"))
	if err != nil {
		t.Fatalf("cachedb.Open: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	client := newFakeClient()
	forkHash := make([]byte, 32)
	forkHash[0] = 0xAB

	chain := New(Config{
		Cache:           cache,
		Client:          client,
		ForkBlockHash:   forkHash,
		ForkBlockNumber: 100,
		ForkBlockHeader: []byte("fork-header"),
		RuntimeBytes:    []byte("not a real wasm module"),
		Providers:       func(uint32) []inherent.Provider { return nil },
		HeaderMaker:     func(parent *blockbuilder.Block) []byte { return nil },
		PoolCapacity:    0,
	})
	return chain, client
}

func TestHeadIsForkPointBeforeAnyBuild(t *testing.T) {
	chain, _ := newTestChain(t)
	if chain.HeadNumber() != 100 {
		t.Fatalf("expected head number 100, got %d", chain.HeadNumber())
	}
}

func TestBlockHashAtForkPoint(t *testing.T) {
	chain, _ := newTestChain(t)
	hash, found, err := chain.BlockHashAt(context.Background(), 100)
	if err != nil {
		t.Fatalf("BlockHashAt: %v", err)
	}
	if !found {
		t.Fatalf("expected the fork point's own hash to resolve locally")
	}
	if hash != chain.Head().Hash {
		t.Fatalf("expected fork point hash to match head hash")
	}
}

func TestBlockHashAtFallsThroughToRemoteForPreForkNumbers(t *testing.T) {
	chain, client := newTestChain(t)
	want := make([]byte, 32)
	want[1] = 0xCD
	client.hashesByNumber[50] = want

	hash, found, err := chain.BlockHashAt(context.Background(), 50)
	if err != nil {
		t.Fatalf("BlockHashAt: %v", err)
	}
	if !found {
		t.Fatalf("expected a remote hit for a pre-fork block number")
	}
	if hash[1] != 0xCD {
		t.Fatalf("expected the remote-resolved hash, got %x", hash)
	}
}

func TestBlockHashAtUnknownFutureNumber(t *testing.T) {
	chain, _ := newTestChain(t)
	_, found, err := chain.BlockHashAt(context.Background(), 999_999_999)
	if err != nil {
		t.Fatalf("BlockHashAt: %v", err)
	}
	if found {
		t.Fatalf("expected an unbuilt future block number not to resolve")
	}
}

func TestCallAtBlockUnknownHashReturnsNotFound(t *testing.T) {
	chain, _ := newTestChain(t)
	_, found, err := chain.CallAtBlock(context.Background(), []byte("unknown-hash"), "Core_initialize_block", nil)
	if err != nil {
		t.Fatalf("CallAtBlock: %v", err)
	}
	if found {
		t.Fatalf("expected an unknown block hash not to be found")
	}
}

func TestSetStorageForTestingRoundTrip(t *testing.T) {
	chain, _ := newTestChain(t)
	chain.SetStorageForTesting([]byte("kx"), true, []byte("v1"))

	item, err := chain.Storage(context.Background(), []byte("kx"))
	if err != nil {
		t.Fatalf("Storage: %v", err)
	}
	if !item.Present || string(item.Value) != "v1" {
		t.Fatalf("expected kx=v1, got present=%v value=%s", item.Present, item.Value)
	}
}
