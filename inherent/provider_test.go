package inherent

import (
	"context"
	"testing"
)

type fakeParentState struct {
	values map[string][]byte
	number uint32
}

func (f *fakeParentState) Get(ctx context.Context, block uint32, key []byte) (bool, []byte, error) {
	v, ok := f.values[string(key)]
	return ok, v, nil
}
func (f *fakeParentState) CurrentBlockNumber() uint32 { return f.number }

func TestTimestampProviderAdvancesBySlotDuration(t *testing.T) {
	parent := &fakeParentState{values: map[string][]byte{string(TimestampNowKey): encodeU64LE(1000)}, number: 5}
	p := &TimestampProvider{Kind: ChainKindRelay}

	extrinsics, err := p.Provide(context.Background(), parent)
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}
	if len(extrinsics) != 1 {
		t.Fatalf("expected exactly one inherent extrinsic, got %d", len(extrinsics))
	}
	got := decodeU64LE(extrinsics[0][1:])
	if got != 1000+RelaySlotDurationMs {
		t.Fatalf("expected timestamp %d, got %d", 1000+RelaySlotDurationMs, got)
	}
}

func TestTimestampProviderRuntimeOverride(t *testing.T) {
	override := uint64(12000)
	parent := &fakeParentState{values: map[string][]byte{}, number: 1}
	p := &TimestampProvider{Kind: ChainKindParachain, RuntimeSlotDurationMs: &override}

	extrinsics, err := p.Provide(context.Background(), parent)
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}
	got := decodeU64LE(extrinsics[0][1:])
	if got != override {
		t.Fatalf("expected timestamp %d honoring runtime override, got %d", override, got)
	}
}

func TestRelayIncludedProviderWritesDirectly(t *testing.T) {
	p := &RelayIncludedProvider{}
	extrinsics, err := p.Provide(context.Background(), &fakeParentState{})
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}
	if len(extrinsics) != 0 {
		t.Fatalf("expected no extrinsics from the relay included marker, got %d", len(extrinsics))
	}

	var written []byte
	var wrote bool
	writer := fakeStorageWriter{setFn: func(key []byte, present bool, value []byte) {
		wrote = present
		written = key
	}}
	if err := p.ApplyDirect(context.Background(), writer); err != nil {
		t.Fatalf("ApplyDirect: %v", err)
	}
	if !wrote {
		t.Fatalf("expected the included marker to be written present")
	}
	if string(written) != string(ParaInherentIncludedKey) {
		t.Fatalf("unexpected key written: %s", written)
	}
}

type fakeStorageWriter struct {
	setFn func(key []byte, present bool, value []byte)
}

func (f fakeStorageWriter) Set(key []byte, present bool, value []byte) { f.setFn(key, present, value) }

func TestParachainValidationDataProviderPatchesSlot(t *testing.T) {
	p := &ParachainValidationDataProvider{
		RelayRootHash:   [32]byte{1},
		RelayProofNodes: nil,
		NextSlot:        42,
	}
	extrinsics, err := p.Provide(context.Background(), &fakeParentState{})
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}
	if len(extrinsics) != 1 {
		t.Fatalf("expected exactly one inherent extrinsic, got %d", len(extrinsics))
	}
	if extrinsics[0][0] != callTagSetValidationData {
		t.Fatalf("expected set_validation_data call tag")
	}
}
