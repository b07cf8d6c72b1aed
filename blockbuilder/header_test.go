package blockbuilder

import "testing"

func TestDetectConsensusType(t *testing.T) {
	cases := []struct {
		name     string
		metadata []byte
		want     ConsensusType
	}{
		{"aura", []byte("...PalletAuraStuff..."), ConsensusAura},
		{"babe", []byte("...PalletBabeStuff..."), ConsensusBabe},
		{"neither", []byte("...PalletBalancesStuff..."), ConsensusUnknown},
		{"prefers aura when both present", []byte("Aura and Babe both mentioned"), ConsensusAura},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectConsensusType(tc.metadata); got != tc.want {
				t.Fatalf("DetectConsensusType(%q) = %v, want %v", tc.metadata, got, tc.want)
			}
		})
	}
}

func TestCalculateNextSlot(t *testing.T) {
	if got := CalculateNextSlot(12000, 6000); got != 2 {
		t.Fatalf("expected slot 2, got %d", got)
	}
	if got := CalculateNextSlot(100, 0); got != 0 {
		t.Fatalf("expected 0 when slot duration is 0, got %d", got)
	}
}

func TestCreateNextHeaderWithSlotInjectsAuraDigest(t *testing.T) {
	parent := &Block{Number: 5, Hash: [32]byte{9}}
	header := CreateNextHeaderWithSlot(parent, []byte("has an Aura pallet"), 7)

	plain := CreateNextHeader(parent)
	if len(header) <= len(plain) {
		t.Fatalf("expected the Aura digest to add bytes to the header, got %d <= %d", len(header), len(plain))
	}
}

func TestCreateNextHeaderWithSlotInjectsBabeDigest(t *testing.T) {
	parent := &Block{Number: 5, Hash: [32]byte{9}}
	header := CreateNextHeaderWithSlot(parent, []byte("has a Babe pallet"), 7)

	plain := CreateNextHeader(parent)
	if len(header) <= len(plain) {
		t.Fatalf("expected the Babe digest to add bytes to the header, got %d <= %d", len(header), len(plain))
	}
}

func TestCreateNextHeaderWithSlotNoInjectionForUnknownConsensus(t *testing.T) {
	parent := &Block{Number: 5, Hash: [32]byte{9}}
	header := CreateNextHeaderWithSlot(parent, []byte("no recognizable consensus pallet"), 7)
	plain := CreateNextHeader(parent)

	if string(header) != string(plain) {
		t.Fatalf("expected no digest injection for unrecognized consensus metadata")
	}
}
