package blockbuilder

import (
	"bytes"
	"encoding/binary"
)

// DigestItemKind mirrors the four digest-item variants a Substrate-style
// header carries (original_source/crates/pop-fork/src/builder.rs
// DigestItem).
type DigestItemKind byte

const (
	DigestItemOther      DigestItemKind = 0
	DigestItemConsensus  DigestItemKind = 4
	DigestItemSeal       DigestItemKind = 5
	DigestItemPreRuntime DigestItemKind = 6
)

// Well-known 4-byte consensus engine IDs.
var (
	ConsensusEngineAura     = [4]byte{'a', 'u', 'r', 'a'}
	ConsensusEngineBabe     = [4]byte{'B', 'A', 'B', 'E'}
	ConsensusEngineGrandpa  = [4]byte{'F', 'R', 'N', 'K'}
)

// DigestItem is one entry of a header's digest log.
type DigestItem struct {
	Kind     DigestItemKind
	EngineID [4]byte
	Data     []byte
}

// Header is the pre-finalization header this engine builds for the
// runtime's Core_initialize_block entry point. Its encoding is this
// engine's own opaque convention (spec §6 treats header/extrinsic
// encoding as opaque SCALE bytes the runtime understands; this engine
// stands in for that runtime).
type Header struct {
	ParentHash [32]byte
	Number     uint32
	Digest     []DigestItem
}

func writeCompactInt(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

// Encode serializes h into the byte form passed to Core_initialize_block.
func Encode(h Header) []byte {
	var buf bytes.Buffer
	buf.Write(h.ParentHash[:])
	var numBuf [4]byte
	binary.LittleEndian.PutUint32(numBuf[:], h.Number)
	buf.Write(numBuf[:])
	writeCompactInt(&buf, len(h.Digest))
	for _, d := range h.Digest {
		buf.WriteByte(byte(d.Kind))
		buf.Write(d.EngineID[:])
		writeCompactInt(&buf, len(d.Data))
		buf.Write(d.Data)
	}
	return buf.Bytes()
}

// ConsensusType is the chain-type auto-detection result used to pick
// which digest item a next header's PreRuntime slot goes under.
type ConsensusType int

const (
	ConsensusUnknown ConsensusType = iota
	ConsensusAura
	ConsensusBabe
)

// DetectConsensusType inspects a runtime metadata bundle for the
// presence of an Aura or Babe pallet. Metadata decoding is out of scope
// (spec §6 treats SCALE as opaque); this looks for the pallet names as
// byte substrings, which is how the metadata bundle's string table
// always carries them regardless of encoding version.
func DetectConsensusType(metadata []byte) ConsensusType {
	if bytes.Contains(metadata, []byte("Aura")) {
		return ConsensusAura
	}
	if bytes.Contains(metadata, []byte("Babe")) {
		return ConsensusBabe
	}
	return ConsensusUnknown
}

// CalculateNextSlot derives the slot number a timestamp falls into.
func CalculateNextSlot(timestampMs, slotDurationMs uint64) uint64 {
	if slotDurationMs == 0 {
		return 0
	}
	return timestampMs / slotDurationMs
}

func encodeAuraSlot(slot uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, slot)
	return b
}

func encodeBabePredigest(slot uint64) []byte {
	// tag 1 == primary pre-digest, matching the source's encoding shape.
	out := make([]byte, 9)
	out[0] = 1
	binary.LittleEndian.PutUint64(out[1:], slot)
	return out
}

// CreateNextHeader builds the unsealed header bytes for the block after
// parent, with no consensus pre-digest (used when consensus type cannot
// be determined, or for chains without slot-based consensus).
func CreateNextHeader(parent *Block) []byte {
	return Encode(Header{ParentHash: parent.Hash, Number: parent.Number + 1})
}

// CreateNextHeaderWithSlot builds the unsealed header for the block
// after parent, auto-detecting Aura/Babe consensus from metadata and
// injecting the corresponding PreRuntime digest item for slot. Unknown
// consensus types fall back to no injection (supplemented feature,
// SPEC_FULL.md §4 item 1).
func CreateNextHeaderWithSlot(parent *Block, metadata []byte, slot uint64) []byte {
	h := Header{ParentHash: parent.Hash, Number: parent.Number + 1}
	switch DetectConsensusType(metadata) {
	case ConsensusAura:
		h.Digest = append(h.Digest, DigestItem{Kind: DigestItemPreRuntime, EngineID: ConsensusEngineAura, Data: encodeAuraSlot(slot)})
	case ConsensusBabe:
		h.Digest = append(h.Digest, DigestItem{Kind: DigestItemPreRuntime, EngineID: ConsensusEngineBabe, Data: encodeBabePredigest(slot)})
	}
	return Encode(h)
}
