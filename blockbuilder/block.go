package blockbuilder

// Block is a single built block: either a fork point (number and hash
// from remote, storage freshly initialized) or a child block derived
// from a parent via Builder. Equality is by Hash; a Block is never
// mutated after Finalize produces it (spec §3).
type Block struct {
	Number     uint32
	Hash       [32]byte
	ParentHash [32]byte
	Header     []byte
	Body       [][]byte
	Parent     *Block
}
