// Package hashutil centralizes the engine's one hash convention:
// 32-byte blake2_256, used for block hashing and archive RPC storage
// hash responses alike (spec §6).
package hashutil

import "golang.org/x/crypto/blake2b"

// Blake2_256 returns the 32-byte blake2b digest of data.
func Blake2_256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// HexLower renders a 32-byte hash as a 0x-prefixed lowercase hex string.
func HexLower(h [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2+64)
	out[0], out[1] = '0', 'x'
	for i, b := range h {
		out[2+i*2] = hexDigits[b>>4]
		out[2+i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}
