// Package chunk defines the fixed-size data unit the rest of the engine
// moves around, and the SHA-1 hash that names it.
package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Size is the fixed chunk size: 512 KiB.
const Size = 524288

// HashLen is the length of a chunk hash: SHA-1, 20 bytes.
const HashLen = 20

// MSS is the maximum DATA payload carried by one packet (1400 total - 12
// byte header).
const MSS = 1388

// NumPackets is the number of MSS-sized packets a full chunk splits into.
const NumPackets = (Size + MSS - 1) / MSS // 378

// Hash identifies a chunk by the SHA-1 of its bytes.
type Hash [HashLen]byte

// String renders the hash as lowercase hex, matching the chunkhash file
// format consumed at startup.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hex string (as found in a chunkhash file line) into
// a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse chunk hash %q: %w", s, err)
	}
	if len(b) != HashLen {
		return h, fmt.Errorf("parse chunk hash %q: want %d bytes, got %d", s, HashLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Of computes the SHA-1 hash of a chunk's bytes.
func Of(data []byte) Hash {
	sum := sha1.Sum(data)
	var h Hash
	copy(h[:], sum[:])
	return h
}

// Verify reports whether data hashes to h.
func Verify(h Hash, data []byte) bool {
	return Of(data) == h
}
