// Hash algorithm implementations.
//
// Hashing serves two internal purposes: selecting a stripe in the
// per-document lock table, and digesting normalized index keys that exceed
// the inline size cap. Three algorithms are supported, selectable via
// Config.HashAlgorithm.
package docudb

import (
	"fmt"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgFNV1a   = 2 // No external dependencies
	AlgBlake2b = 3 // Best distribution
)

// hashKey maps a string to a 64-bit value using the selected algorithm.
func hashKey(s string, alg int) uint64 {
	switch alg {
	case AlgXXHash3:
		return xxh3.HashString(s)
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write([]byte(s))
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write([]byte(s))
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum[:8] {
			v = v<<8 | uint64(b)
		}
		return v
	default:
		return xxh3.HashString(s)
	}
}

// digest renders the 64-bit hash of s as 16 hex characters.
func digest(s string, alg int) string {
	return fmt.Sprintf("%016x", hashKey(s, alg))
}
