// Package checksum provides the content-addressing hash used for
// version deduplication. The contract is deterministic and
// collision-resistant; the specific algorithm is not load-bearing.
package checksum

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Sum returns the hex-encoded BLAKE2b-256 digest of data.
func Sum(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}
