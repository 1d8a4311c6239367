package policy

import "crypto/sha256"

// chainhashSHA256 returns the single SHA256 digest of b, as used for the
// P2WSH witness-program hash.
func chainhashSHA256(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
