package configsvc

import (
	"crypto/sha256"
	"encoding/hex"
)

// computeETag returns the lowercase hex SHA-256 digest of raw config bytes
// (spec §4.D, §8 "ETag sensitivity": etag(B) = etag(B') ⇒ B = B').
func computeETag(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
