// ABOUTME: Content hashing for idempotency checks
// ABOUTME: Deterministic digest of mapped property values, independent of map order
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash computes a deterministic digest of a mapped payload. Equal
// payloads always hash equal regardless of key order, so an echoed or
// redelivered event with unchanged values is detectable without a remote
// call.
func ContentHash(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
