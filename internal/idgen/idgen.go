// Package idgen mints opaque record IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randHex returns n random bytes hex-encoded. crypto/rand failing means
// the process has no usable entropy source, which is not recoverable.
func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix mints an ID like "esc_3f9c..." with 12 random bytes after the
// prefix. Prefixes in use: esc_, prj_, ntf_.
func WithPrefix(prefix string) string {
	return prefix + randHex(12)
}

// Hex mints a bare random hex string of numBytes bytes, used for request
// IDs and other short-lived correlation tokens.
func Hex(numBytes int) string {
	return randHex(numBytes)
}
