// Package secure implements the relay envelope cipher: key normalization and
// AES-256-GCM sealing of raw bytes and JSON values.
package secure

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeySize is the size of the AES-256 key in bytes.
const KeySize = 32

var keyNoise = strings.NewReplacer("\x00", "", "\r", "", "\n", "")

// NormalizeKey turns an operator supplied secret into a 32 byte key.
//
// Surrounding whitespace and embedded NUL, CR and LF characters are removed
// first. A secret that is exactly 32 bytes of hex is used as-is, anything else
// is hashed with SHA-256.
func NormalizeKey(secret string) []byte {
	normalized := normalizeSecret(secret)

	if raw, err := hex.DecodeString(normalized); err == nil && len(raw) == KeySize {
		return raw
	}

	sum := sha256.Sum256([]byte(normalized))
	return sum[:]
}

// IsHexKey reports whether the secret is used verbatim rather than hashed.
func IsHexKey(secret string) bool {
	raw, err := hex.DecodeString(normalizeSecret(secret))
	return err == nil && len(raw) == KeySize
}

func normalizeSecret(secret string) string {
	return keyNoise.Replace(strings.TrimSpace(secret))
}
