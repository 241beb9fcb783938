package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of a bearer token. Tokens are stored and
// looked up only in this form; the raw token exists solely in the response
// that delivered it to the agent.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecretDigest returns a stable reference to a secret value for audit
// records, prefixed so readers can tell it apart from the value itself.
func SecretDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// ConstantTimeEqual compares two strings without leaking a length-dependent
// early exit on the matching prefix.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
