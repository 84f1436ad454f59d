// Package passcode generates and verifies one-time claim passcodes.
package passcode

import (
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// MaxAttempts bounds failed passcode comparisons per delivery record. Once
// reached, further claim attempts are rejected regardless of correctness.
const MaxAttempts = 5

// Length is the number of passcode digits.
const Length = 6

var codeSpace = big.NewInt(1_000_000)

// Generate returns a uniformly distributed 6-digit numeric code from a
// cryptographically secure random source.
func Generate() (string, error) {
	n, err := crand.Int(crand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("read passcode randomness: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Hash returns the hex-encoded SHA-256 digest of a passcode. Plaintext codes
// are never stored or compared.
func Hash(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}

// Verify reports whether code matches the stored digest. The comparison is
// constant-time over the digests.
func Verify(code, storedDigest string) bool {
	computed := Hash(code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedDigest)) == 1
}
