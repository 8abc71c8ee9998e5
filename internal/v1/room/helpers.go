package room

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// hashInviteCode normalizes an invite code to its hex-encoded SHA-256 digest.
// Rooms store only the digest, never the code.
func hashInviteCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a submitted code against a stored digest in constant
// time. An empty stored digest means no code is required.
func codeMatches(storedHash, submitted string) bool {
	if storedHash == "" {
		return true
	}
	got := hashInviteCode(submitted)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(got)) == 1
}
