package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SearchHash returns a deterministic keyed hash of a field value, used as
// the equality-search companion of an encrypted field. Keying the hash with
// the derived field key keeps the digest useless without vault access.
func SearchHash(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// SearchHashMatches compares a stored search hash against a candidate value
// in constant time.
func SearchHashMatches(key []byte, value, storedHash string) bool {
	computed := SearchHash(key, value)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
