// Package auth implements bearer token issuance/verification and the
// login-failure rate limiter guarding them.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// TokenPrefix is prepended to every issued token so tokens are visually
// distinguishable from other secrets in logs and configuration.
const TokenPrefix = "noid_"

// tokenRandomBytes is the amount of entropy in a generated token, before hex
// encoding and prefixing.
const tokenRandomBytes = 32

// GenerateToken returns a new random bearer token and the hash that should
// be persisted for later verification. The raw token is returned exactly
// once and is never recoverable from the stored hash.
func GenerateToken() (token, hash string, err error) {
	b := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("auth: generate token: %w", err)
	}
	token = TokenPrefix + hex.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashToken returns the stable, non-reversible digest of a token that is
// safe to store at rest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to storedHash, using a
// constant-time comparison of the digests to avoid timing side channels.
func VerifyToken(token, storedHash string) bool {
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

// BucketKey returns the rate-limiter bucket identity for a presented token:
// the first 16 hex characters following the token prefix. Using a prefix of
// the token (rather than the full token or its hash) means a rate limit
// bucket can be charged before the token has been looked up against the
// record store, so repeated guesses against a single prefix are throttled
// even when every guess is otherwise distinct.
func BucketKey(token string) string {
	rest := token
	if len(rest) > len(TokenPrefix) && rest[:len(TokenPrefix)] == TokenPrefix {
		rest = rest[len(TokenPrefix):]
	}
	if len(rest) > 16 {
		rest = rest[:16]
	}
	return rest
}
