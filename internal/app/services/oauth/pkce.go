package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// verifierLength sits inside the 43..128 range RFC 7636 allows.
const verifierLength = 64

// verifierCharset is the unreserved character set RFC 7636 allows.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// newCodeVerifier produces a random PKCE code verifier.
func newCodeVerifier() (string, error) {
	buf := make([]byte, verifierLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	for i, b := range buf {
		buf[i] = verifierCharset[int(b)%len(verifierCharset)]
	}
	return string(buf), nil
}

// challengeS256 derives the S256 code challenge: base64url without padding of
// the verifier's SHA-256.
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newState produces a random state value, hex so it survives any redirect
// encoding untouched.
func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashState derives the storage key for a state value. Only the hash is
// persisted; the clear value lives in the authorization URL alone.
func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}
