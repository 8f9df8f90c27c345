package arbiter

import (
	"crypto/rand"
	"fmt"
)

const (
	tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	tokenLength   = 9
)

// NewSessionToken returns a 9-character lowercase base36 token.
// Tokens are opaque compare-and-swap values: equality comparison only,
// no embedded structure.
func NewSessionToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(b), nil
}
