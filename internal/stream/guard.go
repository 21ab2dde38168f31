package stream

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// MaxTokenLength is the longest token a Guard can issue (a full SHA-256 in hex).
const MaxTokenLength = sha256.Size * 2

// Guard issues and checks the per-object access tokens embedded in stream URLs.
//
// A token is the first length hex characters of SHA-256(uniqueID). It is a
// capability, not a credential: short lengths are easy to brute force and the
// length is left to configuration.
type Guard struct {
	length int
}

// NewGuard creates a guard issuing tokens of length hex characters.
func NewGuard(length int) (*Guard, error) {
	if length < 1 || length > MaxTokenLength {
		return nil, fmt.Errorf("token length must be between 1 and %d, got %d", MaxTokenLength, length)
	}
	return &Guard{length: length}, nil
}

// Length returns the token length in hex characters.
func (g *Guard) Length() int {
	return g.length
}

// Token computes the token for uniqueID.
func (g *Guard) Token(uniqueID string) string {
	sum := sha256.Sum256([]byte(uniqueID))
	return hex.EncodeToString(sum[:])[:g.length]
}

// Verify returns ErrInvalidAccess unless token is the token for uniqueID.
func (g *Guard) Verify(uniqueID, token string) error {
	want := g.Token(uniqueID)
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return ErrInvalidAccess
	}
	return nil
}

// Pattern returns a regular expression fragment matching one token.
func (g *Guard) Pattern() string {
	return fmt.Sprintf("[0-9a-f]{%d}", g.length)
}
