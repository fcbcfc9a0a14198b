package session

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-character hex session identifier backed by 16 bytes of
// crypto-random entropy. The ID doubles as the client's public user ID on the
// wire, so it must be unguessable.
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
