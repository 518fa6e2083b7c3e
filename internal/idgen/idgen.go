// Package idgen provides cryptographically random identifier generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// EscrowID returns a fresh 16-byte escrow identifier, hex encoded.
func EscrowID() string {
	return Hex(16)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
