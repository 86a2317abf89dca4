// Package guuid provides a Go-native Unique Universal Identifier implementation
// optimized for the Quantum protocol's connection tracking and distributed tracing needs.
package guuid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GUUID represents a 16-byte globally unique identifier.
// Containers and mediator rendezvous pairs use it to correlate their
// log lines; it is never sent on the wire.
type GUUID [16]byte

// New generates a new GUUID using crypto/rand for high entropy
func New() (GUUID, error) {
	var g GUUID
	_, err := rand.Read(g[:])
	if err != nil {
		return GUUID{}, fmt.Errorf("failed to generate GUUID: %w", err)
	}
	return g, nil
}

// String returns the string representation of the GUUID
func (g GUUID) String() string {
	return hex.EncodeToString(g[:])
}

// Zero returns a zero-valued GUUID
func Zero() GUUID {
	return GUUID{}
}
