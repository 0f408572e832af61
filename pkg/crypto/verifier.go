package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Verifier checks Ed25519 signatures against a fixed public key.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// Ed25519Verifier implements Verifier.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a verifier from raw public key bytes.
func NewEd25519Verifier(pub []byte) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pub)}, nil
}

// Verify reports whether signature is a valid Ed25519 signature of message.
// ed25519.Verify is constant time in the signature comparison and takes no
// locks; callers must not hold shared locks across it.
func (v *Ed25519Verifier) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey, message, signature)
}

// Verify is a convenience for one-shot verification against raw key bytes.
func Verify(pub, message, signature []byte) (bool, error) {
	v, err := NewEd25519Verifier(pub)
	if err != nil {
		return false, err
	}
	return v.Verify(message, signature), nil
}
