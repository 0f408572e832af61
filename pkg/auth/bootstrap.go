package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const bootstrapTokenSize = 32

// DeriveBootstrapToken derives the operator bootstrap token from the
// session secret. It lets an operator reach the admin surface before any
// keyring entry carries the admin role, without a second configured
// secret. The derivation is deterministic so the operator can compute it
// offline from the same secret.
func DeriveBootstrapToken(secret []byte) (string, error) {
	r := hkdf.New(sha256.New, secret, []byte("abi-admin-bootstrap"), []byte("admin-token-v1"))
	raw := make([]byte, bootstrapTokenSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", fmt.Errorf("auth: derive bootstrap token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// CheckBootstrapToken compares candidate against the derived token in
// constant time.
func CheckBootstrapToken(secret []byte, candidate string) bool {
	want, err := DeriveBootstrapToken(secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(candidate))
}
