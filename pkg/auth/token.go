// Package auth issues and validates the HMAC-signed session grants handed
// out after a successful admission handshake, and carries the resulting
// Principal through request contexts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegnix/abi/pkg/session"
)

// Validation failures are collapsed into three classes so handlers can map
// them to status codes without inspecting jwt internals.
var (
	ErrExpired      = errors.New("auth: grant expired")
	ErrBadSignature = errors.New("auth: grant signature invalid")
	ErrMalformed    = errors.New("auth: grant malformed")
)

// Claims is the session grant payload.
type Claims struct {
	jwt.RegisteredClaims
	Roles   []string `json:"roles"`
	Profile string   `json:"profile"`
}

// Issuer mints session grants.
type Issuer struct {
	secret   []byte
	profiles *session.Profiles
	now      func() time.Time
}

// NewIssuer builds an issuer from the shared session secret. Grant
// lifetime comes from the resolved profile.
func NewIssuer(secret []byte, profiles *session.Profiles) *Issuer {
	return &Issuer{secret: secret, profiles: profiles, now: time.Now}
}

// Issue mints a grant for aeID with the given roles and profile. The
// profile must resolve; an unknown name is refused rather than silently
// defaulted.
func (i *Issuer) Issue(aeID string, roles []string, profile string) (string, time.Time, error) {
	prof, err := i.profiles.Resolve(profile)
	if err != nil {
		return "", time.Time{}, err
	}

	issued := i.now().UTC()
	expires := issued.Add(prof.SessionTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   aeID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Roles:   roles,
		Profile: prof.Name,
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign grant: %w", err)
	}
	return tok, expires, nil
}

// Validator checks session grants.
type Validator struct {
	secret []byte
}

// NewValidator builds a validator sharing the issuer's secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{secret: secret}
}

// Validate parses tokenStr and returns its claims. Failures are one of
// ErrExpired, ErrBadSignature, or ErrMalformed.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	case !token.Valid || claims.Subject == "":
		return nil, ErrMalformed
	}
	return claims, nil
}
