package auth

import "context"

// RoleAdmin gates the /admin surface.
const RoleAdmin = "admin"

// Principal is the authenticated identity attached to a request.
type Principal struct {
	AEID    string
	Roles   []string
	Profile string
	// Bootstrap marks the operator identity authenticated by the derived
	// bootstrap token rather than a session grant.
	Bootstrap bool
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal may use the admin surface.
func (p *Principal) IsAdmin() bool {
	return p.Bootstrap || p.HasRole(RoleAdmin)
}

type principalKey struct{}

// WithPrincipal attaches p to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the request principal, or nil when the request
// was not authenticated.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
