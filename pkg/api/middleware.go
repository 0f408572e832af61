package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aegnix/abi/pkg/auth"
)

// RequestID injects X-Request-ID into the response and context. A
// client-supplied ID is reused for correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter keeps one token bucket per client IP. Used on the
// admission endpoints, which are reachable without a grant.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows rps requests per second with the given burst
// per IP. A background sweep drops idle buckets.
func NewIPRateLimiter(rps, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *IPRateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *IPRateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP limit.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.get(ip).Allow() {
			WriteTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticator turns bearer tokens into request principals.
type Authenticator struct {
	validator *auth.Validator
	secret    []byte
	// lookupRoles fetches the current keyring roles for a subject, so
	// revocation and role edits take effect mid-grant.
	lookupRoles func(r *http.Request, aeID string) ([]string, bool)
	// checkIdle enforces the profile's idle limit; false fails the
	// request as Expired.
	checkIdle func(aeID, profile string) bool
}

// NewAuthenticator builds the middleware factory. lookupRoles returns
// (roles, ok); ok false means the subject no longer exists or is not
// trusted, which fails the request. Either callback may be nil to skip
// its check.
func NewAuthenticator(validator *auth.Validator, secret []byte, lookupRoles func(r *http.Request, aeID string) ([]string, bool), checkIdle func(aeID, profile string) bool) *Authenticator {
	return &Authenticator{validator: validator, secret: secret, lookupRoles: lookupRoles, checkIdle: checkIdle}
}

// Require authenticates the request and injects the Principal. The
// bootstrap token is accepted as an operator identity.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			WriteUnauthorized(w, r, "Unauthenticated", "missing bearer token")
			return
		}

		if auth.CheckBootstrapToken(a.secret, tokenStr) {
			p := &auth.Principal{AEID: "operator", Bootstrap: true}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		claims, err := a.validator.Validate(tokenStr)
		if err != nil {
			code := "Unauthenticated"
			if errors.Is(err, auth.ErrExpired) {
				code = "Expired"
			}
			WriteUnauthorized(w, r, code, "invalid or expired grant")
			return
		}

		roles := claims.Roles
		if a.lookupRoles != nil {
			current, ok := a.lookupRoles(r, claims.Subject)
			if !ok {
				WriteUnauthorized(w, r, "NotTrusted", "subject no longer trusted")
				return
			}
			roles = current
		}

		if a.checkIdle != nil && !a.checkIdle(claims.Subject, claims.Profile) {
			WriteUnauthorized(w, r, "Expired", "session idle limit exceeded")
			return
		}

		p := &auth.Principal{AEID: claims.Subject, Roles: roles, Profile: claims.Profile}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin wraps Require and additionally demands the admin role.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFrom(r.Context())
		if p == nil || !p.IsAdmin() {
			WriteForbidden(w, r, "Forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
