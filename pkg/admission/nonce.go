// Package admission implements the dual-crypto handshake that elevates an
// AE from registered to trusted: a one-shot random challenge bound to the
// ae_id, answered with an Ed25519 signature over the challenge bytes.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const nonceSize = 32

// DefaultNonceTTL bounds how long a challenge stays answerable.
const DefaultNonceTTL = 120 * time.Second

var (
	ErrNonceExpired  = errors.New("admission: nonce expired or not issued")
	ErrNonceMismatch = errors.New("admission: nonce does not match outstanding challenge")
)

// NonceCache holds at most one outstanding challenge per ae_id. Issue
// replaces any prior entry; Consume removes it exactly once.
type NonceCache interface {
	Issue(ctx context.Context, aeID string) (string, error)
	Get(ctx context.Context, aeID string) (string, error)
	Consume(ctx context.Context, aeID, nonce string) error
}

// MemoryNonceCache is the default in-process cache. Restart invalidates
// outstanding challenges, which is acceptable at the TTLs involved.
type MemoryNonceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]nonceEntry
	now     func() time.Time
}

type nonceEntry struct {
	value    string
	issuedAt time.Time
}

// NewMemoryNonceCache creates a cache with the given TTL (DefaultNonceTTL
// if zero).
func NewMemoryNonceCache(ttl time.Duration) *MemoryNonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &MemoryNonceCache{
		ttl:     ttl,
		entries: make(map[string]nonceEntry),
		now:     time.Now,
	}
}

func (c *MemoryNonceCache) Issue(_ context.Context, aeID string) (string, error) {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("admission: generate nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[aeID] = nonceEntry{value: nonce, issuedAt: c.now()}
	return nonce, nil
}

func (c *MemoryNonceCache) Get(_ context.Context, aeID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[aeID]
	if !ok {
		return "", ErrNonceExpired
	}
	if c.now().Sub(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return "", ErrNonceExpired
	}
	return e.value, nil
}

func (c *MemoryNonceCache) Consume(_ context.Context, aeID, nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[aeID]
	if !ok {
		return ErrNonceExpired
	}
	if c.now().Sub(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return ErrNonceExpired
	}
	if e.value != nonce {
		return ErrNonceMismatch
	}
	delete(c.entries, aeID)
	return nil
}
