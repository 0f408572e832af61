package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript deletes the nonce only when it matches, atomically.
// Returns 1 on consume, 0 on mismatch; a missing key is signalled by nil.
var consumeScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if not stored then
    return nil
end
if stored ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisNonceCache keeps challenges in Redis so that a multi-instance
// deployment behind a load balancer shares outstanding nonces. Semantics
// match MemoryNonceCache; TTL enforcement is delegated to key expiry.
type RedisNonceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceCache connects to addr (password/db optional).
func NewRedisNonceCache(addr, password string, db int, ttl time.Duration) *RedisNonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func nonceKey(aeID string) string { return "abi:nonce:" + aeID }

func (c *RedisNonceCache) Issue(ctx context.Context, aeID string) (string, error) {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("admission: generate nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(raw)

	// SET replaces any outstanding challenge for this AE.
	if err := c.client.Set(ctx, nonceKey(aeID), nonce, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("admission: store nonce: %w", err)
	}
	return nonce, nil
}

func (c *RedisNonceCache) Get(ctx context.Context, aeID string) (string, error) {
	val, err := c.client.Get(ctx, nonceKey(aeID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNonceExpired
	}
	if err != nil {
		return "", fmt.Errorf("admission: read nonce: %w", err)
	}
	return val, nil
}

func (c *RedisNonceCache) Consume(ctx context.Context, aeID, nonce string) error {
	res, err := consumeScript.Run(ctx, c.client, []string{nonceKey(aeID)}, nonce).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNonceExpired
	}
	if err != nil {
		return fmt.Errorf("admission: consume nonce: %w", err)
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return ErrNonceMismatch
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisNonceCache) Close() error { return c.client.Close() }
