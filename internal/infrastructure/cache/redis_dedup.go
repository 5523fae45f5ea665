// Package cache provides Redis-backed infrastructure.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"markhub/internal/core/dedup"
)

const (
	phasePending = "pending"
	phaseDone    = "done"
)

// claimScript atomically takes a key unless it is live.
// Returns 0 acquired, 1 done, 2 busy.
const claimScript = `
local v = redis.call("GET", KEYS[1])
if not v then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 0
end
if v == ARGV[3] then
  return 1
end
return 2
`

var _ dedup.Store = (*RedisDeduplicator)(nil)

// RedisDeduplicator keeps dedup keys in Redis. Expiry is native, so a
// stale lease disappears on its own and Expire has nothing to do.
type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
	claim  *redis.Script
}

// NewRedisDeduplicator creates a Redis dedup store. Keys are stored under prefix.
func NewRedisDeduplicator(client redis.UniversalClient, prefix string) *RedisDeduplicator {
	if prefix == "" {
		prefix = "markhub:dedup:"
	}
	return &RedisDeduplicator{
		client: client,
		prefix: prefix,
		claim:  redis.NewScript(claimScript),
	}
}

func (d *RedisDeduplicator) key(k dedup.Key) string {
	return d.prefix + k.String()
}

// Claim implements dedup.Store.
func (d *RedisDeduplicator) Claim(ctx context.Context, key dedup.Key, lease time.Duration) (dedup.Outcome, error) {
	if err := dedup.ValidTTL(lease); err != nil {
		return dedup.Busy, err
	}
	res, err := d.claim.Run(ctx, d.client, []string{d.key(key)},
		phasePending, lease.Milliseconds(), phaseDone,
	).Int()
	if err != nil {
		return dedup.Busy, fmt.Errorf("claim dedup key: %w", err)
	}
	switch res {
	case 0:
		return dedup.Acquired, nil
	case 1:
		return dedup.Done, nil
	}
	return dedup.Busy, nil
}

// Complete implements dedup.Store.
func (d *RedisDeduplicator) Complete(ctx context.Context, key dedup.Key, ttl time.Duration) error {
	if err := dedup.ValidTTL(ttl); err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.key(key), phaseDone, ttl).Err(); err != nil {
		return fmt.Errorf("complete dedup key: %w", err)
	}
	return nil
}

// Check implements dedup.Store.
func (d *RedisDeduplicator) Check(ctx context.Context, key dedup.Key) (bool, error) {
	v, err := d.client.Get(ctx, d.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return v == phaseDone, nil
}

// Release implements dedup.Store.
func (d *RedisDeduplicator) Release(ctx context.Context, key dedup.Key) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

// Expire implements dedup.Store. Redis evicts expired keys itself.
func (d *RedisDeduplicator) Expire(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity.
func (d *RedisDeduplicator) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
