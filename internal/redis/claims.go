package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func claimKey(key string) string { return "ticket:claim:" + key }

// Deletes the claim only while it still belongs to ARGV[1], so a lease that
// expired and was taken by another evaluator is never released by mistake.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Resets the claim's expiry only while it still belongs to ARGV[1].
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// ClaimStore grants exclusive, expiring ownership of a ticket's convergence.
type ClaimStore interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Claimed(ctx context.Context, key string) (bool, error)
}

type claimStore struct {
	client *redis.Client
}

// NewClaimStore creates a Redis-backed ClaimStore.
func NewClaimStore(client *redis.Client) ClaimStore {
	return &claimStore{client: client}
}

// Claim attempts SET NX PX; true means owner now holds the claim.
func (c *claimStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimKey(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the claim if owner still holds it.
func (c *claimStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{claimKey(key)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend sets the remaining lifetime of owner's claim to ttl. False means
// the claim is no longer owner's.
func (c *claimStore) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, c.client, []string{claimKey(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend claim %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *claimStore) Claimed(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, claimKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis claimed %s: %w", key, err)
	}
	return n == 1, nil
}
