package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Extends the lease only while this instance still holds it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Leader elects a single instance among many through an expiring Redis key.
type Leader interface {
	// Acquire becomes or stays leader; false means another instance leads.
	Acquire(ctx context.Context) (bool, error)
	InstanceID() string
}

type leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeader returns a Leader competing for key. The lease lapses after ttl
// unless Acquire is called again.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) Leader {
	return &leader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

func (l *leader) InstanceID() string { return l.instanceID }

func (l *leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election: %w", err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal: %w", err)
	}
	return renewed == 1, nil
}
