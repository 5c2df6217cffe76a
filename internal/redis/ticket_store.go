package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

const unsettledKey = "tickets:unsettled"

func ticketKey(key string) string { return "ticket:" + key }

// missing is returned by the guarded scripts when the ticket hash does not exist.
const missing = -1

var (
	// KEYS[1] ticket hash, KEYS[2] unsettled index; ARGV[1] ticket key,
	// ARGV[2] first check time in unix ms, ARGV[3..] field/value pairs.
	createScript = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 1 then
			return 0
		end
		local fields = {}
		for i = 3, #ARGV do
			fields[#fields + 1] = ARGV[i]
		end
		redis.call("hset", KEYS[1], unpack(fields))
		redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
		return 1
	`)

	setScript = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 0 then
			return -1
		end
		redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
		return 1
	`)

	setIfAbsentScript = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 0 then
			return -1
		end
		return redis.call("hsetnx", KEYS[1], ARGV[1], ARGV[2])
	`)

	incrScript = redis.NewScript(`
		if redis.call("exists", KEYS[1]) == 0 then
			return -1
		end
		return redis.call("hincrby", KEYS[1], ARGV[1], ARGV[2])
	`)
)

// TicketStore keeps one Redis hash per ticket, one hash field per ticket field.
// Every write touches a single field so concurrent writers of different
// fields never lose each other's updates.
type TicketStore interface {
	Create(ctx context.Context, t *domain.Ticket) (bool, error)
	Snapshot(ctx context.Context, key string) (*domain.Ticket, error)
	Get(ctx context.Context, key string, field domain.Field) (string, bool, error)
	SetField(ctx context.Context, key string, field domain.Field, value string) error
	SetFieldIfAbsent(ctx context.Context, key string, field domain.Field, value string) (bool, error)
	IncrField(ctx context.Context, key string, field domain.Field, by int64) (int64, error)
	Settle(ctx context.Context, key string) error
	Defer(ctx context.Context, key string, until time.Time) error
	Unsettled(ctx context.Context, due time.Time, limit int) ([]string, error)
}

type ticketStore struct {
	client *redis.Client
}

// NewTicketStore creates a Redis-backed TicketStore.
func NewTicketStore(client *redis.Client) TicketStore {
	return &ticketStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// Create writes the ticket only if its key is unused and indexes it as
// unsettled, due for a check from its creation time. It returns false when
// the key already exists.
func (s *ticketStore) Create(ctx context.Context, t *domain.Ticket) (bool, error) {
	due := t.CreatedAt
	if due.IsZero() {
		due = time.Now()
	}
	args := append([]any{t.Key, due.UnixMilli()}, encodeTicket(t)...)
	n, err := createScript.Run(ctx, s.client, []string{ticketKey(t.Key), unsettledKey}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("redis create ticket %s: %w", t.Key, err)
	}
	return n == 1, nil
}

func (s *ticketStore) Snapshot(ctx context.Context, key string) (*domain.Ticket, error) {
	values, err := s.client.HGetAll(ctx, ticketKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot %s: %w", key, err)
	}
	if len(values) == 0 {
		return nil, &domain.TicketNotFoundError{Key: key}
	}
	return decodeTicket(key, values)
}

func (s *ticketStore) Get(ctx context.Context, key string, field domain.Field) (string, bool, error) {
	val, err := s.client.HGet(ctx, ticketKey(key), string(field)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s.%s: %w", key, field, err)
	}
	return val, true, nil
}

func (s *ticketStore) SetField(ctx context.Context, key string, field domain.Field, value string) error {
	n, err := setScript.Run(ctx, s.client, []string{ticketKey(key)}, string(field), value).Int64()
	if err != nil {
		return fmt.Errorf("redis set %s.%s: %w", key, field, err)
	}
	if n == missing {
		return &domain.TicketNotFoundError{Key: key}
	}
	return nil
}

// SetFieldIfAbsent writes field only when it has no value yet. The boolean
// reports whether this call performed the write.
func (s *ticketStore) SetFieldIfAbsent(ctx context.Context, key string, field domain.Field, value string) (bool, error) {
	n, err := setIfAbsentScript.Run(ctx, s.client, []string{ticketKey(key)}, string(field), value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s.%s: %w", key, field, err)
	}
	if n == missing {
		return false, &domain.TicketNotFoundError{Key: key}
	}
	return n == 1, nil
}

func (s *ticketStore) IncrField(ctx context.Context, key string, field domain.Field, by int64) (int64, error) {
	if by <= 0 {
		return 0, fmt.Errorf("redis incr %s.%s: increment must be positive, got %d", key, field, by)
	}
	n, err := incrScript.Run(ctx, s.client, []string{ticketKey(key)}, string(field), by).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s.%s: %w", key, field, err)
	}
	if n == missing {
		return 0, &domain.TicketNotFoundError{Key: key}
	}
	return n, nil
}

// Settle removes the ticket from the unsettled index.
func (s *ticketStore) Settle(ctx context.Context, key string) error {
	if err := s.client.ZRem(ctx, unsettledKey, key).Err(); err != nil {
		return fmt.Errorf("redis settle %s: %w", key, err)
	}
	return nil
}

// Defer moves an unsettled ticket's next check to until. Settled tickets
// are not re-indexed.
func (s *ticketStore) Defer(ctx context.Context, key string, until time.Time) error {
	err := s.client.ZAddXX(ctx, unsettledKey, redis.Z{Score: float64(until.UnixMilli()), Member: key}).Err()
	if err != nil {
		return fmt.Errorf("redis defer %s: %w", key, err)
	}
	return nil
}

// Unsettled returns up to limit tickets that have neither converged nor been
// dead-lettered and whose next check is at or before due, earliest first.
func (s *ticketStore) Unsettled(ctx context.Context, due time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := s.client.ZRangeByScore(ctx, unsettledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(due.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list unsettled: %w", err)
	}
	return keys, nil
}
