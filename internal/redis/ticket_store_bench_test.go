package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// newBenchClient returns a Redis client connected to localhost:6379.
// Benchmarks are skipped if Redis is not reachable.
func newBenchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  1 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

func seedBenchTicket(b *testing.B, c *redis.Client, key string) TicketStore {
	b.Helper()
	ctx := context.Background()
	store := NewTicketStore(c)
	_ = c.Del(ctx, ticketKey(key)).Err()
	if _, err := store.Create(ctx, &domain.Ticket{Key: key, Description: "bench", CreatedAt: time.Now().UTC()}); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = c.Del(context.Background(), ticketKey(key)).Err()
		_ = c.ZRem(context.Background(), unsettledKey, key).Err()
	})
	return store
}

// BenchmarkTicketStore_SetFieldIfAbsent measures the guarded HSETNX script
// on a field that is already present (the common duplicate-delivery path).
func BenchmarkTicketStore_SetFieldIfAbsent(b *testing.B) {
	c := newBenchClient(b)
	store := seedBenchTicket(b, c, "bench-ticket-setnx")
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.SetFieldIfAbsent(ctx, "bench-ticket-setnx", domain.FieldPredictedPriority, "P2"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkTicketStore_Snapshot measures HGETALL plus decoding.
func BenchmarkTicketStore_Snapshot(b *testing.B) {
	c := newBenchClient(b)
	store := seedBenchTicket(b, c, "bench-ticket-snap")
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Snapshot(ctx, "bench-ticket-snap"); err != nil {
			b.Fatal(err)
		}
	}
}
