package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages and cancels the subscription when drained.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConsumer(t *testing.T, maxDeliveries int, msgs ...kafka.Message) (*consumer, *fakeReader, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := &fakeReader{queue: msgs, cancel: cancel}
	c := newConsumer(r, ConsumerConfig{Topic: "tickets.updated", MaxDeliveries: maxDeliveries}, discardLogger())
	return c, r, ctx
}

func TestConsumer_CommitsOnSuccess(t *testing.T) {
	c, r, ctx := newTestConsumer(t, 3,
		kafka.Message{Topic: "tickets.updated", Key: []byte("t-1"), Offset: 10},
		kafka.Message{Topic: "tickets.updated", Key: []byte("t-2"), Offset: 11},
	)

	var seen []string
	err := c.Subscribe(ctx, func(_ context.Context, msg Message) error {
		seen = append(seen, string(msg.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2"}, seen)
	assert.Equal(t, []int64{10, 11}, r.committed)
}

func TestConsumer_RedeliversThenSucceeds(t *testing.T) {
	c, r, ctx := newTestConsumer(t, 3, kafka.Message{Key: []byte("t-1"), Offset: 7})

	calls := 0
	err := c.Subscribe(ctx, func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("predictor unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestConsumer_DropsAfterMaxDeliveries(t *testing.T) {
	c, r, ctx := newTestConsumer(t, 2,
		kafka.Message{Key: []byte("poison"), Offset: 1},
		kafka.Message{Key: []byte("ok"), Offset: 2},
	)

	calls := map[string]int{}
	err := c.Subscribe(ctx, func(_ context.Context, msg Message) error {
		calls[string(msg.Key)]++
		if string(msg.Key) == "poison" {
			return errors.New("malformed event")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls["poison"])
	assert.Equal(t, 1, calls["ok"])
	assert.Equal(t, []int64{1, 2}, r.committed, "exhausted message is committed so the partition moves on")
}

func TestConsumer_ShutdownMidRedeliveryLeavesUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{queue: []kafka.Message{{Key: []byte("t-1"), Offset: 3}}, cancel: cancel}
	c := newConsumer(r, ConsumerConfig{MaxDeliveries: 5}, discardLogger())

	err := c.Subscribe(ctx, func(context.Context, Message) error {
		cancel()
		return errors.New("store unavailable")
	})
	require.NoError(t, err)
	assert.Empty(t, r.committed)
}

func TestMessage_Header(t *testing.T) {
	msg := Message{Headers: []kafka.Header{{Key: HeaderKind, Value: []byte("updated")}}}
	assert.Equal(t, "updated", msg.Header(HeaderKind))
	assert.Empty(t, msg.Header("missing"))
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set(HeaderKind, "created")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.ElementsMatch(t, []string{"traceparent", HeaderKind}, c.Keys())
}
