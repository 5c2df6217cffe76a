package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/ticketflow/pkg/retry"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// Header returns the value of the named header, or "".
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to have the message
// redelivered, up to the consumer's delivery limit.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerConfig configures a group consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxDeliveries bounds how many times one message is handed to the
	// handler before it is committed anyway. Values below 1 mean 1.
	MaxDeliveries int
	// RedeliveryDelay is the base of the quadratic backoff between deliveries.
	RedeliveryDelay time.Duration
}

// fetcher is the part of *kafka.Reader the consumer loop needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader fetcher
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer creates a Kafka consumer for the configured topic and group.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(r, cfg, logger)
}

func newConsumer(r fetcher, cfg ConsumerConfig, logger *slog.Logger) *consumer {
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	return &consumer{reader: r, cfg: cfg, logger: logger.With(slog.String("topic", cfg.Topic))}
}

// Subscribe reads messages in a loop until ctx is cancelled.
// A message is committed once the handler accepts it or once its deliveries
// are exhausted. Cancellation during redelivery leaves it uncommitted.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		err = retry.Do(ctx, retry.Config{
			MaxAttempts: c.cfg.MaxDeliveries,
			BaseDelay:   c.cfg.RedeliveryDelay,
			OnRetry: func(attempt int, err error) {
				telemetry.ConsumerRedeliveriesTotal.WithLabelValues(c.cfg.Topic).Inc()
				c.logger.Warn("message handler failed, redelivering",
					slog.String("key", string(m.Key)),
					slog.Int64("offset", m.Offset),
					slog.Int("delivery", attempt),
					slog.String("error", err.Error()),
				)
			},
		}, func() error { return handler(msgCtx, msg) })

		if err != nil {
			if ctx.Err() != nil {
				return nil // uncommitted, redelivered after restart
			}
			telemetry.ConsumerDroppedTotal.WithLabelValues(c.cfg.Topic).Inc()
			c.logger.Error("message dropped after exhausting deliveries",
				slog.String("key", string(m.Key)),
				slog.Int64("offset", m.Offset),
				slog.Int("deliveries", c.cfg.MaxDeliveries),
				slog.String("error", err.Error()),
			)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
