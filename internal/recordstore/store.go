// Package recordstore is the ticket record store: single-field writes in
// Redis, each followed by a create or update notification on Kafka that
// carries the full ticket snapshot.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/redis"
)

const (
	TopicCreated    = "tickets.created"
	TopicUpdated    = "tickets.updated"
	TopicDeadLetter = "tickets.dlq"
)

// Store is the record store shared by the intake API, the enrichers, the
// convergers and the reconciler.
type Store struct {
	tickets  redis.TicketStore
	claims   redis.ClaimStore
	producer kafka.Producer
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a Store from its Redis and Kafka parts.
func New(tickets redis.TicketStore, claims redis.ClaimStore, producer kafka.Producer, logger *slog.Logger) *Store {
	return &Store{
		tickets:  tickets,
		claims:   claims,
		producer: producer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new ticket and announces it on both the created and the
// updated topics. An existing key is a *domain.TicketExistsError.
func (s *Store) Create(ctx context.Context, t *domain.Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	created, err := s.tickets.Create(ctx, t)
	if err != nil {
		return err
	}
	if !created {
		return &domain.TicketExistsError{Key: t.Key}
	}

	snap, err := s.tickets.Snapshot(ctx, t.Key)
	if err != nil {
		return fmt.Errorf("read back ticket %s: %w", t.Key, err)
	}
	s.notify(ctx, TopicCreated, domain.EventCreated, snap, "")
	s.notify(ctx, TopicUpdated, domain.EventUpdated, snap, "")
	return nil
}

func (s *Store) Snapshot(ctx context.Context, key string) (*domain.Ticket, error) {
	return s.tickets.Snapshot(ctx, key)
}

func (s *Store) Get(ctx context.Context, key string, field domain.Field) (string, bool, error) {
	return s.tickets.Get(ctx, key, field)
}

// SetField overwrites one field and notifies updaters.
func (s *Store) SetField(ctx context.Context, key string, field domain.Field, value string) error {
	if err := s.tickets.SetField(ctx, key, field, value); err != nil {
		return err
	}
	s.notifyUpdated(ctx, key, field)
	return nil
}

// SetFieldIfAbsent writes field only if it has no value yet and reports
// whether this call wrote it. Only a performed write is notified.
func (s *Store) SetFieldIfAbsent(ctx context.Context, key string, field domain.Field, value string) (bool, error) {
	written, err := s.tickets.SetFieldIfAbsent(ctx, key, field, value)
	if err != nil || !written {
		return written, err
	}
	s.notifyUpdated(ctx, key, field)
	return true, nil
}

// IncrField bumps a counter field. Counters are bookkeeping and do not notify.
func (s *Store) IncrField(ctx context.Context, key string, field domain.Field, by int64) (int64, error) {
	return s.tickets.IncrField(ctx, key, field, by)
}

// Touch re-announces the current snapshot on the updated topic without writing.
func (s *Store) Touch(ctx context.Context, key string) error {
	return s.publishSnapshot(ctx, key, TopicUpdated, domain.EventUpdated)
}

// PublishCreated re-announces the ticket on the created topic so enrichment
// runs again for whatever is still missing.
func (s *Store) PublishCreated(ctx context.Context, key string) error {
	return s.publishSnapshot(ctx, key, TopicCreated, domain.EventCreated)
}

// DeadLetter publishes the final snapshot of a ticket that will not be synced.
func (s *Store) DeadLetter(ctx context.Context, t *domain.Ticket) error {
	return s.publish(ctx, TopicDeadLetter, domain.EventDeadLettered, t, domain.FieldDeadLetter)
}

func (s *Store) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.claims.Claim(ctx, key, owner, ttl)
}

func (s *Store) Release(ctx context.Context, key, owner string) (bool, error) {
	return s.claims.Release(ctx, key, owner)
}

// Extend keeps owner's claim for another ttl.
func (s *Store) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.claims.Extend(ctx, key, owner, ttl)
}

func (s *Store) Claimed(ctx context.Context, key string) (bool, error) {
	return s.claims.Claimed(ctx, key)
}

func (s *Store) Settle(ctx context.Context, key string) error {
	return s.tickets.Settle(ctx, key)
}

// Defer postpones the reconciler's next look at an unsettled ticket.
func (s *Store) Defer(ctx context.Context, key string, until time.Time) error {
	return s.tickets.Defer(ctx, key, until)
}

// Unsettled lists unsettled tickets due for a check at due, earliest first.
func (s *Store) Unsettled(ctx context.Context, due time.Time, limit int) ([]string, error) {
	return s.tickets.Unsettled(ctx, due, limit)
}

// Status reports where the ticket stands in the sync lifecycle.
func (s *Store) Status(ctx context.Context, key string) (domain.ConvergenceStatus, error) {
	t, err := s.tickets.Snapshot(ctx, key)
	if err != nil {
		return "", err
	}
	return s.StatusOf(ctx, t)
}

// StatusOf is Status for an already loaded snapshot.
func (s *Store) StatusOf(ctx context.Context, t *domain.Ticket) (domain.ConvergenceStatus, error) {
	if st := t.Status(); st.IsTerminal() {
		return st, nil
	}
	held, err := s.claims.Claimed(ctx, t.Key)
	if err != nil {
		return "", err
	}
	if held {
		return domain.StatusClaimed, nil
	}
	return domain.StatusPending, nil
}

func (s *Store) publishSnapshot(ctx context.Context, key, topic string, kind domain.EventKind) error {
	snap, err := s.tickets.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic, kind, snap, "")
}

// notifyUpdated follows a completed write. The write stands even when the
// notification cannot be sent; the reconciler re-announces such tickets.
func (s *Store) notifyUpdated(ctx context.Context, key string, field domain.Field) {
	snap, err := s.tickets.Snapshot(ctx, key)
	if err != nil {
		s.logger.Error("snapshot after write failed, update not notified",
			slog.String("ticket_key", key),
			slog.String("field", string(field)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.notify(ctx, TopicUpdated, domain.EventUpdated, snap, field)
}

func (s *Store) notify(ctx context.Context, topic string, kind domain.EventKind, t *domain.Ticket, field domain.Field) {
	if err := s.publish(ctx, topic, kind, t, field); err != nil {
		s.logger.Error("ticket notification failed",
			slog.String("ticket_key", t.Key),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) publish(ctx context.Context, topic string, kind domain.EventKind, t *domain.Ticket, field domain.Field) error {
	event := domain.TicketEvent{
		ID:     uuid.New().String(),
		Kind:   kind,
		Key:    t.Key,
		Field:  field,
		Ticket: t,
		At:     s.now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event for %s: %w", kind, t.Key, err)
	}
	return s.producer.Publish(ctx, topic, t.Key, body,
		segkafka.Header{Key: kafka.HeaderKind, Value: []byte(kind)})
}
