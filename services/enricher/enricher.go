package enricher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/enrich"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
)

// Snapshotter reads the current state of a ticket.
type Snapshotter interface {
	Snapshot(ctx context.Context, key string) (*domain.Ticket, error)
}

// Enricher consumes create notifications and runs every registered
// enrichment task against the ticket.
type Enricher struct {
	consumer kafka.Consumer
	store    Snapshotter
	registry *enrich.Registry
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Option configures an Enricher.
type Option func(*Enricher)

func WithLogger(l *slog.Logger) Option { return func(e *Enricher) { e.logger = l } }

// NewEnricher constructs an Enricher.
func NewEnricher(consumer kafka.Consumer, store Snapshotter, registry *enrich.Registry, opts ...Option) *Enricher {
	e := &Enricher{
		consumer: consumer,
		store:    store,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes until ctx is cancelled.
func (e *Enricher) Run(ctx context.Context) error {
	return e.consumer.Subscribe(ctx, recordstore.Handle(e.process, e.logger))
}

// Wait blocks until in-flight tickets finish. Call after Run returns.
func (e *Enricher) Wait() { e.wg.Wait() }

// process runs all tasks for one ticket. Tasks never cancel each other; the
// event is redelivered only when some task failed with a retryable error.
func (e *Enricher) process(ctx context.Context, event domain.TicketEvent) error {
	ctx, span := otel.Tracer("enricher").Start(ctx, "enricher.process", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.key", event.Key),
		attribute.String("event.kind", string(event.Kind)),
	)
	log := e.logger.With(slog.String("ticket_key", event.Key))

	e.wg.Add(1)
	defer e.wg.Done()

	// The event snapshot may predate writes made since it was published.
	ticket, err := e.store.Snapshot(ctx, event.Key)
	if err != nil {
		var notFound *domain.TicketNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("ticket vanished, skipping")
			return nil
		}
		var invalid *domain.InvalidTicketError
		if errors.As(err, &invalid) {
			log.Error("ticket unreadable, skipping", slog.String("error", err.Error()))
			return nil
		}
		span.RecordError(err)
		return err
	}

	var g errgroup.Group
	for _, h := range e.registry.All() {
		g.Go(func() error {
			_, err := h.Handle(ctx, ticket)
			if err != nil && domain.IsRetryable(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retryable enrichment failure")
		log.Warn("enrichment incomplete, requesting redelivery", slog.String("error", err.Error()))
		return err
	}
	return nil
}
