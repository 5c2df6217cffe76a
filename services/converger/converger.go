package converger

import (
	"context"
	"log/slog"

	"github.com/ramiqadoumi/ticketflow/internal/converge"
	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
)

// Evaluator decides whether a ticket snapshot should be synced downstream.
// *converge.Trigger satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, snap *domain.Ticket) (converge.Outcome, error)
}

// Converger consumes update notifications and hands each snapshot to the
// convergence trigger.
type Converger struct {
	consumer  kafka.Consumer
	evaluator Evaluator
	logger    *slog.Logger
}

func NewConverger(consumer kafka.Consumer, evaluator Evaluator, logger *slog.Logger) *Converger {
	return &Converger{
		consumer:  consumer,
		evaluator: evaluator,
		logger:    logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (c *Converger) Run(ctx context.Context) error {
	return c.consumer.Subscribe(ctx, recordstore.Handle(c.evaluate, c.logger))
}

func (c *Converger) evaluate(ctx context.Context, event domain.TicketEvent) error {
	outcome, err := c.evaluator.Evaluate(ctx, event.Ticket)
	log := c.logger.With(
		slog.String("ticket_key", event.Key),
		slog.String("event_id", event.ID),
		slog.String("outcome", string(outcome)),
	)
	if err != nil {
		log.Warn("evaluation failed, requesting redelivery", slog.String("error", err.Error()))
		return err
	}
	log.Debug("update evaluated", slog.String("field", string(event.Field)))
	return nil
}
