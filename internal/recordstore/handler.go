package recordstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
)

// TicketHandler reacts to a create or update notification. The event's
// snapshot reflects the record right after the write that caused it.
type TicketHandler func(ctx context.Context, event domain.TicketEvent) error

// Handle adapts a TicketHandler to a Kafka consumer. Undecodable messages are
// logged and acknowledged since redelivering them cannot help.
func Handle(h TicketHandler, logger *slog.Logger) kafka.HandlerFunc {
	return func(ctx context.Context, msg kafka.Message) error {
		var event domain.TicketEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("undecodable ticket event",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if event.Ticket == nil || event.Key == "" || event.Ticket.Key != event.Key {
			logger.Error("ticket event without a matching snapshot",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("ticket_key", event.Key),
			)
			return nil
		}
		return h(ctx, event)
	}
}
