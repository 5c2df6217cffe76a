package enricher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/enrich"
	"github.com/ramiqadoumi/ticketflow/internal/kafka"
	"github.com/ramiqadoumi/ticketflow/internal/recordstore"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// BenchmarkEnricher_Process measures the fan-out overhead of one created
// event with four no-op tasks, excluding real I/O.
func BenchmarkEnricher_Process(b *testing.B) {
	reg := enrich.NewRegistry()
	for _, f := range []domain.Field{
		domain.FieldPredictedPriority,
		domain.FieldPredictedResolutionTime,
		domain.FieldPredictedSentiment,
		domain.FieldTags,
	} {
		reg.Register(&fakeHandler{field: f})
	}
	store := &fakeSnapshots{tickets: map[string]*domain.Ticket{"bench": {Key: "bench", Description: "d"}}}
	e := NewEnricher(nil, store, reg, WithLogger(discardLogger))

	raw, err := json.Marshal(createdEvent("bench"))
	if err != nil {
		b.Fatal(err)
	}
	handle := recordstore.Handle(e.process, discardLogger)
	msg := kafka.Message{Topic: recordstore.TopicCreated, Value: raw}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = handle(ctx, msg)
	}
}
