// Package enrich derives ticket fields from hosted models. Each Task owns
// exactly one field and writes it at most once.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/predictor"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

// Store is the part of the record store a task writes through.
type Store interface {
	SetFieldIfAbsent(ctx context.Context, key string, field domain.Field, value string) (bool, error)
}

// Recorder keeps the audit trail of task runs. postgres.Ledger satisfies it.
type Recorder interface {
	RecordEnrichment(ctx context.Context, run *domain.EnrichmentRun) error
}

// Handler enriches a ticket with one derived field.
type Handler interface {
	Field() domain.Field
	Handle(ctx context.Context, t *domain.Ticket) (domain.EnrichmentOutcome, error)
}

// Deps are shared by every task.
type Deps struct {
	Store Store
	// Ledger is optional.
	Ledger Recorder
	// Timeout bounds each predictor call. Zero means no extra deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Task is the generic enrichment step: guard, build request, predict, decode,
// conditional write.
type Task struct {
	field     domain.Field
	model     string
	predictor predictor.Client
	build     func(t *domain.Ticket) predictor.Request
	decode    func(res predictor.Result) (string, error)
	deps      Deps
}

func newTask(
	d Deps,
	field domain.Field,
	client predictor.Client,
	model string,
	build func(*domain.Ticket) predictor.Request,
	decode func(predictor.Result) (string, error),
) *Task {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Task{field: field, model: model, predictor: client, build: build, decode: decode, deps: d}
}

func (t *Task) Field() domain.Field { return t.field }
func (t *Task) Model() string       { return t.model }

// Handle runs the task against the snapshot it is given. A present field
// short-circuits without calling the predictor. Failures are returned without
// a write; the task never retries on its own.
func (t *Task) Handle(ctx context.Context, ticket *domain.Ticket) (domain.EnrichmentOutcome, error) {
	if ticket.Has(t.field) {
		telemetry.EnrichmentTotal.WithLabelValues(string(t.field), string(domain.EnrichmentSkipped)).Inc()
		return domain.EnrichmentSkipped, nil
	}

	ctx, span := otel.Tracer("enricher").Start(ctx, "enrich."+string(t.field))
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.key", ticket.Key),
		attribute.String("predictor.model", t.model),
	)
	log := t.deps.Logger.With(
		slog.String("ticket_key", ticket.Key),
		slog.String("field", string(t.field)),
		slog.String("model", t.model),
	)

	telemetry.EnrichmentInFlight.WithLabelValues(string(t.field)).Inc()
	defer telemetry.EnrichmentInFlight.WithLabelValues(string(t.field)).Dec()
	start := time.Now()

	outcome, err := t.run(ctx, ticket)

	elapsed := time.Since(start)
	telemetry.EnrichmentDurationSeconds.WithLabelValues(string(t.field)).Observe(elapsed.Seconds())
	telemetry.EnrichmentTotal.WithLabelValues(string(t.field), string(outcome)).Inc()
	span.SetAttributes(attribute.String("enrich.outcome", string(outcome)))

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrichment failed")
		log.Error("enrichment failed",
			slog.Bool("retryable", domain.IsRetryable(err)),
			slog.String("error", err.Error()),
		)
	case outcome == domain.EnrichmentConflict:
		log.Info("field written concurrently, keeping existing value")
	default:
		log.Info("field enriched", slog.Int64("duration_ms", elapsed.Milliseconds()))
	}

	t.record(ctx, ticket.Key, outcome, elapsed, err)
	return outcome, err
}

func (t *Task) run(ctx context.Context, ticket *domain.Ticket) (domain.EnrichmentOutcome, error) {
	callCtx := ctx
	if t.deps.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.deps.Timeout)
		defer cancel()
	}

	res, err := t.predictor.Predict(callCtx, t.model, t.build(ticket))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &domain.TransportError{Service: "predictor", Err: fmt.Errorf("model %s timed out after %s: %w", t.model, t.deps.Timeout, err)}
		}
		return domain.EnrichmentFailed, err
	}
	value, err := t.decode(res)
	if err != nil {
		return domain.EnrichmentFailed, err
	}

	written, err := t.deps.Store.SetFieldIfAbsent(ctx, ticket.Key, t.field, value)
	if err != nil {
		var notFound *domain.TicketNotFoundError
		if !errors.As(err, &notFound) {
			err = &domain.TransportError{Service: "record store", Err: err}
		}
		return domain.EnrichmentFailed, err
	}
	if !written {
		return domain.EnrichmentConflict, nil
	}
	return domain.EnrichmentWritten, nil
}

// record writes the audit entry. The ledger is best effort and never fails the task.
func (t *Task) record(ctx context.Context, key string, outcome domain.EnrichmentOutcome, elapsed time.Duration, taskErr error) {
	if t.deps.Ledger == nil {
		return
	}
	run := &domain.EnrichmentRun{
		TicketKey:  key,
		Field:      t.field,
		Model:      t.model,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if taskErr != nil {
		run.Error = taskErr.Error()
	}
	if err := t.deps.Ledger.RecordEnrichment(context.WithoutCancel(ctx), run); err != nil {
		t.deps.Logger.Warn("failed to record enrichment run",
			slog.String("ticket_key", key),
			slog.String("field", string(t.field)),
			slog.String("error", err.Error()),
		)
	}
}
