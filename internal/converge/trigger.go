// Package converge pushes a ticket to the downstream sink exactly once, as
// soon as every gate field has been derived.
package converge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/sink"
	"github.com/ramiqadoumi/ticketflow/pkg/retry"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

// Outcome describes what one evaluation did.
type Outcome string

const (
	OutcomeAlreadyConverged Outcome = "already_converged"
	OutcomeDeadLettered     Outcome = "dead_lettered"
	OutcomeIncomplete       Outcome = "incomplete"
	OutcomeClaimConflict    Outcome = "claim_conflict"
	OutcomeStale            Outcome = "stale"
	OutcomeBackfilled       Outcome = "backfilled"
	OutcomeConverged        Outcome = "converged"
	OutcomeFailed           Outcome = "failed"
	OutcomeDeadLetter       Outcome = "dead_letter"
	OutcomeError            Outcome = "error"
)

// Store is the part of the record store the trigger needs.
type Store interface {
	Snapshot(ctx context.Context, key string) (*domain.Ticket, error)
	SetFieldIfAbsent(ctx context.Context, key string, field domain.Field, value string) (bool, error)
	IncrField(ctx context.Context, key string, field domain.Field, by int64) (int64, error)
	Touch(ctx context.Context, key string) error
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Settle(ctx context.Context, key string) error
	Defer(ctx context.Context, key string, until time.Time) error
	DeadLetter(ctx context.Context, t *domain.Ticket) error
}

// Ledger is the sync audit trail. postgres.Ledger satisfies it.
type Ledger interface {
	RecordSync(ctx context.Context, attempt *domain.SyncAttempt) error
	LastSucceededSync(ctx context.Context, key string) (*domain.SyncAttempt, bool, error)
}

type Config struct {
	// ClaimTTL is how long a claim survives a crashed evaluator.
	ClaimTTL time.Duration
	// SyncTimeout bounds authentication plus create, retries included. It is
	// clamped below ClaimTTL so the claim cannot lapse mid-create.
	SyncTimeout time.Duration
	// SinkRetries is the number of extra attempts for retryable sink errors.
	SinkRetries int
	RetryDelay  time.Duration
	// MaxSyncFailures dead-letters a ticket after that many failed
	// evaluations. Zero retries forever.
	MaxSyncFailures int
	// FailureBackoff is how long the claim is kept after the first failed
	// evaluation; later failures wait failures² times as long, up to
	// MaxFailureBackoff. The reconciler re-announces the ticket once the
	// claim lapses. Negative hands the ticket back at once.
	FailureBackoff    time.Duration
	MaxFailureBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.SyncTimeout <= 0 || c.SyncTimeout >= c.ClaimTTL {
		c.SyncTimeout = c.ClaimTTL * 3 / 4
	}
	if c.SinkRetries < 0 {
		c.SinkRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 30 * time.Second
	}
	if c.MaxFailureBackoff <= 0 {
		c.MaxFailureBackoff = 15 * time.Minute
	}
	return c
}

// failureBackoff is how long a ticket rests after its n-th failed sync.
func (c Config) failureBackoff(failures int64) time.Duration {
	if c.FailureBackoff < 0 {
		return 0
	}
	return retry.Config{BaseDelay: c.FailureBackoff, MaxDelay: c.MaxFailureBackoff}.Backoff(int(failures))
}

// Trigger evaluates update events and converges complete tickets.
type Trigger struct {
	store    Store
	sink     sink.Client
	ledger   Ledger
	cfg      Config
	logger   *slog.Logger
	newOwner func() string
}

// Option configures a Trigger.
type Option func(*Trigger)

func WithLedger(l Ledger) Option       { return func(t *Trigger) { t.ledger = l } }
func WithLogger(l *slog.Logger) Option { return func(t *Trigger) { t.logger = l } }

// NewTrigger builds a Trigger. The sink client is shared by every evaluation.
func NewTrigger(store Store, client sink.Client, cfg Config, opts ...Option) *Trigger {
	t := &Trigger{
		store:    store,
		sink:     client,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		newOwner: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Evaluate inspects the snapshot carried by an update event and, when the
// ticket is complete and unclaimed, creates it downstream. The returned
// error is non-nil only when the event should be delivered again.
func (t *Trigger) Evaluate(ctx context.Context, snap *domain.Ticket) (Outcome, error) {
	ctx, span := otel.Tracer("converger").Start(ctx, "converge.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.key", snap.Key))

	outcome, err := t.evaluate(ctx, snap)

	telemetry.ConvergenceEvaluations.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("converge.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
	}
	return outcome, err
}

func (t *Trigger) evaluate(ctx context.Context, snap *domain.Ticket) (Outcome, error) {
	if o, done := gate(snap); done {
		return o, nil
	}

	log := t.logger.With(slog.String("ticket_key", snap.Key))
	owner := t.newOwner()

	claimed, err := t.store.Claim(ctx, snap.Key, owner, t.cfg.ClaimTTL)
	if err != nil {
		return OutcomeError, fmt.Errorf("claim ticket %s: %w", snap.Key, err)
	}
	if !claimed {
		conflict := &domain.ClaimConflictError{Key: snap.Key}
		log.Debug("convergence claimed elsewhere", slog.String("error", conflict.Error()))
		return OutcomeClaimConflict, nil
	}
	log = log.With(slog.String("owner", owner))

	// The event may predate a convergence that already finished.
	current, err := t.store.Snapshot(ctx, snap.Key)
	if err != nil {
		t.release(ctx, log, snap.Key, owner)
		return OutcomeError, fmt.Errorf("refresh ticket %s: %w", snap.Key, err)
	}
	if o, done := gate(current); done {
		t.release(ctx, log, snap.Key, owner)
		if o == OutcomeIncomplete {
			return o, nil
		}
		return OutcomeStale, nil
	}

	if t.ledger != nil {
		prev, found, err := t.ledger.LastSucceededSync(ctx, current.Key)
		if err != nil {
			t.release(ctx, log, current.Key, owner)
			return OutcomeError, fmt.Errorf("look up sync history of %s: %w", current.Key, err)
		}
		if found {
			return t.backfill(ctx, log, current, owner, prev.RemoteID)
		}
	}

	return t.sync(ctx, log, current, owner)
}

// gate reports whether the snapshot alone settles the evaluation.
func gate(t *domain.Ticket) (Outcome, bool) {
	switch {
	case t.DownstreamID != nil:
		return OutcomeAlreadyConverged, true
	case t.DeadLetter != nil:
		return OutcomeDeadLettered, true
	case !t.Complete():
		return OutcomeIncomplete, true
	}
	return "", false
}

func (t *Trigger) sync(ctx context.Context, log *slog.Logger, tk *domain.Ticket, owner string) (Outcome, error) {
	summary, err := domain.NewSummary(tk)
	if err != nil {
		t.release(ctx, log, tk.Key, owner)
		return OutcomeError, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, t.cfg.SyncTimeout)
	defer cancel()

	start := time.Now()
	var remoteID string
	err = retry.Do(syncCtx, retry.Config{
		MaxAttempts: t.cfg.SinkRetries + 1,
		BaseDelay:   t.cfg.RetryDelay,
		Retryable:   domain.IsRetryable,
		OnRetry: func(attempt int, err error) {
			telemetry.SinkRetriesTotal.Inc()
			log.Warn("sink create failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		session, err := t.sink.Authenticate(syncCtx)
		if err != nil {
			return err
		}
		remoteID, err = t.sink.Create(syncCtx, session, summary)
		return err
	})
	elapsed := time.Since(start)
	telemetry.SinkCreateDurationSeconds.Observe(elapsed.Seconds())

	if err != nil && ctx.Err() != nil {
		// Shutting down: the event stays uncommitted and is redelivered, so
		// the interruption is not counted against the ticket.
		t.release(ctx, log, tk.Key, owner)
		log.Warn("sync interrupted", slog.String("error", err.Error()))
		return OutcomeError, fmt.Errorf("sync ticket %s: %w", tk.Key, ctx.Err())
	}

	// The downstream record may exist now; bookkeeping must not be cut short.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return t.fail(ctx, log, tk, owner, elapsed, err)
	}

	t.recordSync(ctx, log, &domain.SyncAttempt{
		TicketKey:  tk.Key,
		Owner:      owner,
		Attempt:    tk.SyncFailures + 1,
		Outcome:    domain.SyncSucceeded,
		RemoteID:   remoteID,
		DurationMs: elapsed.Milliseconds(),
	})
	if err := t.markConverged(ctx, log, tk.Key, remoteID); err != nil {
		// Keep the claim: it expires on its own and the ledger lets the next
		// evaluation backfill the marker instead of creating again.
		log.Error("downstream record created but marker write failed",
			slog.String("remote_id", remoteID),
			slog.String("error", err.Error()),
		)
		return OutcomeConverged, nil
	}
	t.release(ctx, log, tk.Key, owner)
	log.Info("ticket converged",
		slog.String("remote_id", remoteID),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return OutcomeConverged, nil
}

func (t *Trigger) backfill(ctx context.Context, log *slog.Logger, tk *domain.Ticket, owner, remoteID string) (Outcome, error) {
	if err := t.markConverged(ctx, log, tk.Key, remoteID); err != nil {
		return OutcomeError, fmt.Errorf("backfill marker of %s: %w", tk.Key, err)
	}
	t.release(ctx, log, tk.Key, owner)
	log.Info("restored marker from sync history", slog.String("remote_id", remoteID))
	return OutcomeBackfilled, nil
}

func (t *Trigger) markConverged(ctx context.Context, log *slog.Logger, key, remoteID string) error {
	written, err := t.store.SetFieldIfAbsent(ctx, key, domain.FieldDownstreamID, remoteID)
	if err != nil {
		return err
	}
	if !written {
		log.Warn("downstream marker already present", slog.String("remote_id", remoteID))
	}
	if err := t.store.Settle(ctx, key); err != nil {
		log.Warn("failed to settle ticket", slog.String("error", err.Error()))
	}
	return nil
}

// fail counts the failed evaluation and either dead-letters the ticket or
// hands it back for another attempt.
func (t *Trigger) fail(ctx context.Context, log *slog.Logger, tk *domain.Ticket, owner string, elapsed time.Duration, syncErr error) (Outcome, error) {
	log.Error("downstream sync failed",
		slog.Bool("retryable", domain.IsRetryable(syncErr)),
		slog.String("error", syncErr.Error()),
	)
	attempt := &domain.SyncAttempt{
		TicketKey:  tk.Key,
		Owner:      owner,
		Attempt:    tk.SyncFailures + 1,
		Outcome:    domain.SyncFailed,
		DurationMs: elapsed.Milliseconds(),
		Error:      syncErr.Error(),
	}

	failures, err := t.store.IncrField(ctx, tk.Key, domain.FieldSyncFailures, 1)
	if err != nil {
		log.Error("failed to count sync failure", slog.String("error", err.Error()))
		t.recordSync(ctx, log, attempt)
		t.release(ctx, log, tk.Key, owner)
		return OutcomeFailed, nil
	}
	attempt.Attempt = int(failures)

	if t.cfg.MaxSyncFailures > 0 && failures >= int64(t.cfg.MaxSyncFailures) {
		attempt.Outcome = domain.SyncDeadLettered
		t.recordSync(ctx, log, attempt)
		t.deadLetter(ctx, log, tk, failures, syncErr)
		t.release(ctx, log, tk.Key, owner)
		return OutcomeDeadLetter, nil
	}

	t.recordSync(ctx, log, attempt)
	if t.hold(ctx, log, tk.Key, owner, failures) {
		return OutcomeFailed, nil
	}
	t.release(ctx, log, tk.Key, owner)
	if err := t.store.Touch(ctx, tk.Key); err != nil {
		// The reconciler re-notifies stranded tickets.
		log.Warn("failed to re-notify ticket after sync failure", slog.String("error", err.Error()))
	}
	return OutcomeFailed, nil
}

// hold keeps the claim through the failure backoff so update events that
// arrive meanwhile are ignored, and schedules the reconciler to look at the
// ticket when the claim lapses. False means the ticket must be handed back now.
func (t *Trigger) hold(ctx context.Context, log *slog.Logger, key, owner string, failures int64) bool {
	backoff := t.cfg.failureBackoff(failures)
	if backoff <= 0 {
		return false
	}
	held, err := t.store.Extend(ctx, key, owner, backoff)
	if err != nil {
		log.Warn("failed to hold claim after sync failure", slog.String("error", err.Error()))
		return false
	}
	if !held {
		return false
	}
	if err := t.store.Defer(ctx, key, time.Now().Add(backoff)); err != nil {
		log.Warn("failed to schedule next check", slog.String("error", err.Error()))
	}
	log.Info("holding ticket before next sync attempt",
		slog.Int64("sync_failures", failures),
		slog.Duration("backoff", backoff),
	)
	return true
}

func (t *Trigger) deadLetter(ctx context.Context, log *slog.Logger, tk *domain.Ticket, failures int64, cause error) {
	reason := fmt.Sprintf("%d failed sync attempts, last: %v", failures, cause)
	if _, err := t.store.SetFieldIfAbsent(ctx, tk.Key, domain.FieldDeadLetter, reason); err != nil {
		log.Error("failed to mark ticket dead-lettered", slog.String("error", err.Error()))
		return
	}
	if err := t.store.Settle(ctx, tk.Key); err != nil {
		log.Warn("failed to settle ticket", slog.String("error", err.Error()))
	}

	final, err := t.store.Snapshot(ctx, tk.Key)
	if err != nil {
		final = tk
	}
	if err := t.store.DeadLetter(ctx, final); err != nil {
		log.Error("failed to publish dead-lettered ticket", slog.String("error", err.Error()))
	}
	telemetry.DeadLetteredTotal.Inc()
	log.Error("ticket dead-lettered", slog.Int64("sync_failures", failures))
}

func (t *Trigger) recordSync(ctx context.Context, log *slog.Logger, a *domain.SyncAttempt) {
	if t.ledger == nil {
		return
	}
	if err := t.ledger.RecordSync(ctx, a); err != nil {
		log.Warn("failed to record sync attempt", slog.String("error", err.Error()))
	}
}

func (t *Trigger) release(ctx context.Context, log *slog.Logger, key, owner string) {
	released, err := t.store.Release(context.WithoutCancel(ctx), key, owner)
	switch {
	case err != nil:
		log.Warn("failed to release claim", slog.String("error", err.Error()))
	case !released:
		log.Warn("claim had already expired")
	}
}
