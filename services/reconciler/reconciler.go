package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	redisstore "github.com/ramiqadoumi/ticketflow/internal/redis"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

const LeaderKey = "reconciler:leader"

// Store is the part of the record store a sweep needs.
type Store interface {
	Unsettled(ctx context.Context, due time.Time, limit int) ([]string, error)
	Defer(ctx context.Context, key string, until time.Time) error
	Snapshot(ctx context.Context, key string) (*domain.Ticket, error)
	Claimed(ctx context.Context, key string) (bool, error)
	Settle(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
	PublishCreated(ctx context.Context, key string) error
}

// Action is what a sweep did with one unsettled ticket.
type Action string

const (
	ActionSettled    Action = "settled"
	ActionRenotified Action = "renotified"
	ActionRedriven   Action = "redriven"
	ActionAbandoned  Action = "abandoned"
	ActionWaiting    Action = "waiting"
	ActionFailed     Action = "failed"
)

type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 1m" are accepted.
	Schedule string
	// BatchSize is how many due tickets are fetched per page.
	BatchSize int
	// MaxScan bounds the tickets examined by one sweep. Defaults to ten pages.
	MaxScan int
	// SettleGrace is how old a complete, unclaimed ticket must be before the
	// sweep re-announces it to the convergers.
	SettleGrace time.Duration
	// RedriveAfter is how old an incomplete ticket must be before enrichment
	// is triggered again. Zero disables redrives.
	RedriveAfter time.Duration
	// RecheckInterval is how long a ticket that needs nothing right now is
	// left out of the sweep.
	RecheckInterval time.Duration
	// AbandonAfter drops incomplete tickets older than this from the index.
	// Zero keeps them indexed.
	AbandonAfter time.Duration
}

// Report summarises one sweep.
type Report struct {
	Scanned int
	Actions map[Action]int
}

// Reconciler finds tickets whose notifications were lost or whose sync was
// abandoned, and gets them moving again. Only the elected leader sweeps.
type Reconciler struct {
	store  Store
	leader redisstore.Leader
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(store Store, leader redisstore.Leader, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = 10 * cfg.BatchSize
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 5 * time.Minute
	}
	return &Reconciler{
		store:  store,
		leader: leader,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured schedule. Blocks until ctx is cancelled and
// the running sweep, if any, has finished.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	leading, err := r.leader.Acquire(ctx)
	if err != nil {
		r.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if !leading {
		r.logger.Debug("not the leader, skipping sweep")
		return
	}

	start := time.Now()
	report, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	r.logger.Info("sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("settled", report.Actions[ActionSettled]),
		slog.Int("renotified", report.Actions[ActionRenotified]),
		slog.Int("redriven", report.Actions[ActionRedriven]),
		slog.Int("abandoned", report.Actions[ActionAbandoned]),
		slog.Int("failed", report.Actions[ActionFailed]),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// Sweep examines every due ticket, page by page, up to MaxScan. Tickets
// that stay unsettled are pushed to their next check time so later pages
// reach the rest of the index.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	report := Report{Actions: make(map[Action]int)}
	seen := make(map[string]struct{})

	for report.Scanned < r.cfg.MaxScan && ctx.Err() == nil {
		now := r.now()
		limit := min(r.cfg.BatchSize, r.cfg.MaxScan-report.Scanned)
		keys, err := r.store.Unsettled(ctx, now, limit)
		if err != nil {
			if report.Scanned > 0 {
				r.logger.Warn("list unsettled", slog.String("error", err.Error()))
				return report, nil
			}
			return Report{}, fmt.Errorf("list unsettled: %w", err)
		}

		fresh := 0
		for _, key := range keys {
			if ctx.Err() != nil {
				break
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fresh++
			report.Scanned++

			action, next, err := r.reconcile(ctx, key, now)
			if err != nil {
				r.logger.Error("reconcile ticket",
					slog.String("ticket_key", key),
					slog.String("error", err.Error()),
				)
				action, next = ActionFailed, now.Add(r.cfg.RecheckInterval)
			}
			if !next.IsZero() {
				if err := r.store.Defer(ctx, key, next); err != nil {
					r.logger.Warn("defer ticket",
						slog.String("ticket_key", key),
						slog.String("error", err.Error()),
					)
				}
			}
			report.Actions[action]++
			telemetry.ReconcilerActionsTotal.WithLabelValues(string(action)).Inc()
		}
		if fresh == 0 || len(keys) < limit {
			break
		}
	}
	return report, nil
}

// reconcile decides what one ticket needs and when it should be looked at
// again. A zero time means the ticket left the index.
func (r *Reconciler) reconcile(ctx context.Context, key string, now time.Time) (Action, time.Time, error) {
	t, err := r.store.Snapshot(ctx, key)
	if err != nil {
		var notFound *domain.TicketNotFoundError
		if errors.As(err, &notFound) {
			// Index entry without a record.
			return ActionSettled, time.Time{}, r.store.Settle(ctx, key)
		}
		return ActionFailed, time.Time{}, err
	}

	if t.Status().IsTerminal() {
		return ActionSettled, time.Time{}, r.store.Settle(ctx, key)
	}

	age := now.Sub(t.CreatedAt)
	if t.Complete() {
		if age < r.cfg.SettleGrace {
			return ActionWaiting, t.CreatedAt.Add(r.cfg.SettleGrace), nil
		}
		held, err := r.store.Claimed(ctx, key)
		if err != nil {
			return ActionFailed, time.Time{}, err
		}
		next := now.Add(max(r.cfg.SettleGrace, time.Minute))
		if held {
			return ActionWaiting, next, nil
		}
		return ActionRenotified, next, r.store.Touch(ctx, key)
	}

	if r.cfg.AbandonAfter > 0 && age >= r.cfg.AbandonAfter {
		r.logger.Warn("abandoning incomplete ticket",
			slog.String("ticket_key", key),
			slog.Any("missing", t.Missing()),
			slog.Duration("age", age),
		)
		return ActionAbandoned, time.Time{}, r.store.Settle(ctx, key)
	}
	if r.cfg.RedriveAfter > 0 {
		if age >= r.cfg.RedriveAfter {
			return ActionRedriven, now.Add(r.cfg.RedriveAfter), r.store.PublishCreated(ctx, key)
		}
		return ActionWaiting, t.CreatedAt.Add(r.cfg.RedriveAfter), nil
	}
	return ActionWaiting, now.Add(r.cfg.RecheckInterval), nil
}
