package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/postgres/migrations"
)

// Ledger is the audit trail of enrichment runs and downstream sync attempts.
type Ledger interface {
	RecordEnrichment(ctx context.Context, run *domain.EnrichmentRun) error
	RecordSync(ctx context.Context, attempt *domain.SyncAttempt) error
	// LastSucceededSync returns the successful sync of key, if any.
	LastSucceededSync(ctx context.Context, key string) (*domain.SyncAttempt, bool, error)
	ListSyncs(ctx context.Context, key string, limit int) ([]*domain.SyncAttempt, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Ledger interface.
func NewRepository(pool *pgxpool.Pool) Ledger {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in file-name order. The files are
// idempotent, so running it against an up-to-date schema is a no-op.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return names, nil
}

func (r *repository) RecordEnrichment(ctx context.Context, run *domain.EnrichmentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.ExecutedAt.IsZero() {
		run.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO enrichment_runs
			(id, ticket_key, field, model, outcome, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		run.ID, run.TicketKey, string(run.Field), run.Model,
		string(run.Outcome), run.DurationMs, nullable(run.Error), run.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record enrichment %s.%s: %w", run.TicketKey, run.Field, err)
	}
	return nil
}

func (r *repository) RecordSync(ctx context.Context, a *domain.SyncAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_attempts
			(id, ticket_key, owner, attempt, outcome, remote_id, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.TicketKey, a.Owner, a.Attempt, string(a.Outcome),
		nullable(a.RemoteID), a.DurationMs, nullable(a.Error), a.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record sync for ticket %s: %w", a.TicketKey, err)
	}
	return nil
}

func (r *repository) LastSucceededSync(ctx context.Context, key string) (*domain.SyncAttempt, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, ticket_key, owner, attempt, outcome, remote_id, duration_ms, error, executed_at
		FROM sync_attempts
		WHERE ticket_key = $1 AND outcome = $2
		ORDER BY executed_at DESC
		LIMIT 1
	`, key, string(domain.SyncSucceeded))

	a, err := scanSync(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("last succeeded sync for ticket %s: %w", key, err)
	}
	return a, true, nil
}

func (r *repository) ListSyncs(ctx context.Context, key string, limit int) ([]*domain.SyncAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, ticket_key, owner, attempt, outcome, remote_id, duration_ms, error, executed_at
		FROM sync_attempts
		WHERE ticket_key = $1
		ORDER BY executed_at ASC
		LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list syncs for ticket %s: %w", key, err)
	}
	defer rows.Close()

	var attempts []*domain.SyncAttempt
	for rows.Next() {
		a, err := scanSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// scanSync reads a sync_attempts row from any pgx row type.
func scanSync(row interface {
	Scan(...any) error
}) (*domain.SyncAttempt, error) {
	var (
		a               domain.SyncAttempt
		outcome         string
		remoteID, cause *string
	)
	err := row.Scan(
		&a.ID, &a.TicketKey, &a.Owner, &a.Attempt, &outcome,
		&remoteID, &a.DurationMs, &cause, &a.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Outcome = domain.SyncOutcome(outcome)
	if remoteID != nil {
		a.RemoteID = *remoteID
	}
	if cause != nil {
		a.Error = *cause
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
