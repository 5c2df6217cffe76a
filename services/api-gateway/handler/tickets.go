package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

const syncHistoryLimit = 20

// TicketStore is the part of the record store the API uses.
// *recordstore.Store satisfies it.
type TicketStore interface {
	Create(ctx context.Context, t *domain.Ticket) error
	Snapshot(ctx context.Context, key string) (*domain.Ticket, error)
	StatusOf(ctx context.Context, t *domain.Ticket) (domain.ConvergenceStatus, error)
}

// SyncHistory lists downstream sync attempts. postgres.Ledger satisfies it.
type SyncHistory interface {
	ListSyncs(ctx context.Context, key string, limit int) ([]*domain.SyncAttempt, error)
}

// CreateTicketRequest is the intake body, as JSON over REST or as a
// google.protobuf.Struct over gRPC. Derived fields cannot be supplied.
type CreateTicketRequest struct {
	Key            string   `json:"key,omitempty"`
	Description    string   `json:"description"`
	Seniority      int      `json:"seniority"`
	Experience     int      `json:"experience"`
	Category       string   `json:"category"`
	Type           string   `json:"type"`
	Impact         string   `json:"impact"`
	Priority       string   `json:"priority,omitempty"`
	ResolutionTime *float64 `json:"t_resolution,omitempty"`
}

// TicketResponse describes one ticket and where it stands.
type TicketResponse struct {
	Ticket *domain.Ticket        `json:"ticket"`
	Status string                `json:"status"`
	Syncs  []*domain.SyncAttempt `json:"syncs,omitempty"`
}

// intake is shared by the REST and gRPC transports.
type intake struct {
	store   TicketStore
	history SyncHistory // nil = no ledger
	logger  *slog.Logger
}

// create stores a new ticket and counts the outcome. Errors come straight
// from the store for the transport to map.
func (in *intake) create(ctx context.Context, req CreateTicketRequest) (*domain.Ticket, error) {
	if req.Key == "" {
		req.Key = uuid.New().String()
	}
	t := &domain.Ticket{
		Key:            req.Key,
		Description:    req.Description,
		Seniority:      req.Seniority,
		Experience:     req.Experience,
		Category:       req.Category,
		Type:           req.Type,
		Impact:         req.Impact,
		Priority:       req.Priority,
		ResolutionTime: req.ResolutionTime,
	}

	err := in.store.Create(ctx, t)
	var (
		invalid *domain.InvalidTicketError
		exists  *domain.TicketExistsError
	)
	switch {
	case err == nil:
		telemetry.APITicketsSubmitted.WithLabelValues("accepted").Inc()
		in.logger.Info("ticket created", slog.String("ticket_key", t.Key))
		return t, nil
	case errors.As(err, &invalid):
		telemetry.APITicketsSubmitted.WithLabelValues("invalid").Inc()
	case errors.As(err, &exists):
		telemetry.APITicketsSubmitted.WithLabelValues("conflict").Inc()
	default:
		telemetry.APITicketsSubmitted.WithLabelValues("error").Inc()
		in.logger.Error("failed to create ticket", slog.String("ticket_key", t.Key), slog.String("error", err.Error()))
	}
	return t, err
}

// lookup returns the snapshot, its status and, when a ledger is configured,
// the recent sync attempts.
func (in *intake) lookup(ctx context.Context, key string) (*TicketResponse, error) {
	log := in.logger.With(slog.String("ticket_key", key))

	t, err := in.store.Snapshot(ctx, key)
	if err != nil {
		var notFound *domain.TicketNotFoundError
		if !errors.As(err, &notFound) {
			log.Error("snapshot failed", slog.String("error", err.Error()))
		}
		return nil, err
	}

	status, err := in.store.StatusOf(ctx, t)
	if err != nil {
		log.Error("status lookup failed", slog.String("error", err.Error()))
		return nil, err
	}

	resp := &TicketResponse{Ticket: t, Status: string(status)}
	if in.history != nil {
		// History is informational; the snapshot is still served without it.
		syncs, err := in.history.ListSyncs(ctx, key, syncHistoryLimit)
		if err != nil {
			log.Warn("sync history unavailable", slog.String("error", err.Error()))
		} else {
			resp.Syncs = syncs
		}
	}
	return resp, nil
}
