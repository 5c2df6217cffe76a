package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	intake
	ready func(ctx context.Context) error
}

// NewREST creates a new REST handler. history may be nil.
func NewREST(store TicketStore, history SyncHistory, ready func(ctx context.Context) error, logger *slog.Logger) *REST {
	return &REST{intake: intake{store: store, history: history, logger: logger}, ready: ready}
}

// CreateTicketResponse is the 202 response body.
type CreateTicketResponse struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTicket handles POST /api/v1/tickets.
func (h *REST) CreateTicket(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.create_ticket")
	defer span.End()

	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.APITicketsSubmitted.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := h.create(ctx, req)
	span.SetAttributes(attribute.String("ticket.key", t.Key))
	if err != nil {
		var (
			invalid *domain.InvalidTicketError
			exists  *domain.TicketExistsError
		)
		switch {
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, invalid.Reason)
		case errors.As(err, &exists):
			writeError(w, http.StatusConflict, "ticket already exists")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			writeError(w, http.StatusInternalServerError, "failed to create ticket")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, CreateTicketResponse{
		Key:       t.Key,
		Status:    string(domain.StatusPending),
		CreatedAt: t.CreatedAt,
	})
}

// GetTicket handles GET /api/v1/tickets/{key}.
func (h *REST) GetTicket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "ticket key is required")
		return
	}
	resp, err := h.lookup(r.Context(), key)
	if err != nil {
		var notFound *domain.TicketNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to retrieve ticket")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.ready != nil {
		if err := h.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
