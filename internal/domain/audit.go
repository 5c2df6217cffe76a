package domain

import "time"

// EnrichmentOutcome is the result of a single enrichment task invocation.
type EnrichmentOutcome string

const (
	EnrichmentWritten  EnrichmentOutcome = "WRITTEN"
	EnrichmentSkipped  EnrichmentOutcome = "SKIPPED"
	EnrichmentConflict EnrichmentOutcome = "CONFLICT"
	EnrichmentFailed   EnrichmentOutcome = "FAILED"
)

// EnrichmentRun records one enrichment task invocation.
type EnrichmentRun struct {
	ID         string            `json:"id"`
	TicketKey  string            `json:"ticket_key"`
	Field      Field             `json:"field"`
	Model      string            `json:"model"`
	Outcome    EnrichmentOutcome `json:"outcome"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	ExecutedAt time.Time         `json:"executed_at"`
}

// SyncOutcome is the result of one downstream sync attempt.
type SyncOutcome string

const (
	SyncSucceeded    SyncOutcome = "SUCCEEDED"
	SyncFailed       SyncOutcome = "FAILED"
	SyncDeadLettered SyncOutcome = "DEAD_LETTERED"
)

// SyncAttempt records one claimed downstream sync of a ticket.
type SyncAttempt struct {
	ID         string      `json:"id"`
	TicketKey  string      `json:"ticket_key"`
	Owner      string      `json:"owner"`
	Attempt    int         `json:"attempt"`
	Outcome    SyncOutcome `json:"outcome"`
	RemoteID   string      `json:"remote_id,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}
