package domain

import (
	"errors"
	"fmt"
)

// TicketNotFoundError is returned when a ticket key does not exist.
type TicketNotFoundError struct {
	Key string
}

func (e *TicketNotFoundError) Error() string {
	return fmt.Sprintf("ticket not found: %s", e.Key)
}

// TicketExistsError is returned when creating a ticket whose key is taken.
type TicketExistsError struct {
	Key string
}

func (e *TicketExistsError) Error() string {
	return fmt.Sprintf("ticket already exists: %s", e.Key)
}

// InvalidTicketError is returned when a ticket fails validation, either on
// intake or when a stored record cannot be decoded.
type InvalidTicketError struct {
	Key    string
	Reason string
}

func (e *InvalidTicketError) Error() string {
	return fmt.Sprintf("invalid ticket %q: %s", e.Key, e.Reason)
}

// AuthenticationError is a credential or session failure against the
// predictor or the downstream sink.
type AuthenticationError struct {
	Service string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Service, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError is a network-level failure talking to an external service.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PredictorError is a failure reported by the predictor or a malformed result.
type PredictorError struct {
	Model  string
	Reason string
}

func (e *PredictorError) Error() string {
	return fmt.Sprintf("predictor %q: %s", e.Model, e.Reason)
}

// SinkError is a failed create against the downstream sink.
type SinkError struct {
	StatusCode int
	Reason     string
}

func (e *SinkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sink create failed: %s", e.Reason)
	}
	return fmt.Sprintf("sink create failed with status %d: %s", e.StatusCode, e.Reason)
}

// ClaimConflictError means another evaluator already owns convergence for
// the ticket. It is expected and resolves to doing nothing.
type ClaimConflictError struct {
	Key string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("convergence of ticket %s already claimed", e.Key)
}

// RateLimitExceededError is returned when a predictor model exceeds its call quota.
type RateLimitExceededError struct {
	Model string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for model %q: limit is %d", e.Model, e.Limit)
}

// IsRetryable reports whether err is worth another delivery: transient
// transport failures, authentication failures (tokens get refreshed) and
// rate limiting. Predictor and sink rejections are not.
func IsRetryable(err error) bool {
	var (
		auth      *AuthenticationError
		transport *TransportError
		limited   *RateLimitExceededError
	)
	return errors.As(err, &auth) || errors.As(err, &transport) || errors.As(err, &limited)
}
