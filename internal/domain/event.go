package domain

import "time"

// EventKind distinguishes record-store notifications.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventUpdated      EventKind = "updated"
	EventDeadLettered EventKind = "dead_lettered"
)

// TicketEvent carries a full ticket snapshot taken right after a write.
type TicketEvent struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	Key    string    `json:"key"`
	Field  Field     `json:"field,omitempty"`
	Ticket *Ticket   `json:"ticket"`
	At     time.Time `json:"at"`
}
