package storage

import (
	"context"
	"time"
)

// Outcome is the result class of a journaled operation.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeBadRequest Outcome = "bad_request"
	OutcomeError      Outcome = "error"
)

// Op names recorded in the journal.
const (
	OpStart = "start"
	OpLogs  = "logs"
	OpLint  = "lint"
	OpStop  = "stop"
)

// Event is one sandbox operation as seen by the manager.
type Event struct {
	ID          string    `json:"id"`
	Op          string    `json:"op"`
	ContainerID string    `json:"container_id,omitempty"`
	Image       string    `json:"image,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListOptions controls filtering for List.
type ListOptions struct {
	Op    string
	Limit int
}

// Journal is an append-only record of sandbox operations.
type Journal interface {
	// Append stores e. ID and CreatedAt are filled in when empty.
	Append(ctx context.Context, e *Event) error

	// List returns events newest first.
	List(ctx context.Context, opts ListOptions) ([]Event, error)

	// Close releases resources.
	Close() error
}
