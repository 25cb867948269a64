package queue

import (
	"time"

	"github.com/google/uuid"
)

// Outcome statuses reported by the voice platform for a dispatched call.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// OutcomeMessage carries the platform-reported final outcome of a call
// that was successfully handed off. The dispatcher's job ended at
// initiation; this message drives the terminal transition.
type OutcomeMessage struct {
	CallID         uuid.UUID `json:"call_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ExternalCallID string    `json:"external_call_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	OccurredAt     time.Time `json:"occurred_at"`
}
