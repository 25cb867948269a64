package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle states of a queued call.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusProcessing CallStatus = "processing"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCancelled  CallStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal state transition.
// pending -> processing | cancelled; processing -> pending (retry requeue),
// completed, failed or cancelled. Terminal states never transition.
func CanTransition(from, to CallStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case CallStatusPending:
		return to == CallStatusProcessing || to == CallStatusCancelled
	case CallStatusProcessing:
		return to == CallStatusPending || to == CallStatusCompleted ||
			to == CallStatusFailed || to == CallStatusCancelled
	}
	return false
}

// CallPurpose enumerates the supported kinds of outbound calls.
type CallPurpose string

const (
	PurposeReminder CallPurpose = "reminder"
	PurposeFollowup CallPurpose = "followup"
	PurposeCustom   CallPurpose = "custom"
)

// Valid reports whether the purpose is one of the known values.
func (p CallPurpose) Valid() bool {
	switch p {
	case PurposeReminder, PurposeFollowup, PurposeCustom:
		return true
	}
	return false
}

// FailureClass distinguishes retryable failures from terminal ones.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// QueuedCall is a unit of scheduled outbound work.
type QueuedCall struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	PhoneNumber   string
	Purpose       CallPurpose
	AppointmentID *uuid.UUID
	Message       string
	Metadata      map[string]any

	ScheduledFor time.Time
	Status       CallStatus
	Attempts     int
	MaxAttempts  int

	LastAttemptAt   *time.Time
	NextRetryAt     *time.Time
	ClaimedAt       *time.Time
	CancelRequested bool
	ExternalCallID  *string
	LastError       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DueAt returns the instant after which the call becomes eligible for
// dispatch. Retried calls use next_retry_at, fresh calls scheduled_for.
func (c *QueuedCall) DueAt() time.Time {
	if c.NextRetryAt != nil && c.NextRetryAt.After(c.ScheduledFor) {
		return *c.NextRetryAt
	}
	return c.ScheduledFor
}

// DNCEntry is a tenant-scoped number that must never be called outbound.
type DNCEntry struct {
	TenantID    uuid.UUID
	PhoneNumber string
	Source      string
	CreatedAt   time.Time
}

// OutboundSettings is the per-tenant outbound calling configuration.
// Calling hours are expressed as minutes from local midnight; a window
// whose end is not after its start spans midnight.
type OutboundSettings struct {
	TenantID        uuid.UUID
	Enabled         bool
	TimeZone        string
	HoursStartMin   int
	HoursEndMin     int
	DailyCallLimit  int
	MaxAttempts     int
}

// Location resolves the tenant timezone, falling back to UTC on bad data.
func (s *OutboundSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryPolicy defines backoff parameters for transient dispatch failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DispatchAttempt captures one initiation attempt for observability.
type DispatchAttempt struct {
	ID             uuid.UUID
	CallID         uuid.UUID
	TenantID       uuid.UUID
	AttemptNum     int
	Accepted       bool
	FailureClass   FailureClass
	ExternalCallID string
	Error          string
	OccurredAt     time.Time
	Duration       time.Duration
}
