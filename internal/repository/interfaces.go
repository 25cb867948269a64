package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates the entity was not in the expected state.
	ErrConflict = apperrors.ErrConflict
	// ErrStaleClaim indicates a conditional transition matched no row:
	// another actor won the race. The loser must treat this as a no-op.
	ErrStaleClaim = apperrors.ErrStaleClaim
)

// ListFilter narrows queue listings. AfterID enables keyset pagination.
type ListFilter struct {
	Status        *domain.CallStatus
	Purpose       *domain.CallPurpose
	AppointmentID *uuid.UUID
	AfterID       *uuid.UUID
	Limit         int
}

// CancelOutcome reports what a cancellation request achieved.
type CancelOutcome int

const (
	// CancelledNow: the row was pending and is now cancelled.
	CancelledNow CancelOutcome = iota
	// CancelRequested: the row was claimed by a worker; the cancellation
	// flag is set and the worker will honor it before initiating.
	CancelRequested
	// CancelTooLate: the call was already handed to the voice platform.
	CancelTooLate
)

// QueueStore owns queued-call persistence and the atomic claim primitive.
// All conditional transitions signal a lost race with ErrStaleClaim rather
// than silently coercing state; rows are never physically deleted.
type QueueStore interface {
	Create(ctx context.Context, call *domain.QueuedCall) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.QueuedCall, error)
	List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]*domain.QueuedCall, error)

	// DueCalls returns pending rows whose due instant has elapsed, oldest
	// scheduled_for first.
	DueCalls(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedCall, error)

	// Claim atomically transitions pending -> processing. Returns false
	// when another worker already holds the row or the row is no longer
	// due at now (rescheduled since the caller's due snapshot).
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// Release returns a claimed row to pending with a new schedule. Used
	// for admission denials at dispatch time; attempts are not consumed.
	Release(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error

	// MarkDispatched records a synchronous accept: the row stays
	// processing until the platform reports the real outcome.
	MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, attempts int, attemptedAt time.Time) error

	// ScheduleRetry returns a claimed row to pending with bumped attempts
	// and a retry instant computed by the retry policy.
	ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt, attemptedAt time.Time, lastError string) error

	// MarkFailed terminates a claimed row.
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, attemptedAt time.Time, reason string) error

	// Finalize applies the externally-reported outcome of a dispatched
	// call: processing -> completed | failed.
	Finalize(ctx context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) error

	// Reschedule moves a pending row to a new schedule. ErrConflict when
	// the row is no longer pending.
	Reschedule(ctx context.Context, tenantID, id uuid.UUID, scheduledFor time.Time) error

	// Cancel cancels a pending row outright, flags a claimed row for
	// cancellation, or reports CancelTooLate for an initiated call.
	// ErrConflict for terminal rows.
	Cancel(ctx context.Context, tenantID, id uuid.UUID) (CancelOutcome, error)

	// ConfirmCancel transitions a cancel-requested processing row to
	// cancelled. Workers call it before initiating; true means the call
	// must not be placed.
	ConfirmCancel(ctx context.Context, id uuid.UUID) (bool, error)

	// StaleProcessing returns claimed rows whose claim is older than the
	// cutoff, so a crashed worker's claims can be recovered.
	StaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.QueuedCall, error)

	// CountAttempted counts initiated calls for the tenant within
	// [from, to), including in-flight claims, excluding the given id.
	CountAttempted(ctx context.Context, tenantID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error)
}

// DNCRepository reads the tenant do-not-call list. Writes happen in the
// surrounding product; the dispatcher only ever reads it.
type DNCRepository interface {
	IsBlocked(ctx context.Context, tenantID uuid.UUID, phoneNumber string) (bool, error)
}

// OutboundSettingsRepository reads per-tenant outbound configuration.
type OutboundSettingsRepository interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*domain.OutboundSettings, error)
}

// DispatchAttemptStore retains per-attempt history for audit and reporting.
type DispatchAttemptStore interface {
	Append(ctx context.Context, attempt domain.DispatchAttempt) error
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]domain.DispatchAttempt, error)
}
