// Package queue exposes the administrative operations on the outbound call
// queue: enqueue, listing, reschedule, cancellation and operator-triggered
// immediate calls.
package queue

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/compliance"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/initiator"
	"github.com/acme/outbound-dispatch/internal/repository"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// e164 matches the destination number format accepted at the API edge.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// DeniedError reports a compliance denial to the caller, carrying the full
// decision so the transport layer can render reason and usage numbers.
type DeniedError struct {
	Decision compliance.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("call denied: %s", e.Decision.Reason)
}

// Service orchestrates queue lifecycle operations.
type Service struct {
	store        repository.QueueStore
	settingsRepo repository.OutboundSettingsRepository
	attempts     repository.DispatchAttemptStore
	gate         *compliance.Gate
	initiator    initiator.Initiator
	maxAttempts  int
}

// NewService constructs a queue service. maxAttempts is the fallback when a
// tenant's settings carry no per-tenant override.
func NewService(
	store repository.QueueStore,
	settings repository.OutboundSettingsRepository,
	attempts repository.DispatchAttemptStore,
	gate *compliance.Gate,
	init initiator.Initiator,
	maxAttempts int,
) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:        store,
		settingsRepo: settings,
		attempts:     attempts,
		gate:         gate,
		initiator:    init,
		maxAttempts:  maxAttempts,
	}
}

// EnqueueInput captures the parameters of a new queued call.
type EnqueueInput struct {
	TenantID      uuid.UUID
	PhoneNumber   string
	Purpose       domain.CallPurpose
	AppointmentID *uuid.UUID
	Message       string
	Metadata      map[string]any
	ScheduledFor  time.Time
}

// Enqueue validates and stores a new queued call. Only the checks that
// cannot change before the scheduled instant run here (outbound enabled,
// not on the DNC list); calling hours and the daily cap are evaluated at
// dispatch time, when they are actually meaningful.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*domain.QueuedCall, error) {
	now := time.Now().UTC()
	if err := validateEnqueueInput(input, now); err != nil {
		return nil, err
	}

	decision, err := s.gate.Static(ctx, input.TenantID, input.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("queue service: admission check: %w", err)
	}
	if !decision.Allowed {
		return nil, &DeniedError{Decision: decision}
	}

	scheduledFor := input.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	call := &domain.QueuedCall{
		ID:            uuid.New(),
		TenantID:      input.TenantID,
		PhoneNumber:   input.PhoneNumber,
		Purpose:       input.Purpose,
		AppointmentID: input.AppointmentID,
		Message:       input.Message,
		Metadata:      input.Metadata,
		ScheduledFor:  scheduledFor.UTC(),
		Status:        domain.CallStatusPending,
		MaxAttempts:   s.resolveMaxAttempts(ctx, input.TenantID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("queue service: enqueue call: %w", err)
	}
	return call, nil
}

// ImmediateCall places a call right now on an operator's behalf, skipping
// the queue. The full admission check runs first, including hours and the
// daily cap; a denied immediate call is reported, never deferred. The call
// gets a single attempt since the operator is watching.
func (s *Service) ImmediateCall(ctx context.Context, input EnqueueInput) (*domain.QueuedCall, error) {
	now := time.Now().UTC()
	input.ScheduledFor = now
	if err := validateEnqueueInput(input, now); err != nil {
		return nil, err
	}

	decision, err := s.gate.Evaluate(ctx, input.TenantID, input.PhoneNumber, now, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("queue service: admission check: %w", err)
	}
	if !decision.Allowed {
		return nil, &DeniedError{Decision: decision}
	}

	claimedAt := now
	call := &domain.QueuedCall{
		ID:            uuid.New(),
		TenantID:      input.TenantID,
		PhoneNumber:   input.PhoneNumber,
		Purpose:       input.Purpose,
		AppointmentID: input.AppointmentID,
		Message:       input.Message,
		Metadata:      input.Metadata,
		ScheduledFor:  now,
		Status:        domain.CallStatusProcessing,
		ClaimedAt:     &claimedAt,
		MaxAttempts:   1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("queue service: record immediate call: %w", err)
	}

	result, callErr := s.initiator.Initiate(ctx, initiator.Request{
		CallID:        call.ID,
		TenantID:      call.TenantID,
		PhoneNumber:   call.PhoneNumber,
		Purpose:       call.Purpose,
		Message:       call.Message,
		AppointmentID: call.AppointmentID,
		Metadata:      call.Metadata,
	})
	if callErr != nil {
		result = initiator.Result{Error: callErr.Error()}
	}

	if result.Accepted {
		if err := s.store.MarkDispatched(ctx, call.ID, result.ExternalCallID, 1, now); err != nil {
			return nil, fmt.Errorf("queue service: record dispatch: %w", err)
		}
	} else {
		reason := result.Error
		if reason == "" {
			reason = "initiation rejected"
		}
		if err := s.store.MarkFailed(ctx, call.ID, 1, now, reason); err != nil {
			return nil, fmt.Errorf("queue service: record failure: %w", err)
		}
	}

	return s.store.Get(ctx, call.TenantID, call.ID)
}

// Get fetches a single queued call scoped to its tenant.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.QueuedCall, error) {
	return s.store.Get(ctx, tenantID, id)
}

// List returns queued calls for a tenant, newest scheduling first is left
// to the store's ordering.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter repository.ListFilter) ([]*domain.QueuedCall, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.store.List(ctx, tenantID, filter)
}

// Reschedule moves a pending call to a new instant. Claimed, dispatched
// and terminal calls cannot be moved.
func (s *Service) Reschedule(ctx context.Context, tenantID, id uuid.UUID, scheduledFor time.Time) (*domain.QueuedCall, error) {
	if scheduledFor.Before(time.Now().UTC().Add(-time.Minute)) {
		return nil, fmt.Errorf("%w: scheduled_for must not be in the past", apperrors.ErrValidation)
	}
	if err := s.store.Reschedule(ctx, tenantID, id, scheduledFor.UTC()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, tenantID, id)
}

// Cancel requests cancellation of a queued call and reports how far the
// request got. A pending call cancels immediately; a claimed one gets a
// flag the dispatcher honors before initiating; a dispatched one is too
// late to stop.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) (repository.CancelOutcome, *domain.QueuedCall, error) {
	outcome, err := s.store.Cancel(ctx, tenantID, id)
	if err != nil {
		return 0, nil, err
	}
	call, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return 0, nil, err
	}
	return outcome, call, nil
}

// Attempts returns the dispatch attempt history of a call, newest first.
// The call is fetched first so the listing stays tenant-scoped; the audit
// store itself is keyed by call id only.
func (s *Service) Attempts(ctx context.Context, tenantID, id uuid.UUID, limit int) ([]domain.DispatchAttempt, error) {
	if _, err := s.store.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.attempts.ListByCall(ctx, id, limit)
}

func (s *Service) resolveMaxAttempts(ctx context.Context, tenantID uuid.UUID) int {
	settings, err := s.settingsRepo.Get(ctx, tenantID)
	if err != nil || settings.MaxAttempts <= 0 {
		return s.maxAttempts
	}
	return settings.MaxAttempts
}

func validateEnqueueInput(input EnqueueInput, now time.Time) error {
	if input.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrValidation)
	}
	if !e164.MatchString(input.PhoneNumber) {
		return fmt.Errorf("%w: phone number must be E.164", apperrors.ErrValidation)
	}
	if !input.Purpose.Valid() {
		return fmt.Errorf("%w: unknown call purpose %q", apperrors.ErrValidation, input.Purpose)
	}
	if input.Purpose == domain.PurposeCustom && input.Message == "" {
		return fmt.Errorf("%w: custom calls require a message", apperrors.ErrValidation)
	}
	if !input.ScheduledFor.IsZero() && input.ScheduledFor.Before(now.Add(-time.Minute)) {
		return fmt.Errorf("%w: scheduled_for must not be in the past", apperrors.ErrValidation)
	}
	return nil
}
