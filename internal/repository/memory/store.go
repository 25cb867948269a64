// Package memory provides in-memory implementations of the repository
// contracts with the same conditional-update semantics as the PostgreSQL
// implementations. Used by tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// QueueStore is an in-memory repository.QueueStore.
type QueueStore struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*domain.QueuedCall
}

// NewQueueStore constructs an empty store.
func NewQueueStore() *QueueStore {
	return &QueueStore{calls: make(map[uuid.UUID]*domain.QueuedCall)}
}

// Create inserts a queued call.
func (s *QueueStore) Create(_ context.Context, call *domain.QueuedCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.ID]; exists {
		return repository.ErrConflict
	}
	cp := *call
	s.calls[call.ID] = &cp
	return nil
}

// Get fetches a call scoped to its tenant.
func (s *QueueStore) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *call
	return &cp, nil
}

// List filters tenant calls, ordered by id for stable keyset pagination.
func (s *QueueStore) List(_ context.Context, tenantID uuid.UUID, filter repository.ListFilter) ([]*domain.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var matches []*domain.QueuedCall
	for _, call := range s.calls {
		if call.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && call.Status != *filter.Status {
			continue
		}
		if filter.Purpose != nil && call.Purpose != *filter.Purpose {
			continue
		}
		if filter.AppointmentID != nil && (call.AppointmentID == nil || *call.AppointmentID != *filter.AppointmentID) {
			continue
		}
		if filter.AfterID != nil && call.ID.String() <= filter.AfterID.String() {
			continue
		}
		cp := *call
		matches = append(matches, &cp)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID.String() < matches[j].ID.String()
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// DueCalls returns pending rows whose due instant has elapsed.
func (s *QueueStore) DueCalls(_ context.Context, now time.Time, limit int) ([]*domain.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var due []*domain.QueuedCall
	for _, call := range s.calls {
		if call.Status != domain.CallStatusPending {
			continue
		}
		if call.DueAt().After(now) {
			continue
		}
		cp := *call
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim transitions pending -> processing under the store lock, mirroring
// the conditional UPDATE in the PostgreSQL implementation.
func (s *QueueStore) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusPending {
		return false, nil
	}
	if call.DueAt().After(now) {
		// rescheduled out from under the caller's due snapshot
		return false, nil
	}
	claimedAt := now
	call.Status = domain.CallStatusProcessing
	call.ClaimedAt = &claimedAt
	call.UpdatedAt = now
	return true, nil
}

// Release returns a claimed row to pending without consuming an attempt.
func (s *QueueStore) Release(_ context.Context, id uuid.UUID, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing {
		return fmt.Errorf("memory store: release: %w", repository.ErrStaleClaim)
	}
	call.Status = domain.CallStatusPending
	call.ScheduledFor = scheduledFor
	call.NextRetryAt = nil
	call.ClaimedAt = nil
	call.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkDispatched records a synchronous accept.
func (s *QueueStore) MarkDispatched(_ context.Context, id uuid.UUID, externalCallID string, attempts int, attemptedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing {
		return fmt.Errorf("memory store: mark dispatched: %w", repository.ErrStaleClaim)
	}
	call.ExternalCallID = &externalCallID
	call.Attempts = attempts
	call.LastAttemptAt = &attemptedAt
	call.LastError = nil
	call.UpdatedAt = attemptedAt
	return nil
}

// ScheduleRetry requeues a claimed row after a transient failure.
func (s *QueueStore) ScheduleRetry(_ context.Context, id uuid.UUID, attempts int, nextRetryAt, attemptedAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing || attempts > call.MaxAttempts {
		return fmt.Errorf("memory store: schedule retry: %w", repository.ErrStaleClaim)
	}
	call.Status = domain.CallStatusPending
	call.Attempts = attempts
	call.NextRetryAt = &nextRetryAt
	call.LastAttemptAt = &attemptedAt
	call.LastError = &lastError
	call.ClaimedAt = nil
	call.UpdatedAt = attemptedAt
	return nil
}

// MarkFailed terminates a claimed row.
func (s *QueueStore) MarkFailed(_ context.Context, id uuid.UUID, attempts int, attemptedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing {
		return fmt.Errorf("memory store: mark failed: %w", repository.ErrStaleClaim)
	}
	call.Status = domain.CallStatusFailed
	call.Attempts = attempts
	call.LastAttemptAt = &attemptedAt
	call.LastError = &reason
	call.ClaimedAt = nil
	call.UpdatedAt = attemptedAt
	return nil
}

// Finalize applies the externally-reported outcome of a dispatched call.
func (s *QueueStore) Finalize(_ context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != domain.CallStatusCompleted && status != domain.CallStatusFailed {
		return fmt.Errorf("memory store: finalize to %s: %w", status, repository.ErrConflict)
	}

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing {
		return fmt.Errorf("memory store: finalize: %w", repository.ErrStaleClaim)
	}
	call.Status = status
	call.LastError = lastError
	call.ClaimedAt = nil
	call.UpdatedAt = time.Now().UTC()
	return nil
}

// Reschedule moves a pending row to a new schedule.
func (s *QueueStore) Reschedule(_ context.Context, tenantID, id uuid.UUID, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.TenantID != tenantID {
		return repository.ErrNotFound
	}
	if call.Status != domain.CallStatusPending {
		return fmt.Errorf("memory store: call is %s: %w", call.Status, repository.ErrConflict)
	}
	call.ScheduledFor = scheduledFor
	call.NextRetryAt = nil
	call.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel mirrors the conditional cancellation ladder of the PostgreSQL
// implementation.
func (s *QueueStore) Cancel(_ context.Context, tenantID, id uuid.UUID) (repository.CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.TenantID != tenantID {
		return 0, repository.ErrNotFound
	}

	switch {
	case call.Status == domain.CallStatusPending:
		call.Status = domain.CallStatusCancelled
		call.UpdatedAt = time.Now().UTC()
		return repository.CancelledNow, nil
	case call.Status == domain.CallStatusProcessing && call.ExternalCallID == nil:
		call.CancelRequested = true
		call.UpdatedAt = time.Now().UTC()
		return repository.CancelRequested, nil
	case call.Status == domain.CallStatusProcessing:
		return repository.CancelTooLate, nil
	default:
		return 0, fmt.Errorf("memory store: cancel %s call: %w", call.Status, repository.ErrConflict)
	}
}

// ConfirmCancel consumes a cancellation flag set while the row was claimed.
func (s *QueueStore) ConfirmCancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok || call.Status != domain.CallStatusProcessing || !call.CancelRequested {
		return false, nil
	}
	call.Status = domain.CallStatusCancelled
	call.ClaimedAt = nil
	call.UpdatedAt = time.Now().UTC()
	return true, nil
}

// StaleProcessing finds claims older than the cutoff not yet dispatched.
func (s *QueueStore) StaleProcessing(_ context.Context, olderThan time.Time, limit int) ([]*domain.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var stale []*domain.QueuedCall
	for _, call := range s.calls {
		if call.Status != domain.CallStatusProcessing || call.ExternalCallID != nil {
			continue
		}
		if call.ClaimedAt == nil || !call.ClaimedAt.Before(olderThan) {
			continue
		}
		cp := *call
		stale = append(stale, &cp)
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// CountAttempted counts initiated attempts plus in-flight claims within
// [from, to), excluding the given id.
func (s *QueueStore) CountAttempted(_ context.Context, tenantID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, call := range s.calls {
		if call.TenantID != tenantID || call.ID == exclude {
			continue
		}
		if call.LastAttemptAt != nil && within(*call.LastAttemptAt, from, to) {
			count++
			continue
		}
		if call.Status == domain.CallStatusProcessing && call.ClaimedAt != nil && within(*call.ClaimedAt, from, to) {
			count++
		}
	}
	return count, nil
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// SettingsStore is a fixture-backed repository.OutboundSettingsRepository.
type SettingsStore struct {
	mu       sync.RWMutex
	settings map[uuid.UUID]domain.OutboundSettings
}

// NewSettingsStore constructs an empty settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{settings: make(map[uuid.UUID]domain.OutboundSettings)}
}

// Put stores settings for a tenant.
func (s *SettingsStore) Put(settings domain.OutboundSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.TenantID] = settings
}

// Get fetches settings for a tenant.
func (s *SettingsStore) Get(_ context.Context, tenantID uuid.UUID) (*domain.OutboundSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &settings, nil
}

// DNCStore is an in-memory repository.DNCRepository.
type DNCStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]map[string]domain.DNCEntry
}

// NewDNCStore constructs an empty DNC store.
func NewDNCStore() *DNCStore {
	return &DNCStore{entries: make(map[uuid.UUID]map[string]domain.DNCEntry)}
}

// Add records an opt-out for the tenant.
func (s *DNCStore) Add(entry domain.DNCEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[entry.TenantID] == nil {
		s.entries[entry.TenantID] = make(map[string]domain.DNCEntry)
	}
	s.entries[entry.TenantID][entry.PhoneNumber] = entry
}

// IsBlocked reports whether the number is on the tenant's DNC list.
func (s *DNCStore) IsBlocked(_ context.Context, tenantID uuid.UUID, phoneNumber string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, blocked := s.entries[tenantID][phoneNumber]
	return blocked, nil
}
