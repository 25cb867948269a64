package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// AttemptStore persists per-attempt dispatch history in Scylla for audit
// and reporting. Append-only; the queue row remains the source of truth
// for current state.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append records one initiation attempt.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.DispatchAttempt) error {
	if err := s.session.Query(`INSERT INTO attempts_by_call (call_id, attempt_num, attempt_id, tenant_id, accepted, failure_class, external_call_id, error, occurred_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CallID.String(), attempt.AttemptNum, attempt.ID.String(), attempt.TenantID.String(),
		attempt.Accepted, string(attempt.FailureClass), attempt.ExternalCallID, attempt.Error,
		attempt.OccurredAt, attempt.Duration.Milliseconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_call: %w", err)
	}
	return nil
}

// ListByCall retrieves attempts for a call, newest first.
func (s *AttemptStore) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]domain.DispatchAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := s.session.Query(`SELECT call_id, attempt_num, attempt_id, tenant_id, accepted, failure_class, external_call_id, error, occurred_at, duration_ms
		FROM attempts_by_call WHERE call_id = ? ORDER BY attempt_num DESC LIMIT ?`,
		callID.String(), limit,
	).WithContext(ctx).Iter()

	var (
		results      []domain.DispatchAttempt
		callIDStr    string
		attemptNum   int
		attemptIDStr string
		tenantIDStr  string
		accepted     bool
		failureClass string
		externalID   string
		errMsg       string
		occurredAt   time.Time
		durationMs   int64
	)

	for iter.Scan(&callIDStr, &attemptNum, &attemptIDStr, &tenantIDStr, &accepted, &failureClass, &externalID, &errMsg, &occurredAt, &durationMs) {
		attemptID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			continue
		}
		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil {
			continue
		}

		results = append(results, domain.DispatchAttempt{
			ID:             attemptID,
			CallID:         callID,
			TenantID:       tenantID,
			AttemptNum:     attemptNum,
			Accepted:       accepted,
			FailureClass:   domain.FailureClass(failureClass),
			ExternalCallID: externalID,
			Error:          errMsg,
			OccurredAt:     occurredAt,
			Duration:       time.Duration(durationMs) * time.Millisecond,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: list by call: %w", err)
	}
	return results, nil
}
