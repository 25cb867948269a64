package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/repository"
)

// QueueRepository implements repository.QueueStore using PostgreSQL. All
// state transitions are conditional updates keyed on the current status;
// an affected-row count of zero means another actor moved the row first.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs a new repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, tenant_id, phone_number, purpose, appointment_id, message, metadata,
	scheduled_for, status, attempts, max_attempts,
	last_attempt_at, next_retry_at, claimed_at, cancel_requested, external_call_id, last_error,
	created_at, updated_at`

// Create inserts a new queued call.
func (r *QueueRepository) Create(ctx context.Context, call *domain.QueuedCall) error {
	metadata, err := json.Marshal(call.Metadata)
	if err != nil {
		return fmt.Errorf("queue repo: marshal metadata: %w", err)
	}

	q := `INSERT INTO queued_calls (
		id, tenant_id, phone_number, purpose, appointment_id, message, metadata,
		scheduled_for, status, attempts, max_attempts,
		last_attempt_at, next_retry_at, claimed_at, cancel_requested, external_call_id, last_error,
		created_at, updated_at
	) VALUES (
		:id, :tenant_id, :phone_number, :purpose, :appointment_id, :message, :metadata,
		:scheduled_for, :status, :attempts, :max_attempts,
		:last_attempt_at, :next_retry_at, :claimed_at, :cancel_requested, :external_call_id, :last_error,
		:created_at, :updated_at
	)`

	params := map[string]any{
		"id":               call.ID,
		"tenant_id":        call.TenantID,
		"phone_number":     call.PhoneNumber,
		"purpose":          call.Purpose,
		"appointment_id":   call.AppointmentID,
		"message":          call.Message,
		"metadata":         metadata,
		"scheduled_for":    call.ScheduledFor,
		"status":           call.Status,
		"attempts":         call.Attempts,
		"max_attempts":     call.MaxAttempts,
		"last_attempt_at":  call.LastAttemptAt,
		"next_retry_at":    call.NextRetryAt,
		"claimed_at":       call.ClaimedAt,
		"cancel_requested": call.CancelRequested,
		"external_call_id": call.ExternalCallID,
		"last_error":       call.LastError,
		"created_at":       call.CreatedAt,
		"updated_at":       call.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("queue repo: insert: %w", err)
	}
	return nil
}

// Get fetches a call scoped to its tenant.
func (r *QueueRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.QueuedCall, error) {
	q := `SELECT ` + queueColumns + ` FROM queued_calls WHERE tenant_id = $1 AND id = $2`

	var record queuedCallRecord
	if err := r.db.QueryRowxContext(ctx, q, tenantID, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: get: %w", err)
	}

	call := record.toDomain()
	return &call, nil
}

// List returns tenant calls filtered and keyset-paginated by id.
func (r *QueueRepository) List(ctx context.Context, tenantID uuid.UUID, filter repository.ListFilter) ([]*domain.QueuedCall, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + queueColumns + ` FROM queued_calls WHERE tenant_id = $1`
	args := []any{tenantID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Purpose != nil {
		args = append(args, *filter.Purpose)
		q += fmt.Sprintf(" AND purpose = $%d", len(args))
	}
	if filter.AppointmentID != nil {
		args = append(args, *filter.AppointmentID)
		q += fmt.Sprintf(" AND appointment_id = $%d", len(args))
	}
	if filter.AfterID != nil {
		args = append(args, *filter.AfterID)
		q += fmt.Sprintf(" AND id > $%d", len(args))
	}

	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue repo: list: %w", err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

// DueCalls selects pending rows whose due instant has elapsed, oldest
// scheduled_for first for fairness.
func (r *QueueRepository) DueCalls(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedCall, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM queued_calls
		WHERE status = 'pending' AND GREATEST(scheduled_for, COALESCE(next_retry_at, scheduled_for)) <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("queue repo: due calls: %w", err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

// Claim atomically transitions pending -> processing. The conditional
// update is what keeps two workers from dispatching the same row. Dueness
// is re-verified inside the update: a reschedule landing between the due
// scan and the claim moves the row out of reach instead of being
// overridden.
func (r *QueueRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'processing', claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		  AND GREATEST(scheduled_for, COALESCE(next_retry_at, scheduled_for)) <= $2`, id, now)
	if err != nil {
		return false, fmt.Errorf("queue repo: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue repo: claim rows affected: %w", err)
	}
	return n == 1, nil
}

// Release returns a claimed row to pending without consuming an attempt.
func (r *QueueRepository) Release(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'pending', scheduled_for = $2, next_retry_at = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id, scheduledFor)
	if err != nil {
		return fmt.Errorf("queue repo: release: %w", err)
	}
	return requireAffected(res, "release")
}

// MarkDispatched records a synchronous accept from the voice platform.
func (r *QueueRepository) MarkDispatched(ctx context.Context, id uuid.UUID, externalCallID string, attempts int, attemptedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET external_call_id = $2, attempts = $3, last_attempt_at = $4, last_error = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing'`, id, externalCallID, attempts, attemptedAt)
	if err != nil {
		return fmt.Errorf("queue repo: mark dispatched: %w", err)
	}
	return requireAffected(res, "mark dispatched")
}

// ScheduleRetry requeues a claimed row after a transient failure.
func (r *QueueRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt, attemptedAt time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'pending', attempts = $2, next_retry_at = $3, last_attempt_at = $4,
		    last_error = $5, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND attempts < max_attempts`, id, attempts, nextRetryAt, attemptedAt, lastError)
	if err != nil {
		return fmt.Errorf("queue repo: schedule retry: %w", err)
	}
	return requireAffected(res, "schedule retry")
}

// MarkFailed terminates a claimed row.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, attemptedAt time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'failed', attempts = $2, last_attempt_at = $3, last_error = $4, claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, id, attempts, attemptedAt, reason)
	if err != nil {
		return fmt.Errorf("queue repo: mark failed: %w", err)
	}
	return requireAffected(res, "mark failed")
}

// Finalize applies the externally-reported outcome of a dispatched call.
func (r *QueueRepository) Finalize(ctx context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) error {
	if status != domain.CallStatusCompleted && status != domain.CallStatusFailed {
		return fmt.Errorf("queue repo: finalize to %s: %w", status, repository.ErrConflict)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = $2, last_error = $3, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("queue repo: finalize: %w", err)
	}
	return requireAffected(res, "finalize")
}

// Reschedule moves a pending row to a new schedule, tenant-scoped.
func (r *QueueRepository) Reschedule(ctx context.Context, tenantID, id uuid.UUID, scheduledFor time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET scheduled_for = $3, next_retry_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`, tenantID, id, scheduledFor)
	if err != nil {
		return fmt.Errorf("queue repo: reschedule: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: reschedule rows affected: %w", err)
	}
	if n == 0 {
		return r.explainMiss(ctx, tenantID, id)
	}
	return nil
}

// Cancel cancels a pending row, flags a claimed one, or reports that the
// call already left for the platform. Last-writer-wins is not acceptable
// here: each step is its own conditional update.
func (r *QueueRepository) Cancel(ctx context.Context, tenantID, id uuid.UUID) (repository.CancelOutcome, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'cancelled', updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`, tenantID, id)
	if err != nil {
		return 0, fmt.Errorf("queue repo: cancel pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return repository.CancelledNow, nil
	}

	res, err = r.db.ExecContext(ctx, `UPDATE queued_calls
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing' AND external_call_id IS NULL`, tenantID, id)
	if err != nil {
		return 0, fmt.Errorf("queue repo: request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return repository.CancelRequested, nil
	}

	call, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if call.Status == domain.CallStatusProcessing && call.ExternalCallID != nil {
		return repository.CancelTooLate, nil
	}
	return 0, fmt.Errorf("queue repo: cancel %s call: %w", call.Status, repository.ErrConflict)
}

// ConfirmCancel consumes a cancellation flag set while the row was claimed.
func (r *QueueRepository) ConfirmCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queued_calls
		SET status = 'cancelled', claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND cancel_requested`, id)
	if err != nil {
		return false, fmt.Errorf("queue repo: confirm cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue repo: confirm cancel rows affected: %w", err)
	}
	return n == 1, nil
}

// StaleProcessing finds claims abandoned by a crashed or wedged worker.
// Rows already handed to the platform are excluded: their outcome arrives
// via the completion callback, not re-dispatch.
func (r *QueueRepository) StaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.QueuedCall, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM queued_calls
		WHERE status = 'processing' AND external_call_id IS NULL AND claimed_at < $1
		ORDER BY claimed_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("queue repo: stale processing: %w", err)
	}
	defer rows.Close()

	return scanCalls(rows)
}

// CountAttempted derives the tenant's daily usage from call rows: initiated
// attempts within the window plus claims currently in flight. No separate
// counter exists to drift from the rows themselves.
func (r *QueueRepository) CountAttempted(ctx context.Context, tenantID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM queued_calls
		WHERE tenant_id = $1 AND id <> $4 AND (
			(last_attempt_at >= $2 AND last_attempt_at < $3)
			OR (status = 'processing' AND claimed_at >= $2 AND claimed_at < $3)
		)`, tenantID, from, to, exclude).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue repo: count attempted: %w", err)
	}
	return count, nil
}

func (r *QueueRepository) explainMiss(ctx context.Context, tenantID, id uuid.UUID) error {
	var status string
	err := r.db.QueryRowxContext(ctx, `SELECT status FROM queued_calls WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&status)
	if err == sql.ErrNoRows {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue repo: lookup status: %w", err)
	}
	return fmt.Errorf("queue repo: call is %s: %w", status, repository.ErrConflict)
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("queue repo: %s: %w", op, repository.ErrStaleClaim)
	}
	return nil
}

func scanCalls(rows *sqlx.Rows) ([]*domain.QueuedCall, error) {
	var results []*domain.QueuedCall
	for rows.Next() {
		var record queuedCallRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("queue repo: scan: %w", err)
		}
		call := record.toDomain()
		results = append(results, &call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue repo: rows err: %w", err)
	}
	return results, nil
}

type queuedCallRecord struct {
	ID              uuid.UUID      `db:"id"`
	TenantID        uuid.UUID      `db:"tenant_id"`
	PhoneNumber     string         `db:"phone_number"`
	Purpose         string         `db:"purpose"`
	AppointmentID   *uuid.UUID     `db:"appointment_id"`
	Message         sql.NullString `db:"message"`
	Metadata        []byte         `db:"metadata"`
	ScheduledFor    time.Time      `db:"scheduled_for"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	LastAttemptAt   sql.NullTime   `db:"last_attempt_at"`
	NextRetryAt     sql.NullTime   `db:"next_retry_at"`
	ClaimedAt       sql.NullTime   `db:"claimed_at"`
	CancelRequested bool           `db:"cancel_requested"`
	ExternalCallID  sql.NullString `db:"external_call_id"`
	LastError       sql.NullString `db:"last_error"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r queuedCallRecord) toDomain() domain.QueuedCall {
	var metadata map[string]any
	_ = json.Unmarshal(r.Metadata, &metadata)

	call := domain.QueuedCall{
		ID:              r.ID,
		TenantID:        r.TenantID,
		PhoneNumber:     r.PhoneNumber,
		Purpose:         domain.CallPurpose(r.Purpose),
		AppointmentID:   r.AppointmentID,
		Message:         r.Message.String,
		Metadata:        metadata,
		ScheduledFor:    r.ScheduledFor,
		Status:          domain.CallStatus(r.Status),
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		call.LastAttemptAt = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		call.NextRetryAt = &t
	}
	if r.ClaimedAt.Valid {
		t := r.ClaimedAt.Time
		call.ClaimedAt = &t
	}
	if r.ExternalCallID.Valid {
		s := r.ExternalCallID.String
		call.ExternalCallID = &s
	}
	if r.LastError.Valid {
		s := r.LastError.String
		call.LastError = &s
	}
	return call
}
