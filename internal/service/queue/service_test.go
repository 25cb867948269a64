package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/compliance"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/initiator"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/internal/repository/memory"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

type stubInitiator struct {
	result initiator.Result
	calls  int
}

func (s *stubInitiator) Initiate(_ context.Context, _ initiator.Request) (initiator.Result, error) {
	s.calls++
	return s.result, nil
}

type fakeAttemptStore struct {
	records []domain.DispatchAttempt
}

func (s *fakeAttemptStore) Append(_ context.Context, attempt domain.DispatchAttempt) error {
	s.records = append(s.records, attempt)
	return nil
}

func (s *fakeAttemptStore) ListByCall(_ context.Context, callID uuid.UUID, limit int) ([]domain.DispatchAttempt, error) {
	var out []domain.DispatchAttempt
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].CallID == callID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

type env struct {
	store    *memory.QueueStore
	dnc      *memory.DNCStore
	attempts *fakeAttemptStore
	init     *stubInitiator
	svc      *Service
	tenant   uuid.UUID
}

func newEnv(settings domain.OutboundSettings) *env {
	e := &env{
		store:    memory.NewQueueStore(),
		dnc:      memory.NewDNCStore(),
		attempts: &fakeAttemptStore{},
		init:     &stubInitiator{result: initiator.Result{Accepted: true, ExternalCallID: "ext-9"}},
		tenant:   uuid.New(),
	}
	settingsStore := memory.NewSettingsStore()
	settings.TenantID = e.tenant
	settingsStore.Put(settings)

	gate := compliance.NewGate(settingsStore, e.dnc, e.store)
	e.svc = NewService(e.store, settingsStore, e.attempts, gate, e.init, 3)
	return e
}

func openSettings() domain.OutboundSettings {
	return domain.OutboundSettings{
		Enabled:        true,
		TimeZone:       "UTC",
		DailyCallLimit: 100,
		MaxAttempts:    3,
	}
}

func validInput(tenant uuid.UUID) EnqueueInput {
	return EnqueueInput{
		TenantID:     tenant,
		PhoneNumber:  "+15551230001",
		Purpose:      domain.PurposeReminder,
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	}
}

func TestEnqueueValidationFailures(t *testing.T) {
	e := newEnv(openSettings())

	cases := map[string]func(*EnqueueInput){
		"missing tenant":     func(in *EnqueueInput) { in.TenantID = uuid.Nil },
		"bare number":        func(in *EnqueueInput) { in.PhoneNumber = "5551230001" },
		"letters in number":  func(in *EnqueueInput) { in.PhoneNumber = "+1555CALLNOW" },
		"unknown purpose":    func(in *EnqueueInput) { in.Purpose = "spam" },
		"custom w/o message": func(in *EnqueueInput) { in.Purpose = domain.PurposeCustom; in.Message = "" },
		"scheduled in past":  func(in *EnqueueInput) { in.ScheduledFor = time.Now().UTC().Add(-time.Hour) },
	}

	for name, mutate := range cases {
		input := validInput(e.tenant)
		mutate(&input)
		_, err := e.svc.Enqueue(context.Background(), input)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%s: err = %v, want validation error", name, err)
		}
	}
}

func TestEnqueueStoresPendingCall(t *testing.T) {
	e := newEnv(openSettings())
	input := validInput(e.tenant)

	call, err := e.svc.Enqueue(context.Background(), input)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if call.Status != domain.CallStatusPending {
		t.Errorf("status = %s, want pending", call.Status)
	}
	if call.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want tenant setting 3", call.MaxAttempts)
	}

	stored, err := e.store.Get(context.Background(), e.tenant, call.ID)
	if err != nil {
		t.Fatalf("get stored call: %v", err)
	}
	if !stored.ScheduledFor.Equal(input.ScheduledFor) {
		t.Errorf("scheduled for = %v, want %v", stored.ScheduledFor, input.ScheduledFor)
	}
}

func TestEnqueueDeniedForBlockedNumber(t *testing.T) {
	e := newEnv(openSettings())
	input := validInput(e.tenant)
	e.dnc.Add(domain.DNCEntry{TenantID: e.tenant, PhoneNumber: input.PhoneNumber})

	_, err := e.svc.Enqueue(context.Background(), input)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Decision.Reason != compliance.DenyDNC {
		t.Errorf("reason = %s, want dnc", denied.Decision.Reason)
	}
}

func TestEnqueueDeniedWhenOutboundDisabled(t *testing.T) {
	settings := openSettings()
	settings.Enabled = false
	e := newEnv(settings)

	_, err := e.svc.Enqueue(context.Background(), validInput(e.tenant))
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Decision.Reason != compliance.DenyDisabled {
		t.Errorf("reason = %s, want disabled", denied.Decision.Reason)
	}
}

func TestEnqueueSkipsHoursCheck(t *testing.T) {
	settings := openSettings()
	settings.HoursStartMin = 9 * 60
	settings.HoursEndMin = 9*60 + 1
	e := newEnv(settings)

	// almost certainly outside the one-minute window right now; enqueue
	// must still accept since hours are checked at dispatch time
	if _, err := e.svc.Enqueue(context.Background(), validInput(e.tenant)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestImmediateCallDispatches(t *testing.T) {
	e := newEnv(openSettings())
	input := validInput(e.tenant)
	input.ScheduledFor = time.Time{}

	call, err := e.svc.ImmediateCall(context.Background(), input)
	if err != nil {
		t.Fatalf("immediate call: %v", err)
	}
	if call.Status != domain.CallStatusProcessing {
		t.Errorf("status = %s, want processing", call.Status)
	}
	if call.ExternalCallID == nil || *call.ExternalCallID != "ext-9" {
		t.Errorf("external call id = %v, want ext-9", call.ExternalCallID)
	}
	if call.MaxAttempts != 1 {
		t.Errorf("max attempts = %d, want 1; immediate calls are not retried", call.MaxAttempts)
	}
	if e.init.calls != 1 {
		t.Errorf("initiations = %d, want 1", e.init.calls)
	}
}

func TestImmediateCallRejectionFailsWithoutRetry(t *testing.T) {
	e := newEnv(openSettings())
	e.init.result = initiator.Result{FailureClass: domain.FailureTransient, Error: "carrier_busy"}

	input := validInput(e.tenant)
	input.ScheduledFor = time.Time{}

	call, err := e.svc.ImmediateCall(context.Background(), input)
	if err != nil {
		t.Fatalf("immediate call: %v", err)
	}
	if call.Status != domain.CallStatusFailed {
		t.Errorf("status = %s, want failed", call.Status)
	}
	if call.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", call.Attempts)
	}
}

func TestImmediateCallRunsFullGate(t *testing.T) {
	settings := openSettings()
	settings.HoursStartMin = 1
	settings.HoursEndMin = 2
	e := newEnv(settings)

	input := validInput(e.tenant)
	input.ScheduledFor = time.Time{}

	_, err := e.svc.ImmediateCall(context.Background(), input)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError for out-of-hours immediate call", err)
	}
	if e.init.calls != 0 {
		t.Error("denied immediate call still reached the platform")
	}
}

func TestRescheduleMovesPendingCall(t *testing.T) {
	e := newEnv(openSettings())
	call, err := e.svc.Enqueue(context.Background(), validInput(e.tenant))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	target := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	moved, err := e.svc.Reschedule(context.Background(), e.tenant, call.ID, target)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !moved.ScheduledFor.Equal(target) {
		t.Errorf("scheduled for = %v, want %v", moved.ScheduledFor, target)
	}
}

func TestRescheduleRejectsNonPending(t *testing.T) {
	e := newEnv(openSettings())
	call, err := e.svc.Enqueue(context.Background(), validInput(e.tenant))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// claim with an instant past the schedule so the row is due
	if ok, err := e.store.Claim(context.Background(), call.ID, time.Now().UTC().Add(2*time.Hour)); err != nil || !ok {
		t.Fatalf("claim: ok = %v, err = %v", ok, err)
	}

	_, err = e.svc.Reschedule(context.Background(), e.tenant, call.ID, time.Now().UTC().Add(time.Hour))
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCancelLadder(t *testing.T) {
	e := newEnv(openSettings())
	ctx := context.Background()
	// claim instant past the +1h schedule so the rows are due
	claimAt := time.Now().UTC().Add(2 * time.Hour)

	pending, _ := e.svc.Enqueue(ctx, validInput(e.tenant))
	outcome, call, err := e.svc.Cancel(ctx, e.tenant, pending.ID)
	if err != nil || outcome != repository.CancelledNow {
		t.Fatalf("pending cancel: outcome = %v, err = %v", outcome, err)
	}
	if call.Status != domain.CallStatusCancelled {
		t.Errorf("status = %s, want cancelled", call.Status)
	}

	in2 := validInput(e.tenant)
	in2.PhoneNumber = "+15551230002"
	claimed, _ := e.svc.Enqueue(ctx, in2)
	if ok, err := e.store.Claim(ctx, claimed.ID, claimAt); err != nil || !ok {
		t.Fatalf("claim: ok = %v, err = %v", ok, err)
	}
	outcome, call, err = e.svc.Cancel(ctx, e.tenant, claimed.ID)
	if err != nil || outcome != repository.CancelRequested {
		t.Fatalf("claimed cancel: outcome = %v, err = %v", outcome, err)
	}
	if !call.CancelRequested {
		t.Error("cancel flag not set on claimed call")
	}

	in3 := validInput(e.tenant)
	in3.PhoneNumber = "+15551230003"
	dispatched, _ := e.svc.Enqueue(ctx, in3)
	if ok, err := e.store.Claim(ctx, dispatched.ID, claimAt); err != nil || !ok {
		t.Fatalf("claim: ok = %v, err = %v", ok, err)
	}
	if err := e.store.MarkDispatched(ctx, dispatched.ID, "ext-d", 1, claimAt); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	outcome, _, err = e.svc.Cancel(ctx, e.tenant, dispatched.ID)
	if err != nil || outcome != repository.CancelTooLate {
		t.Fatalf("dispatched cancel: outcome = %v, err = %v", outcome, err)
	}
}

func TestCancelUnknownCallNotFound(t *testing.T) {
	e := newEnv(openSettings())
	_, _, err := e.svc.Cancel(context.Background(), e.tenant, uuid.New())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestAttemptsScopedToTenant(t *testing.T) {
	e := newEnv(openSettings())
	ctx := context.Background()

	call, err := e.svc.Enqueue(ctx, validInput(e.tenant))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.attempts.records = append(e.attempts.records,
		domain.DispatchAttempt{ID: uuid.New(), CallID: call.ID, TenantID: e.tenant, AttemptNum: 1},
		domain.DispatchAttempt{ID: uuid.New(), CallID: uuid.New(), AttemptNum: 1},
		domain.DispatchAttempt{ID: uuid.New(), CallID: call.ID, TenantID: e.tenant, AttemptNum: 2},
	)

	attempts, err := e.svc.Attempts(ctx, e.tenant, call.ID, 0)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].AttemptNum != 2 {
		t.Errorf("first attempt num = %d, want newest first", attempts[0].AttemptNum)
	}

	// a foreign tenant must not see the history
	if _, err := e.svc.Attempts(ctx, uuid.New(), call.ID, 0); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign tenant err = %v, want not found", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	e := newEnv(openSettings())
	ctx := context.Background()

	a, _ := e.svc.Enqueue(ctx, validInput(e.tenant))
	in2 := validInput(e.tenant)
	in2.PhoneNumber = "+15551230002"
	b, _ := e.svc.Enqueue(ctx, in2)
	if _, _, err := e.svc.Cancel(ctx, e.tenant, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pending := domain.CallStatusPending
	calls, err := e.svc.List(ctx, e.tenant, repository.ListFilter{Status: &pending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != a.ID {
		t.Fatalf("list returned %d calls, want only the pending one", len(calls))
	}
}
