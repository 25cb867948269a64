package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/compliance"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/initiator"
	"github.com/acme/outbound-dispatch/internal/repository/memory"
	"github.com/acme/outbound-dispatch/internal/retry"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

type scriptedInitiator struct {
	mu     sync.Mutex
	calls  int
	result initiator.Result
	err    error
}

func (s *scriptedInitiator) Initiate(_ context.Context, _ initiator.Request) (initiator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *scriptedInitiator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixedLimiter struct {
	allow bool
}

func (l *fixedLimiter) Acquire(_ context.Context, _ uuid.UUID, _ int) (bool, error) {
	return l.allow, nil
}

func (l *fixedLimiter) Release(_ context.Context, _ uuid.UUID) error { return nil }

type fixture struct {
	store    *memory.QueueStore
	settings *memory.SettingsStore
	dnc      *memory.DNCStore
	init     *scriptedInitiator
	tenant   uuid.UUID
}

func newFixture(settings domain.OutboundSettings) *fixture {
	f := &fixture{
		store:    memory.NewQueueStore(),
		settings: memory.NewSettingsStore(),
		dnc:      memory.NewDNCStore(),
		init:     &scriptedInitiator{result: initiator.Result{Accepted: true, ExternalCallID: "ext-1"}},
		tenant:   uuid.New(),
	}
	settings.TenantID = f.tenant
	f.settings.Put(settings)
	return f
}

func allDaySettings() domain.OutboundSettings {
	return domain.OutboundSettings{
		Enabled:        true,
		TimeZone:       "UTC",
		HoursStartMin:  0,
		HoursEndMin:    0,
		DailyCallLimit: 100,
		MaxAttempts:    3,
	}
}

func (f *fixture) dispatcher(cfg Config) *Dispatcher {
	gate := compliance.NewGate(f.settings, f.dnc, f.store)
	policy := retry.NewPolicy(domain.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0,
	})
	return New(Deps{
		Store:     f.store,
		Gate:      gate,
		Policy:    policy,
		Initiator: f.init,
		Logger:    logger.Nop(),
	}, cfg)
}

func (f *fixture) enqueue(t *testing.T, call *domain.QueuedCall) *domain.QueuedCall {
	t.Helper()
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	call.TenantID = f.tenant
	if call.PhoneNumber == "" {
		call.PhoneNumber = "+15551230001"
	}
	if call.Purpose == "" {
		call.Purpose = domain.PurposeReminder
	}
	if call.Status == "" {
		call.Status = domain.CallStatusPending
	}
	if call.MaxAttempts == 0 {
		call.MaxAttempts = 3
	}
	if err := f.store.Create(context.Background(), call); err != nil {
		t.Fatalf("create call: %v", err)
	}
	return call
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *domain.QueuedCall {
	t.Helper()
	call, err := f.store.Get(context.Background(), f.tenant, id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return call
}

func TestTickDispatchesDueCall(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute)})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.ExternalCallID == nil || *got.ExternalCallID != "ext-1" {
		t.Errorf("external call id = %v, want ext-1", got.ExternalCallID)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastAttemptAt == nil {
		t.Error("last attempt timestamp not recorded")
	}
	if f.init.count() != 1 {
		t.Errorf("initiations = %d, want 1", f.init.count())
	}
}

func TestTickSkipsFutureCalls(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(time.Hour)})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := f.get(t, call.ID); got.Status != domain.CallStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if f.init.count() != 0 {
		t.Errorf("initiations = %d, want 0", f.init.count())
	}
}

func TestConcurrentDispatchersClaimEachCallOnce(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	const n = 20
	for i := 0; i < n; i++ {
		f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute)})
	}

	d1 := f.dispatcher(Config{})
	d2 := f.dispatcher(Config{})

	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_ = d.tick(context.Background(), now)
		}(d)
	}
	wg.Wait()

	if f.init.count() != n {
		t.Fatalf("initiations = %d, want exactly %d", f.init.count(), n)
	}
}

func TestRescheduleBetweenSnapshotAndClaimWins(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute)})

	due, err := f.store.DueCalls(context.Background(), now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due calls = %d (%v), want 1", len(due), err)
	}

	// an operator moves the call a day out after the due snapshot was taken
	movedTo := now.Add(24 * time.Hour)
	if err := f.store.Reschedule(context.Background(), f.tenant, call.ID, movedTo); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	d := f.dispatcher(Config{})
	d.process(context.Background(), due[0], now)

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusPending {
		t.Fatalf("status = %s, want pending; the reschedule must win", got.Status)
	}
	if !got.ScheduledFor.Equal(movedTo) {
		t.Errorf("scheduled for = %v, want %v", got.ScheduledFor, movedTo)
	}
	if f.init.count() != 0 {
		t.Errorf("initiations = %d, want 0; rescheduled call was still placed", f.init.count())
	}
}

func TestDNCAddedAfterEnqueueBlocksDispatch(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute)})

	f.dnc.Add(domain.DNCEntry{TenantID: f.tenant, PhoneNumber: call.PhoneNumber})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != "denied: dnc" {
		t.Errorf("last error = %v, want denied: dnc", got.LastError)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0; denial is not an attempt", got.Attempts)
	}
	if f.init.count() != 0 {
		t.Error("blocked number was still handed to the platform")
	}
}

func TestDailyCapDefersSecondCallToNextDay(t *testing.T) {
	settings := allDaySettings()
	settings.DailyCallLimit = 1
	f := newFixture(settings)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	first := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-2 * time.Minute)})
	second := f.enqueue(t, &domain.QueuedCall{
		PhoneNumber:  "+15551230002",
		ScheduledFor: now.Add(-time.Minute),
	})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := f.get(t, first.ID); got.Status != domain.CallStatusProcessing {
		t.Fatalf("first call status = %s, want processing", got.Status)
	}

	got := f.get(t, second.ID)
	if got.Status != domain.CallStatusPending {
		t.Fatalf("second call status = %s, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("second call attempts = %d, want 0", got.Attempts)
	}
	wantNext := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !got.ScheduledFor.Equal(wantNext) {
		t.Errorf("second call rescheduled to %v, want next local midnight %v", got.ScheduledFor, wantNext)
	}
	if f.init.count() != 1 {
		t.Errorf("initiations = %d, want 1", f.init.count())
	}
}

func TestOutsideHoursReleasedToWindowStart(t *testing.T) {
	settings := allDaySettings()
	settings.HoursStartMin = 9 * 60
	settings.HoursEndMin = 17 * 60
	f := newFixture(settings)

	now := time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute)})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	wantNext := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !got.ScheduledFor.Equal(wantNext) {
		t.Errorf("rescheduled to %v, want window start %v", got.ScheduledFor, wantNext)
	}
	if f.init.count() != 0 {
		t.Error("call placed outside calling hours")
	}
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(allDaySettings())
	f.init.result = initiator.Result{
		Accepted:     false,
		FailureClass: domain.FailureTransient,
		Error:        "carrier_busy",
	}

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute), MaxAttempts: 3})

	d := f.dispatcher(Config{})
	for i := 0; i < 3; i++ {
		if err := d.tick(context.Background(), now); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		// jump past any backoff so the next wake sees the row as due
		now = now.Add(time.Hour)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed after exhausting attempts", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, retry.ReasonMaxAttempts) {
		t.Errorf("last error = %v, want %s", got.LastError, retry.ReasonMaxAttempts)
	}
	if f.init.count() != 3 {
		t.Errorf("initiations = %d, want 3", f.init.count())
	}
}

func TestPermanentFailureTerminatesImmediately(t *testing.T) {
	f := newFixture(allDaySettings())
	f.init.result = initiator.Result{
		Accepted:     false,
		FailureClass: domain.FailurePermanent,
		Error:        "invalid_number",
	}

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: now.Add(-time.Minute), MaxAttempts: 3})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, retry.ReasonPermanent) {
		t.Errorf("last error = %v, want %s", got.LastError, retry.ReasonPermanent)
	}
}

func TestCancelRequestConsumedBeforeInitiation(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	call := f.enqueue(t, &domain.QueuedCall{
		ScheduledFor:    now.Add(-time.Minute),
		CancelRequested: true,
	})

	d := f.dispatcher(Config{})
	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if f.init.count() != 0 {
		t.Error("cancelled call was still handed to the platform")
	}
}

func TestLimiterMissReleasesRowUnchanged(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	scheduled := now.Add(-time.Minute)
	call := f.enqueue(t, &domain.QueuedCall{ScheduledFor: scheduled})

	d := f.dispatcher(Config{})
	d.deps.Limiter = &fixedLimiter{allow: false}

	if err := d.tick(context.Background(), now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if !got.ScheduledFor.Equal(scheduled) {
		t.Errorf("scheduled for moved to %v, want unchanged %v", got.ScheduledFor, scheduled)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if f.init.count() != 0 {
		t.Error("call initiated despite tenant at in-flight limit")
	}
}

func TestStaleClaimReclaimedAsTransientFailure(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	claimedAt := now.Add(-10 * time.Minute)
	call := f.enqueue(t, &domain.QueuedCall{
		ScheduledFor: now.Add(-time.Hour),
		Status:       domain.CallStatusProcessing,
		ClaimedAt:    &claimedAt,
		Attempts:     1,
		MaxAttempts:  3,
	})

	d := f.dispatcher(Config{StaleAfter: 5 * time.Minute})
	d.reclaimStale(context.Background(), now)

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2; the lost claim consumes one", got.Attempts)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(now) {
		t.Errorf("next retry at = %v, want after %v", got.NextRetryAt, now)
	}
}

func TestStaleDispatchedRowLeftForCallback(t *testing.T) {
	f := newFixture(allDaySettings())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	claimedAt := now.Add(-time.Hour)
	external := "ext-42"
	call := f.enqueue(t, &domain.QueuedCall{
		ScheduledFor:   now.Add(-2 * time.Hour),
		Status:         domain.CallStatusProcessing,
		ClaimedAt:      &claimedAt,
		ExternalCallID: &external,
		Attempts:       1,
	})

	d := f.dispatcher(Config{StaleAfter: 5 * time.Minute})
	d.reclaimStale(context.Background(), now)

	got := f.get(t, call.ID)
	if got.Status != domain.CallStatusProcessing {
		t.Fatalf("status = %s, want processing; dispatched rows belong to the callback", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}
