// Package dispatch implements the outbound call dispatch loop: a polling
// scheduler that claims due queue rows, re-runs admission control, hands
// eligible calls to the voice platform and applies the retry policy on
// failure. Multiple dispatcher processes may run against the same store;
// exclusivity rests entirely on the store's conditional claim.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/compliance"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/initiator"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/internal/retry"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// SlotLimiter bounds simultaneous initiations per tenant.
type SlotLimiter interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, tenantID uuid.UUID) error
}

// Config tunes the dispatch loop.
type Config struct {
	TickInterval         time.Duration
	MaxBatchSize         int
	StaleAfter           time.Duration
	InitiateTimeout      time.Duration
	PerTenantConcurrency int
}

// Deps are the dispatcher's collaborators. Limiter and Attempts are
// optional; everything else is required.
type Deps struct {
	Store     repository.QueueStore
	Gate      *compliance.Gate
	Policy    *retry.Policy
	Initiator initiator.Initiator
	Limiter   SlotLimiter
	Attempts  repository.DispatchAttemptStore
	Logger    *logger.Logger
}

// Dispatcher runs the dispatch loop.
type Dispatcher struct {
	deps Deps
	cfg  Config
}

// New constructs a dispatcher, applying defaults for zero config values.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.InitiateTimeout <= 0 {
		cfg.InitiateTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Dispatcher{deps: deps, cfg: cfg}
}

// Run executes the dispatch loop until the context is cancelled. Items are
// woken on a fixed interval rather than per-item timers; queued calls are
// typically minutes to hours out.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := d.tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			d.deps.Logger.Error("dispatcher tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one wake cycle: recover abandoned claims, then claim and
// process every due call. Re-running a cycle is safe; every transition is
// conditional and losing a race is a no-op.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) error {
	tracer := otel.Tracer("dispatch.loop")
	sctx, span := tracer.Start(ctx, "dispatch.tick")
	defer span.End()

	d.reclaimStale(sctx, now)

	due, err := d.deps.Store.DueCalls(sctx, now, d.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: fetch due calls: %w", err)
	}
	span.SetAttributes(attribute.Int("calls.due", len(due)))

	for _, call := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.process(sctx, call, now)
	}
	return nil
}

// process takes one due call through claim, admission control and
// initiation.
func (d *Dispatcher) process(ctx context.Context, call *domain.QueuedCall, now time.Time) {
	log := d.deps.Logger
	tracer := otel.Tracer("dispatch.loop")
	sctx, span := tracer.Start(ctx, "dispatch.call", trace.WithAttributes(
		attribute.String("call.id", call.ID.String()),
		attribute.String("tenant.id", call.TenantID.String()),
		attribute.Int("attempt", call.Attempts+1),
	))
	defer span.End()

	claimed, err := d.deps.Store.Claim(sctx, call.ID, now)
	if err != nil {
		span.RecordError(err)
		log.Error("dispatch: claim", zap.Error(err), zap.String("call_id", call.ID.String()))
		return
	}
	if !claimed {
		// another worker already holds the row
		return
	}

	if d.consumeCancel(sctx, call.ID) {
		return
	}

	decision, err := d.deps.Gate.Evaluate(sctx, call.TenantID, call.PhoneNumber, now, call.ID)
	if err != nil {
		// infrastructure error: keep the row, retry on a later wake
		span.RecordError(err)
		log.Error("dispatch: gate evaluation", zap.Error(err), zap.String("call_id", call.ID.String()))
		d.release(sctx, call.ID, call.ScheduledFor)
		return
	}

	if !decision.Allowed {
		d.handleDenial(sctx, call, decision, now)
		return
	}

	if d.deps.Limiter != nil {
		acquired, err := d.deps.Limiter.Acquire(sctx, call.TenantID, d.cfg.PerTenantConcurrency)
		if err != nil {
			span.RecordError(err)
			log.Error("dispatch: acquire slot", zap.Error(err), zap.String("call_id", call.ID.String()))
			d.release(sctx, call.ID, call.ScheduledFor)
			return
		}
		if !acquired {
			// tenant at its in-flight limit; try again next wake
			d.release(sctx, call.ID, call.ScheduledFor)
			return
		}
		defer func() {
			if err := d.deps.Limiter.Release(context.WithoutCancel(sctx), call.TenantID); err != nil {
				log.Warn("dispatch: release slot", zap.Error(err))
			}
		}()
	}

	// last look before the call leaves the building
	if d.consumeCancel(sctx, call.ID) {
		return
	}

	d.initiate(sctx, call, now)
}

// handleDenial re-queues or terminates a call denied at dispatch time.
// Denials consume no attempt; the call was never placed.
func (d *Dispatcher) handleDenial(ctx context.Context, call *domain.QueuedCall, decision compliance.Decision, now time.Time) {
	log := d.deps.Logger

	switch decision.Reason {
	case compliance.DenyDNC, compliance.DenyDisabled:
		// no future instant can make these eligible
		reason := fmt.Sprintf("denied: %s", decision.Reason)
		if err := d.deps.Store.Finalize(ctx, call.ID, domain.CallStatusFailed, &reason); err != nil {
			d.logTransitionErr(err, "finalize denied call", call.ID)
			return
		}
		log.Info("dispatch: call denied permanently",
			zap.String("call_id", call.ID.String()),
			zap.String("reason", string(decision.Reason)))
	default:
		next, err := d.deps.Gate.NextEligibleAt(ctx, call.TenantID, decision.Reason, now)
		if err != nil {
			log.Error("dispatch: next eligible instant", zap.Error(err), zap.String("call_id", call.ID.String()))
			next = now.Add(d.cfg.TickInterval * 10)
		}
		d.release(ctx, call.ID, next)
		log.Info("dispatch: call re-queued",
			zap.String("call_id", call.ID.String()),
			zap.String("reason", string(decision.Reason)),
			zap.Int("used", decision.Used),
			zap.Int("limit", decision.Limit),
			zap.Time("next_eligible", next))
	}
}

// initiate performs the bounded platform call and applies the outcome.
func (d *Dispatcher) initiate(ctx context.Context, call *domain.QueuedCall, now time.Time) {
	log := d.deps.Logger

	req := initiator.Request{
		CallID:        call.ID,
		TenantID:      call.TenantID,
		PhoneNumber:   call.PhoneNumber,
		Purpose:       call.Purpose,
		Message:       call.Message,
		AppointmentID: call.AppointmentID,
		Metadata:      call.Metadata,
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.InitiateTimeout)
	started := time.Now()
	result, callErr := d.deps.Initiator.Initiate(cctx, req)
	cancel()
	elapsed := time.Since(started)

	if callErr != nil {
		// transport errors and timeouts are transient by default: prefer a
		// bounded retry over a dropped call
		result = initiator.Result{
			FailureClass: domain.FailureTransient,
			Error:        callErr.Error(),
		}
	}

	attempts := call.Attempts + 1

	if result.Accepted {
		if err := d.deps.Store.MarkDispatched(ctx, call.ID, result.ExternalCallID, attempts, now); err != nil {
			d.logTransitionErr(err, "mark dispatched", call.ID)
		} else {
			log.Info("dispatch: call initiated",
				zap.String("call_id", call.ID.String()),
				zap.String("external_call_id", result.ExternalCallID),
				zap.Int("attempts", attempts))
		}
		d.recordAttempt(ctx, call, attempts, result, now, elapsed)
		return
	}

	outcome := d.deps.Policy.OnFailure(attempts, call.MaxAttempts, result.FailureClass, now)
	if outcome.Terminate {
		reason := outcome.Reason
		if result.Error != "" {
			reason = fmt.Sprintf("%s: %s", outcome.Reason, result.Error)
		}
		if err := d.deps.Store.MarkFailed(ctx, call.ID, attempts, now, reason); err != nil {
			d.logTransitionErr(err, "mark failed", call.ID)
		} else {
			log.Warn("dispatch: call failed",
				zap.String("call_id", call.ID.String()),
				zap.Int("attempts", attempts),
				zap.String("reason", reason))
		}
	} else {
		if err := d.deps.Store.ScheduleRetry(ctx, call.ID, attempts, outcome.NextRetryAt, now, result.Error); err != nil {
			d.logTransitionErr(err, "schedule retry", call.ID)
		} else {
			log.Info("dispatch: retry scheduled",
				zap.String("call_id", call.ID.String()),
				zap.Int("attempts", attempts),
				zap.Time("next_retry_at", outcome.NextRetryAt))
		}
	}
	d.recordAttempt(ctx, call, attempts, result, now, elapsed)
}

// reclaimStale recovers claims abandoned by a crashed or wedged worker.
// The interrupted attempt counts as transient and goes through the retry
// policy; rows already handed to the platform are left for the completion
// callback.
func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time) {
	log := d.deps.Logger
	cutoff := now.Add(-d.cfg.StaleAfter)

	stale, err := d.deps.Store.StaleProcessing(ctx, cutoff, d.cfg.MaxBatchSize)
	if err != nil {
		log.Error("dispatch: stale scan", zap.Error(err))
		return
	}

	for _, call := range stale {
		if d.consumeCancel(ctx, call.ID) {
			continue
		}

		attempts := call.Attempts + 1
		outcome := d.deps.Policy.OnFailure(attempts, call.MaxAttempts, domain.FailureTransient, now)
		if outcome.Terminate {
			if err := d.deps.Store.MarkFailed(ctx, call.ID, attempts, now, outcome.Reason); err != nil {
				d.logTransitionErr(err, "fail stale claim", call.ID)
				continue
			}
		} else {
			if err := d.deps.Store.ScheduleRetry(ctx, call.ID, attempts, outcome.NextRetryAt, now, "claim expired before initiation"); err != nil {
				d.logTransitionErr(err, "requeue stale claim", call.ID)
				continue
			}
		}
		log.Warn("dispatch: reclaimed stale processing row",
			zap.String("call_id", call.ID.String()),
			zap.Int("attempts", attempts),
			zap.Bool("terminated", outcome.Terminate))
	}
}

// consumeCancel honors a cancellation requested while the row was claimed.
func (d *Dispatcher) consumeCancel(ctx context.Context, id uuid.UUID) bool {
	cancelled, err := d.deps.Store.ConfirmCancel(ctx, id)
	if err != nil {
		d.deps.Logger.Error("dispatch: confirm cancel", zap.Error(err), zap.String("call_id", id.String()))
		return false
	}
	if cancelled {
		d.deps.Logger.Info("dispatch: call cancelled before initiation", zap.String("call_id", id.String()))
	}
	return cancelled
}

func (d *Dispatcher) release(ctx context.Context, id uuid.UUID, scheduledFor time.Time) {
	if err := d.deps.Store.Release(ctx, id, scheduledFor); err != nil {
		d.logTransitionErr(err, "release", id)
	}
}

func (d *Dispatcher) recordAttempt(ctx context.Context, call *domain.QueuedCall, attempts int, result initiator.Result, now time.Time, elapsed time.Duration) {
	if d.deps.Attempts == nil {
		return
	}

	attempt := domain.DispatchAttempt{
		ID:             uuid.New(),
		CallID:         call.ID,
		TenantID:       call.TenantID,
		AttemptNum:     attempts,
		Accepted:       result.Accepted,
		FailureClass:   result.FailureClass,
		ExternalCallID: result.ExternalCallID,
		Error:          result.Error,
		OccurredAt:     now,
		Duration:       elapsed,
	}
	if err := d.deps.Attempts.Append(ctx, attempt); err != nil {
		d.deps.Logger.Warn("dispatch: append attempt", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
}

// logTransitionErr distinguishes lost races, which are expected no-ops for
// the losing actor, from real storage failures.
func (d *Dispatcher) logTransitionErr(err error, op string, id uuid.UUID) {
	if errors.Is(err, repository.ErrStaleClaim) {
		d.deps.Logger.Debug("dispatch: lost transition race",
			zap.String("op", op), zap.String("call_id", id.String()))
		return
	}
	d.deps.Logger.Error("dispatch: "+op, zap.Error(err), zap.String("call_id", id.String()))
}
