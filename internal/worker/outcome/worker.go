// Package outcome consumes platform-reported call outcomes and applies
// the terminal status transition to dispatched calls.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/app"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Worker consumes call outcome events and finalizes the matching rows.
type Worker struct {
	container *app.Container
}

// New creates a new outcome worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes outcome events until the context is cancelled. Messages
// are committed even when finalization loses a race: the row has already
// reached a terminal state through another path and replaying would not
// change it.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.OutcomeTopic, cfg.Kafka.OutcomeConsumerGroupID)
	defer reader.Close()

	repos := w.container.Repositories()
	log := w.container.Logger

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("outcome worker: fetch", zap.Error(err))
			continue
		}

		var outcome queue.OutcomeMessage
		if err := json.Unmarshal(msg.Value, &outcome); err != nil {
			log.Error("outcome worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		tracer := otel.Tracer("dispatch.outcomeworker")
		sctx, span := tracer.Start(ctx, "call.outcome", trace.WithAttributes(
			attribute.String("call.id", outcome.CallID.String()),
			attribute.String("outcome", outcome.Status),
		))

		if err := apply(sctx, repos.Queue, repos.Attempts, log, outcome); err != nil {
			span.RecordError(err)
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			log.Error("outcome worker: commit", zap.Error(err))
		}
		span.End()
	}
}

// apply maps one outcome event onto the queue row. Unknown statuses are
// dropped with a warning; a missing or already-terminal row is a no-op
// for this consumer.
func apply(ctx context.Context, store repository.QueueStore, attempts repository.DispatchAttemptStore, log *logger.Logger, outcome queue.OutcomeMessage) error {
	var status domain.CallStatus
	switch outcome.Status {
	case queue.OutcomeCompleted:
		status = domain.CallStatusCompleted
	case queue.OutcomeFailed:
		status = domain.CallStatusFailed
	default:
		log.Warn("outcome worker: unknown outcome status",
			zap.String("call_id", outcome.CallID.String()),
			zap.String("status", outcome.Status))
		return nil
	}

	var lastError *string
	if outcome.Error != "" {
		lastError = &outcome.Error
	}

	if err := store.Finalize(ctx, outcome.CallID, status, lastError); err != nil {
		if errors.Is(err, repository.ErrStaleClaim) || errors.Is(err, repository.ErrNotFound) {
			log.Debug("outcome worker: call already settled",
				zap.String("call_id", outcome.CallID.String()))
			return nil
		}
		log.Error("outcome worker: finalize", zap.Error(err),
			zap.String("call_id", outcome.CallID.String()))
		return err
	}

	log.Info("outcome worker: call finalized",
		zap.String("call_id", outcome.CallID.String()),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", outcome.DurationMs))

	if attempts != nil {
		record := domain.DispatchAttempt{
			ID:             uuid.New(),
			CallID:         outcome.CallID,
			TenantID:       outcome.TenantID,
			Accepted:       status == domain.CallStatusCompleted,
			ExternalCallID: outcome.ExternalCallID,
			Error:          outcome.Error,
			OccurredAt:     outcome.OccurredAt,
			Duration:       time.Duration(outcome.DurationMs) * time.Millisecond,
		}
		if err := attempts.Append(ctx, record); err != nil {
			log.Warn("outcome worker: append attempt", zap.Error(err))
		}
	}
	return nil
}
