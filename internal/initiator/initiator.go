// Package initiator defines the boundary with the voice platform that
// actually places and conducts calls. The adapter reports only the
// synchronous accept/reject of an initiation request; the real call
// outcome arrives later through the completion callback. Retries belong
// exclusively to the dispatcher's retry policy, never to the adapter.
package initiator

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// Request carries everything the platform needs to start one call.
type Request struct {
	CallID        uuid.UUID
	TenantID      uuid.UUID
	PhoneNumber   string
	Purpose       domain.CallPurpose
	Message       string
	AppointmentID *uuid.UUID
	Metadata      map[string]any
}

// Result is the synchronous response to an initiation request. On reject,
// FailureClass carries the already-classified failure.
type Result struct {
	Accepted       bool
	ExternalCallID string
	FailureClass   domain.FailureClass
	Error          string
}

// Initiator asks the voice platform to place one call.
type Initiator interface {
	Initiate(ctx context.Context, req Request) (Result, error)
}

// upstreamClasses is the closed mapping from raw platform failure codes to
// failure classes. Codes not listed here default to transient: a retried
// call bounded by max_attempts beats a silently dropped one.
var upstreamClasses = map[string]domain.FailureClass{
	"carrier_busy":       domain.FailureTransient,
	"rate_limited":       domain.FailureTransient,
	"network_error":      domain.FailureTransient,
	"channel_exhausted":  domain.FailureTransient,
	"invalid_number":     domain.FailurePermanent,
	"number_unreachable": domain.FailurePermanent,
	"rejected":           domain.FailurePermanent,
}

// ClassifyCode maps a raw upstream failure code to a failure class. The
// second return reports whether the code was recognized; callers log a
// warning for unknown codes.
func ClassifyCode(code string) (domain.FailureClass, bool) {
	if class, ok := upstreamClasses[code]; ok {
		return class, true
	}
	return domain.FailureTransient, false
}
