package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/outbound-dispatch/internal/domain"
)

// Termination reasons recorded on the call when the policy gives up.
const (
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonPermanent   = "permanent_failure"
)

// Outcome is the policy's decision for a failed attempt: either reschedule
// at NextRetryAt or terminate with Reason.
type Outcome struct {
	Terminate   bool
	Reason      string
	NextRetryAt time.Time
}

// Policy computes retry decisions for transient dispatch failures using
// exponential backoff with a bounded maximum delay and jitter.
type Policy struct {
	base   time.Duration
	max    time.Duration
	jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy constructs a policy from backoff parameters. Zero values fall
// back to sane defaults.
func NewPolicy(params domain.RetryPolicy) *Policy {
	base := params.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := params.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Policy{
		base:   base,
		max:    maxDelay,
		jitter: params.Jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnFailure decides what to do after a failed attempt. attempts is the
// count including the attempt that just failed. Permanent failures
// terminate regardless of remaining attempts; transient failures reschedule
// until maxAttempts is reached.
func (p *Policy) OnFailure(attempts, maxAttempts int, class domain.FailureClass, now time.Time) Outcome {
	if class == domain.FailurePermanent {
		return Outcome{Terminate: true, Reason: ReasonPermanent}
	}
	if attempts >= maxAttempts {
		return Outcome{Terminate: true, Reason: ReasonMaxAttempts}
	}
	return Outcome{NextRetryAt: now.Add(p.Delay(attempts))}
}

// Delay computes the backoff delay after the given number of attempts:
// base * 2^(attempts-1), capped at the maximum, with a jitter fraction
// spread around the midpoint. The result never drops below the base delay.
func (p *Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	exponent := math.Pow(2, float64(attempts-1))
	delay := time.Duration(exponent * float64(p.base))
	if delay > p.max || delay <= 0 {
		delay = p.max
	}

	if p.jitter > 0 {
		p.mu.Lock()
		fraction := p.rng.Float64()*p.jitter - (p.jitter / 2)
		p.mu.Unlock()
		delay += time.Duration(float64(delay) * fraction)
		if delay < p.base {
			delay = p.base
		}
	}

	return delay
}
