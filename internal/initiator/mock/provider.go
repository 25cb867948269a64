package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/config"
	"github.com/acme/outbound-dispatch/internal/initiator"
)

// Provider simulates the voice platform's initiation endpoint.
type Provider struct {
	acceptRate float64
	latency    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.VoiceBridgeConfig) *Provider {
	latency := cfg.RequestTimeout / 10
	if latency <= 0 {
		latency = 200 * time.Millisecond
	}
	return &Provider{
		acceptRate: 0.85,
		latency:    latency,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Initiate simulates an initiation attempt.
func (p *Provider) Initiate(ctx context.Context, req initiator.Request) (initiator.Result, error) {
	select {
	case <-ctx.Done():
		return initiator.Result{}, ctx.Err()
	case <-time.After(p.latency):
	}

	p.mu.Lock()
	roll := p.rng.Float64()
	transientRoll := p.rng.Float64()
	p.mu.Unlock()

	if roll <= p.acceptRate {
		return initiator.Result{
			Accepted:       true,
			ExternalCallID: fmt.Sprintf("sim-%s", uuid.New()),
		}, nil
	}

	code := "invalid_number"
	if transientRoll < 0.7 {
		code = "carrier_busy"
	}
	class, _ := initiator.ClassifyCode(code)
	return initiator.Result{
		FailureClass: class,
		Error:        fmt.Sprintf("simulated rejection: %s", code),
	}, nil
}
