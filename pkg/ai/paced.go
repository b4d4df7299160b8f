package ai

import (
	"context"

	"golang.org/x/time/rate"
)

// PacedRunner spaces out calls to the wrapped Runner.
type PacedRunner struct {
	next    Runner
	limiter *rate.Limiter
}

// NewPacedRunner wraps next with a token bucket. A non-positive rate returns next unchanged.
func NewPacedRunner(next Runner, perSecond float64, burst int) Runner {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedRunner{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Run waits for a token, then delegates.
func (p *PacedRunner) Run(ctx context.Context, model string, params Params, gateway Gateway) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.Run(ctx, model, params, gateway)
}
