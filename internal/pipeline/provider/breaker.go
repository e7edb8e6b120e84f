// Package provider wraps SMS providers with a circuit breaker.
package provider

import (
	"context"

	"lprpipeline/internal/pipeline/core"
)

// BreakerProvider sheds sends while the wrapped provider keeps failing.
type BreakerProvider struct {
	next    core.SMSProvider
	breaker *core.CircuitBreaker
}

// WithBreaker wraps next with breaker.
func WithBreaker(next core.SMSProvider, breaker *core.CircuitBreaker) *BreakerProvider {
	if breaker == nil {
		breaker = core.NewCircuitBreaker(core.CircuitOptions{})
	}
	return &BreakerProvider{next: next, breaker: breaker}
}

// Name returns the wrapped provider name.
func (p *BreakerProvider) Name() string {
	return p.next.Name()
}

// Breaker exposes the breaker for health reporting.
func (p *BreakerProvider) Breaker() *core.CircuitBreaker {
	return p.breaker
}

// SendSMS forwards to the wrapped provider unless the breaker is open.
func (p *BreakerProvider) SendSMS(ctx context.Context, to, message string) (string, error) {
	if !p.breaker.Allow() {
		return "", core.Wrap(core.CodeUnavailable, "sms provider circuit open", nil)
	}
	id, err := p.next.SendSMS(ctx, to, message)
	if err != nil {
		p.breaker.OnFailure()
		return "", err
	}
	p.breaker.OnSuccess()
	return id, nil
}
