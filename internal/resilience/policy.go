package resilience

import (
	"math"
	"time"
)

// Policy bounds how a provider call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// PollInterval and PollTimeout apply to providers that answer with a polling URL.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		BaseDelay:    500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		PollInterval: 750 * time.Millisecond,
		PollTimeout:  2 * time.Minute,
	}
}

// Backoff is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay is the wait before the next attempt: the provider's Retry-After when it
// sent one, the exponential backoff otherwise.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return p.Backoff(attempt)
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.PollTimeout <= 0 {
		p.PollTimeout = def.PollTimeout
	}
	return p
}
