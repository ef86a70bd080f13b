package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSessionNotFound    = errors.New("chat session not found")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnknownModel       = errors.New("unknown model")
	ErrModelNotAllowed    = errors.New("model not allowed for tenant")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNoKeyAvailable     = errors.New("no API key configured for provider")
	ErrKeyNotFound        = errors.New("API key not found")
	ErrQuotaExceeded      = errors.New("provider key quota exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrEmptyStream        = errors.New("stream produced no valid chunks")
	ErrTruncatedStream    = errors.New("stream ended without finish reason")
	ErrToolRoundLimit     = errors.New("tool round limit exceeded")
	ErrPartialDelivery    = errors.New("failed after partial content was delivered")
)

type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindValidation  ErrorKind = "validation"
	KindAuth        ErrorKind = "auth"
)

// ProviderError is a classified failure of one provider attempt.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	KeyID      string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (%s): status=%d %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// QuotaError is returned when every key of a provider is exhausted or cooling down.
// RetryAt is the earliest cooldown expiry, zero when only daily quotas are exhausted.
type QuotaError struct {
	Provider string
	RetryAt  time.Time
}

func (e *QuotaError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s: %s", e.Provider, ErrQuotaExceeded)
	}
	return fmt.Sprintf("%s: %s (next key available at %s)", e.Provider, ErrQuotaExceeded, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
