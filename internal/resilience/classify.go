package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const maxErrorBody = 4 << 10

// classifyStatus maps a non-2xx response to an error kind.
func classifyStatus(status int, body []byte) domain.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case status == 529, status == http.StatusRequestTimeout, status >= 500:
		return domain.KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.KindAuth
	}
	// Some providers signal throttling with a 4xx other than 429.
	switch gjson.GetBytes(body, "error.status").String() {
	case "RESOURCE_EXHAUSTED":
		return domain.KindRateLimited
	}
	switch gjson.GetBytes(body, "error.type").String() {
	case "rate_limit_error":
		return domain.KindRateLimited
	case "overloaded_error":
		return domain.KindTransient
	}
	return domain.KindValidation
}

func responseError(provider, keyID string, resp *http.Response, now time.Time) *domain.ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := classifyStatus(resp.StatusCode, body)

	pe := &domain.ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		KeyID:      keyID,
		Message:    errorMessage(body),
	}
	if pe.Retryable() {
		pe.RetryAfter = retryAfter(resp.Header, body, now)
	}
	return pe
}

func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// retryAfter reads the provider's requested delay: Retry-After (seconds or
// HTTP-date), retry-after-ms, or a RetryInfo detail in the body.
func retryAfter(h http.Header, body []byte, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if d, ok := parseRetryAfter(h.Get("Retry-After"), now); ok {
		return d
	}
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		if !strings.HasSuffix(detail.Get("@type").String(), "RetryInfo") {
			continue
		}
		if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return max(d, 0), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}

// transportError classifies a failure that produced no HTTP response, or a
// stream that broke after the headers arrived.
func transportError(provider, keyID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		if pe.KeyID == "" {
			pe.KeyID = keyID
		}
		pe.Provider = provider
		return pe
	}
	return &domain.ProviderError{
		Provider: provider,
		Kind:     domain.KindTransient,
		KeyID:    keyID,
		Err:      err,
	}
}
