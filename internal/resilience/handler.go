// Package resilience performs provider calls: key selection, HTTP submission,
// error classification and bounded retry with key rotation.
package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/httputil"
	"github.com/felipepmaragno/chat-gateway/internal/keys"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/stream"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

// Sink receives the chunks of the attempt that is kept. Returning an error aborts the call.
type Sink func(domain.StreamChunk) error

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type CallResult struct {
	KeyID    string
	Attempts int
	// Delivered is set once a content chunk reached the sink.
	Delivered bool
	// Usage is the last usage report of the kept attempt, nil when the provider sent none.
	Usage *domain.Usage
}

// RetryExhaustedError is returned when every attempt failed with a retryable error.
type RetryExhaustedError struct {
	Provider string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Provider, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

type Handler struct {
	client   *http.Client
	keys     keys.Manager
	parsers  *stream.Registry
	breakers *circuitbreaker.Manager
	notifier notifications.Notifier
	policy   Policy
	sleep    Sleeper
	now      func() time.Time

	mu     sync.Mutex
	sticky map[string]domain.ProviderAPIKey
}

type Option func(*Handler)

func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(h *Handler) { h.breakers = m }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

func WithSleeper(s Sleeper) Option {
	return func(h *Handler) { h.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(km keys.Manager, parsers *stream.Registry, policy Policy, opts ...Option) *Handler {
	h := &Handler{
		client:   httputil.StreamingClient(),
		keys:     km,
		parsers:  parsers,
		breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		notifier: notifications.Nop{},
		policy:   policy.normalized(),
		sleep:    sleepContext,
		now:      time.Now,
		sticky:   make(map[string]domain.ProviderAPIKey),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Policy() Policy {
	return h.policy
}

// Call runs one provider call to completion. Chunks of failed attempts never
// reach the sink, and nothing is retried once content has been delivered.
func (h *Handler) Call(ctx context.Context, sessionID string, p *domain.AiRequestPayload, sink Sink) (*CallResult, error) {
	parser, err := h.parsers.Parser(p.Provider)
	if err != nil {
		return nil, err
	}
	breaker := h.breakers.Get(p.Provider)

	res := &CallResult{}
	var lastErr error

	for attempt := 1; attempt <= h.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt
		log := slog.With("session_id", sessionID, "provider", p.Provider, "model", p.Model, "attempt", attempt)

		// An open breaker must not reserve key quota.
		if err := breaker.Allow(ctx); err != nil {
			return res, fmt.Errorf("%s: %w", p.Provider, err)
		}

		key, err := h.acquire(ctx, sessionID, p.Provider)
		if err != nil {
			breaker.Release(ctx)
			var qe *domain.QuotaError
			if !errors.As(err, &qe) {
				return res, err
			}
			h.poolExhausted(ctx, sessionID, p.Provider)
			if qe.RetryAt.IsZero() {
				return res, err
			}
			lastErr = err
			if attempt == h.policy.MaxAttempts {
				break
			}
			wait := max(qe.RetryAt.Sub(h.now()), 0)
			log.Warn("all provider keys cooling down", "wait", wait)
			if err := h.sleep(ctx, wait); err != nil {
				return res, err
			}
			continue
		}

		start := time.Now()
		err = h.attempt(ctx, p, key, parser, sink, res)
		if err == nil {
			breaker.RecordSuccess(ctx)
			metrics.RecordProviderAttempt(p.Provider, "success", time.Since(start).Seconds())
			res.KeyID = key.ID
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			breaker.Release(ctx)
			return res, ctxErr
		}

		var pe *domain.ProviderError
		if !errors.As(err, &pe) {
			breaker.Release(ctx)
			return res, err
		}
		metrics.RecordProviderAttempt(p.Provider, string(pe.Kind), time.Since(start).Seconds())
		switch pe.Kind {
		case domain.KindTransient:
			breaker.RecordFailure(ctx)
		case domain.KindRateLimited:
			// Rate limits are not a health signal.
			breaker.Release(ctx)
		default:
			breaker.RecordSuccess(ctx)
		}

		if res.Delivered {
			log.Error("provider failed after content was delivered", "key_id", key.ID, "error", pe)
			return res, fmt.Errorf("%w: %w", domain.ErrPartialDelivery, pe)
		}
		if !pe.Retryable() {
			log.Error("provider call failed", "key_id", key.ID, "error", pe)
			return res, pe
		}

		lastErr = pe
		delay := h.policy.Delay(attempt, pe.RetryAfter)
		if pe.Kind == domain.KindRateLimited {
			h.rateLimited(ctx, sessionID, key, delay)
		}
		if attempt == h.policy.MaxAttempts {
			break
		}

		metrics.RecordRetry(p.Provider, string(pe.Kind))
		log.Warn("retrying provider call", "key_id", key.ID, "delay", delay, "error", pe)
		if err := h.sleep(ctx, delay); err != nil {
			return res, err
		}
	}

	log := slog.With("session_id", sessionID, "provider", p.Provider, "attempts", res.Attempts)
	log.Error("provider retries exhausted", "error", lastErr)
	return res, &RetryExhaustedError{Provider: p.Provider, Attempts: res.Attempts, Last: lastErr}
}

// Release drops the session's sticky key, typically at the end of a turn.
func (h *Handler) Release(sessionID string) {
	h.mu.Lock()
	delete(h.sticky, sessionID)
	h.mu.Unlock()
}

// acquire reuses the session's key while it has quota and falls back to rotation.
func (h *Handler) acquire(ctx context.Context, sessionID, provider string) (domain.ProviderAPIKey, error) {
	h.mu.Lock()
	k, ok := h.sticky[sessionID]
	h.mu.Unlock()

	if ok && k.Provider == provider {
		if err := h.keys.RecordUsage(ctx, k.ID); err == nil {
			return k, nil
		}
		h.forget(sessionID, k.ID)
	}

	k, err := h.keys.SelectKey(ctx, provider)
	if err != nil {
		return domain.ProviderAPIKey{}, err
	}
	if sessionID != "" {
		h.mu.Lock()
		h.sticky[sessionID] = k
		h.mu.Unlock()
	}
	return k, nil
}

func (h *Handler) forget(sessionID, keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if k, ok := h.sticky[sessionID]; ok && k.ID == keyID {
		delete(h.sticky, sessionID)
	}
}

func (h *Handler) rateLimited(ctx context.Context, sessionID string, key domain.ProviderAPIKey, cooldown time.Duration) {
	h.forget(sessionID, key.ID)
	if err := h.keys.ReportRateLimited(ctx, key.ID, cooldown); err != nil {
		slog.Warn("failed to report rate-limited key", "provider", key.Provider, "key_id", key.ID, "error", err)
	}
	metrics.RecordKeyRateLimited(key.Provider)
	h.notifier.Send(ctx, notifications.Notification{
		Type:      notifications.NotificationKeyRateLimited,
		SessionID: sessionID,
		Provider:  key.Provider,
		Data: map[string]any{
			"key_id":      key.ID,
			"cooldown_ms": cooldown.Milliseconds(),
		},
	})
}

func (h *Handler) poolExhausted(ctx context.Context, sessionID, provider string) {
	metrics.RecordKeyPoolExhausted(provider)
	h.notifier.Send(ctx, notifications.Notification{
		Type:      notifications.NotificationKeyPoolExhausted,
		SessionID: sessionID,
		Provider:  provider,
		Message:   "no provider key available",
	})
}

func (h *Handler) attempt(ctx context.Context, p *domain.AiRequestPayload, key domain.ProviderAPIKey, parser stream.Parser, sink Sink, res *CallResult) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "provider.attempt")
	telemetry.AddAttemptAttributes(span, p.Provider, key.ID, res.Attempts)
	defer func() {
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
		}
		span.End()
	}()

	res.Usage = nil
	body, err := h.submit(ctx, p, key)
	if err != nil {
		return err
	}
	defer body.Close()

	chunks, errs := parser.Parse(ctx, body)
	return h.relay(chunks, errs, sink, res, p.Provider, key.ID)
}

func (h *Handler) submit(ctx context.Context, p *domain.AiRequestPayload, key domain.ProviderAPIKey) (io.ReadCloser, error) {
	resp, err := h.do(ctx, p, key, p.Method, p.URL, p.Body)
	if err != nil {
		return nil, err
	}
	if p.Mode != domain.ModePoll {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	return h.poll(ctx, p, key, resp.Body)
}

// do sends one request and turns transport failures and non-2xx statuses into ProviderErrors.
func (h *Handler) do(ctx context.Context, p *domain.AiRequestPayload, key domain.ProviderAPIKey, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &domain.ProviderError{Provider: p.Provider, Kind: domain.KindConfig, KeyID: key.ID, Err: err}
	}
	for name, values := range p.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if body == nil {
		req.Header.Del("Content-Type")
	}
	if p.Stream && p.Mode == domain.ModeSSE {
		req.Header.Set("Accept", "text/event-stream")
	}
	if p.AuthHeader != "" {
		req.Header.Set(p.AuthHeader, p.AuthPrefix+key.Secret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportError(p.Provider, key.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(p.Provider, key.ID, resp, h.now())
	}
	return resp, nil
}

// relay forwards parsed chunks, holding back non-content chunks until the first
// content chunk so a failed attempt leaves nothing behind.
func (h *Handler) relay(chunks <-chan domain.StreamChunk, errs <-chan error, sink Sink, res *CallResult, provider, keyID string) error {
	var held []domain.StreamChunk
	for c := range chunks {
		if c.Type == domain.ChunkUsage && c.Usage != nil {
			u := *c.Usage
			res.Usage = &u
		}
		if !res.Delivered {
			if !c.IsContent() {
				held = append(held, c)
				continue
			}
			res.Delivered = true
			for _, hc := range held {
				if err := sink(hc); err != nil {
					return err
				}
			}
			held = nil
		}
		if err := sink(c); err != nil {
			return err
		}
	}

	if err := <-errs; err != nil {
		return transportError(provider, keyID, err)
	}
	for _, c := range held {
		if err := sink(c); err != nil {
			return err
		}
	}
	return nil
}
