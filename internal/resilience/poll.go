package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const maxPollBody = 1 << 20

// poll follows the polling URL of an asynchronous generation until it leaves
// the pending states, then hands the final result body to the parser.
func (h *Handler) poll(ctx context.Context, p *domain.AiRequestPayload, key domain.ProviderAPIKey, submitted io.Reader) (io.ReadCloser, error) {
	raw, err := io.ReadAll(io.LimitReader(submitted, maxPollBody))
	if err != nil {
		return nil, transportError(p.Provider, key.ID, err)
	}

	field := p.PollField
	if field == "" {
		field = "polling_url"
	}
	pollURL := gjson.GetBytes(raw, field).String()
	if pollURL == "" {
		return nil, &domain.ProviderError{
			Provider: p.Provider,
			Kind:     domain.KindValidation,
			KeyID:    key.ID,
			Message:  fmt.Sprintf("submit response has no %s", field),
		}
	}

	deadline := h.now().Add(h.policy.PollTimeout)
	for polls := 1; ; polls++ {
		if err := h.sleep(ctx, h.policy.PollInterval); err != nil {
			return nil, err
		}

		resp, err := h.do(ctx, p, key, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
		resp.Body.Close()
		if err != nil {
			return nil, transportError(p.Provider, key.ID, err)
		}

		status := gjson.GetBytes(body, "status").String()
		if !pending(status) {
			slog.Debug("generation finished", "provider", p.Provider, "status", status, "polls", polls)
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		if h.now().After(deadline) {
			return nil, &domain.ProviderError{
				Provider: p.Provider,
				Kind:     domain.KindTransient,
				KeyID:    key.ID,
				Message:  fmt.Sprintf("generation still %q after %s", status, h.policy.PollTimeout),
			}
		}
	}
}

func pending(status string) bool {
	switch status {
	case "Pending", "Queued", "Processing", "Task not found":
		return true
	}
	return false
}
