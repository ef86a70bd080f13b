package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/httputil"
)

// CurrentTime reports the current time in an IANA time zone.
type CurrentTime struct {
	Now func() time.Time
}

func (CurrentTime) Definition() domain.PluginDefinition {
	return domain.PluginDefinition{
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 format.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA time zone, e.g. Europe/Berlin. Defaults to UTC."}}}`),
	}
}

func (CurrentTime) Cacheable() bool { return false }

func (p CurrentTime) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		loc = l
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().In(loc).Format(time.RFC3339), nil
}

const maxWebhookResponse = 16 << 10

// Webhook POSTs the call arguments as JSON to a fixed URL and returns the
// response body.
type Webhook struct {
	Name        string
	Description string
	URL         string
	Schema      json.RawMessage
	Client      *http.Client
	// Idempotent webhooks are safe to memoize.
	Idempotent bool
}

func (w *Webhook) Definition() domain.PluginDefinition {
	schema := w.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return domain.PluginDefinition{Name: w.Name, Description: w.Description, Schema: schema}
}

func (w *Webhook) Cacheable() bool { return w.Idempotent }

func (w *Webhook) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = httputil.DefaultClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", w.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned status %d: %s", w.Name, resp.StatusCode, bytes.TrimSpace(body))
	}
	return string(body), nil
}
