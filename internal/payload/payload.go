// Package payload turns a normalized chat turn into a provider wire request.
package payload

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Builder is pure: it never performs I/O and never mutates rc.
type Builder interface {
	Provider() string
	Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error)
}

type Factory struct {
	builders map[string]Builder
}

func NewFactory(builders ...Builder) *Factory {
	f := &Factory{builders: make(map[string]Builder, len(builders))}
	for _, b := range builders {
		f.builders[b.Provider()] = b
	}
	return f
}

// DefaultFactory registers every supported provider. baseURLs overrides the
// default endpoint root per provider id.
func DefaultFactory(baseURLs map[string]string) *Factory {
	base := func(provider, fallback string) string {
		if u := strings.TrimRight(baseURLs[provider], "/"); u != "" {
			return u
		}
		return fallback
	}
	return NewFactory(
		NewOpenAI(base("openai", "https://api.openai.com/v1")),
		NewDeepSeek(base("deepseek", "https://api.deepseek.com/v1")),
		NewGrok(base("grok", "https://api.x.ai/v1")),
		NewQwen(base("qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1")),
		NewAnthropic(base("anthropic", "https://api.anthropic.com/v1")),
		NewGemini(base("gemini", "https://generativelanguage.googleapis.com/v1beta")),
		NewFlux(base("flux", "https://api.bfl.ai/v1")),
		NewImagen(base("imagen", "https://generativelanguage.googleapis.com/v1beta")),
	)
}

func (f *Factory) Builder(provider string) (Builder, error) {
	b, ok := f.builders[provider]
	if !ok {
		return nil, fmt.Errorf("builder for %q: %w", provider, domain.ErrUnknownProvider)
	}
	return b, nil
}

// Build selects the builder from the model's provider.
func (f *Factory) Build(rc *domain.AiRequestContext, tools []domain.PluginDefinition) (*domain.AiRequestPayload, error) {
	b, err := f.Builder(rc.Model.Provider)
	if err != nil {
		return nil, err
	}
	return b.Build(rc, tools)
}

func (f *Factory) Providers() []string {
	ids := make([]string, 0, len(f.builders))
	for id := range f.builders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newPayload(provider, model, url string, body []byte) *domain.AiRequestPayload {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &domain.AiRequestPayload{
		Provider: provider,
		Model:    model,
		Method:   http.MethodPost,
		URL:      url,
		Header:   h,
		Body:     body,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func clampedPtr(v *float64, lo, hi float64) *float64 {
	if v == nil {
		return nil
	}
	c := clampFloat(*v, lo, hi)
	return &c
}

func capStops(stops []string, max int) []string {
	if len(stops) > max {
		return stops[:max]
	}
	return stops
}

// upstream falls back to the catalog id when no upstream name is configured.
func upstream(m domain.Model) string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

func toolsEnabled(rc *domain.AiRequestContext, tools []domain.PluginDefinition) []domain.PluginDefinition {
	if !rc.Model.Capabilities.Tools {
		return nil
	}
	if len(tools) > 0 {
		return tools
	}
	return rc.Tools
}

func validate(rc *domain.AiRequestContext) error {
	if rc == nil {
		return fmt.Errorf("build: nil request context: %w", domain.ErrInvalidRequest)
	}
	if len(rc.Messages) == 0 {
		return fmt.Errorf("build: no messages: %w", domain.ErrInvalidRequest)
	}
	return nil
}

func attachmentNote(a domain.Attachment) string {
	name := a.Name
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("[%s (%s) omitted]", name, a.MimeType)
}

func toolResultText(r *domain.ToolResult) string {
	if r.IsError {
		return fmt.Sprintf("Tool %s failed: %s", r.Name, r.Content)
	}
	return fmt.Sprintf("Tool %s returned: %s", r.Name, r.Content)
}
