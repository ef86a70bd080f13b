package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Catalog maps public model ids to the provider that serves them.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]domain.Model
}

func New(models ...domain.Model) *Catalog {
	c := &Catalog{models: make(map[string]domain.Model, len(models))}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

// Default returns the catalog of models the gateway ships with.
func Default() *Catalog {
	return New(DefaultModels()...)
}

func (c *Catalog) Register(m domain.Model) {
	if m.Upstream == "" {
		m.Upstream = m.ID
	}
	c.mu.Lock()
	c.models[m.ID] = m
	c.mu.Unlock()
}

func (c *Catalog) Lookup(id string) (domain.Model, error) {
	c.mu.RLock()
	m, ok := c.models[id]
	c.mu.RUnlock()
	if !ok {
		return domain.Model{}, fmt.Errorf("lookup %q: %w", id, domain.ErrUnknownModel)
	}
	return m, nil
}

// Allowed reports whether a tenant may use the model. An empty allow list permits all.
func Allowed(tenant *domain.Tenant, modelID string) bool {
	if tenant == nil || len(tenant.AllowedModels) == 0 {
		return true
	}
	for _, id := range tenant.AllowedModels {
		if id == modelID {
			return true
		}
	}
	return false
}

func (c *Catalog) List() []domain.Model {
	c.mu.RLock()
	out := make([]domain.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Providers returns the distinct provider ids referenced by the catalog.
func (c *Catalog) Providers() []string {
	seen := make(map[string]struct{})
	for _, m := range c.List() {
		seen[m.Provider] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func DefaultModels() []domain.Model {
	chat := domain.Capabilities{Vision: true, Tools: true}
	return []domain.Model{
		{ID: "gpt-4o", Provider: "openai", Capabilities: withMax(chat, 16384)},
		{ID: "gpt-4o-mini", Provider: "openai", Capabilities: withMax(chat, 16384)},
		{ID: "o3-mini", Provider: "openai", Capabilities: domain.Capabilities{Tools: true, Thinking: true, MaxOutputTokens: 100000}},

		{ID: "claude-sonnet-4", Provider: "anthropic", Upstream: "claude-sonnet-4-20250514",
			Capabilities: domain.Capabilities{Vision: true, Tools: true, Thinking: true, PromptCaching: true, MaxOutputTokens: 64000}},
		{ID: "claude-3-5-haiku", Provider: "anthropic", Upstream: "claude-3-5-haiku-20241022",
			Capabilities: domain.Capabilities{Vision: true, Tools: true, PromptCaching: true, MaxOutputTokens: 8192}},

		{ID: "gemini-2.5-pro", Provider: "gemini",
			Capabilities: domain.Capabilities{Vision: true, Tools: true, Thinking: true, MaxOutputTokens: 65536}},
		{ID: "gemini-2.5-flash", Provider: "gemini",
			Capabilities: domain.Capabilities{Vision: true, Tools: true, Thinking: true, MaxOutputTokens: 65536}},

		{ID: "deepseek-chat", Provider: "deepseek", Capabilities: domain.Capabilities{Tools: true, MaxOutputTokens: 8192}},
		{ID: "deepseek-reasoner", Provider: "deepseek", Capabilities: domain.Capabilities{Thinking: true, MaxOutputTokens: 32768}},

		{ID: "grok-3", Provider: "grok", Capabilities: withMax(chat, 131072)},

		{ID: "qwen-plus", Provider: "qwen", Capabilities: domain.Capabilities{Tools: true, Thinking: true, MaxOutputTokens: 16384}},
		{ID: "qwen-vl-max", Provider: "qwen", Capabilities: domain.Capabilities{Vision: true, MaxOutputTokens: 8192}},

		{ID: "flux-pro-1.1", Provider: "flux", Capabilities: domain.Capabilities{ImageGeneration: true}},
		{ID: "imagen-3", Provider: "imagen", Upstream: "imagen-3.0-generate-002",
			Capabilities: domain.Capabilities{ImageGeneration: true}},
	}
}

func withMax(c domain.Capabilities, max int) domain.Capabilities {
	c.MaxOutputTokens = max
	return c
}
