// Package plugins executes the tools a model may call during a turn.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/cache"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
)

// Plugin is one callable tool. Invoke errors are reported back to the model
// as failed results, never as turn failures.
type Plugin interface {
	Definition() domain.PluginDefinition
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Cacheable plugins return the same output for the same arguments, so their
// successful results may be memoized.
type Cacheable interface {
	Cacheable() bool
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Definition().Name] = p
}

func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Definitions returns the definitions of ids in the given order, skipping
// unknown ids. With no ids it returns every plugin sorted by name.
func (r *Registry) Definitions(ids ...string) []domain.PluginDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ids) == 0 {
		for id := range r.plugins {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	defs := make([]domain.PluginDefinition, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.plugins[id]; ok {
			defs = append(defs, p.Definition())
		}
	}
	return defs
}

func (r *Registry) Execute(ctx context.Context, pluginID string, args json.RawMessage) domain.PluginResult {
	p, ok := r.Get(pluginID)
	if !ok {
		return domain.PluginError(fmt.Sprintf("unknown plugin %q", pluginID))
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := p.Invoke(ctx, args)
	if err != nil {
		return domain.PluginError(err.Error())
	}
	return domain.PluginOK(out)
}

// CachingExecutor memoizes successful results of Cacheable plugins.
type CachingExecutor struct {
	registry *Registry
	cache    cache.Cache
	ttl      time.Duration
}

func NewCachingExecutor(registry *Registry, c cache.Cache, ttl time.Duration) *CachingExecutor {
	return &CachingExecutor{registry: registry, cache: c, ttl: ttl}
}

func (e *CachingExecutor) Execute(ctx context.Context, pluginID string, args json.RawMessage) domain.PluginResult {
	p, ok := e.registry.Get(pluginID)
	if !ok || !isCacheable(p) || e.ttl <= 0 {
		return e.registry.Execute(ctx, pluginID, args)
	}

	key := cache.GenerateCacheKey(pluginID, args)
	if out, hit := e.cache.Get(ctx, key); hit {
		metrics.RecordPluginCacheHit(pluginID)
		return domain.PluginOK(out)
	}
	metrics.RecordPluginCacheMiss(pluginID)

	res := e.registry.Execute(ctx, pluginID, args)
	if res.OK() {
		// A failed write only costs a later miss.
		_ = e.cache.Set(ctx, key, res.Output, e.ttl)
	}
	return res
}

func isCacheable(p Plugin) bool {
	c, ok := p.(Cacheable)
	return ok && c.Cacheable()
}
