package keys

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// SecretSource is satisfied by internal/secrets sources.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type poolFile struct {
	Keys []poolEntry `yaml:"keys"`
}

type poolEntry struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	Secret     string `yaml:"secret"`
	DailyQuota *int   `yaml:"daily_quota"`
	RPM        int    `yaml:"rpm"`
	Active     *bool  `yaml:"active"`
}

// ParsePool decodes a YAML (or JSON) key pool document:
//
//	keys:
//	  - id: openai-1
//	    provider: openai
//	    secret: sk-...
//	    daily_quota: 500
//	    rpm: 60
//
// Missing ids are derived from the provider; active defaults to true.
func ParsePool(data []byte, defaultQuota int) ([]domain.ProviderAPIKey, error) {
	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key pool: %w", err)
	}

	seen := make(map[string]bool, len(f.Keys))
	counts := make(map[string]int)
	out := make([]domain.ProviderAPIKey, 0, len(f.Keys))
	for i, e := range f.Keys {
		provider := strings.ToLower(strings.TrimSpace(e.Provider))
		if provider == "" || e.Secret == "" {
			return nil, fmt.Errorf("parse key pool: entry %d needs provider and secret: %w", i, domain.ErrInvalidRequest)
		}
		counts[provider]++

		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", provider, counts[provider])
		}
		if seen[id] {
			return nil, fmt.Errorf("parse key pool: duplicate key id %q: %w", id, domain.ErrInvalidRequest)
		}
		seen[id] = true

		k := domain.ProviderAPIKey{
			ID:         id,
			Provider:   provider,
			Secret:     e.Secret,
			DailyQuota: defaultQuota,
			RPM:        e.RPM,
			Active:     e.Active == nil || *e.Active,
		}
		if e.DailyQuota != nil {
			k.DailyQuota = *e.DailyQuota
		}
		out = append(out, k)
	}
	return out, nil
}

func LoadFile(path string, defaultQuota int) ([]domain.ProviderAPIKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key pool %s: %w", path, err)
	}
	return ParsePool(data, defaultQuota)
}

func LoadSecret(ctx context.Context, src SecretSource, name string, defaultQuota int) ([]domain.ProviderAPIKey, error) {
	data, err := src.GetSecret(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load key pool secret: %w", err)
	}
	return ParsePool([]byte(data), defaultQuota)
}

// FromEnv builds a one-key pool per provider from single API key settings.
func FromEnv(secrets map[string]string, defaultQuota int) []domain.ProviderAPIKey {
	providers := make([]string, 0, len(secrets))
	for p, s := range secrets {
		if s != "" {
			providers = append(providers, p)
		}
	}
	sort.Strings(providers)

	out := make([]domain.ProviderAPIKey, 0, len(providers))
	for _, p := range providers {
		out = append(out, domain.ProviderAPIKey{
			ID:         p + "-env",
			Provider:   p,
			Secret:     secrets[p],
			DailyQuota: defaultQuota,
			Active:     true,
		})
	}
	return out
}
