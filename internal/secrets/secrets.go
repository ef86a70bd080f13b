// Package secrets reads provider key pools from a secret store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrNotFound = errors.New("secret not found")

type Source interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type getSecretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSource reads from AWS Secrets Manager and caches values for ttl.
type AWSSource struct {
	api   getSecretValueAPI
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSource(ctx context.Context, region string) (*AWSSource, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSSource(secretsmanager.NewFromConfig(cfg), 5*time.Minute), nil
}

func newAWSSource(api getSecretValueAPI, ttl time.Duration) *AWSSource {
	return &AWSSource{
		api:   api,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedSecret),
	}
}

func (s *AWSSource) GetSecret(ctx context.Context, name string) (string, error) {
	now := s.now()

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case len(out.SecretBinary) > 0:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("get secret %s: %w", name, ErrNotFound)
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// Invalidate drops a cached value so the next read goes to the store.
func (s *AWSSource) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// StaticSource serves secrets from memory.
type StaticSource struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStaticSource(secrets map[string]string) *StaticSource {
	s := &StaticSource{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	return s
}

func (s *StaticSource) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("get secret %s: %w", name, ErrNotFound)
	}
	return v, nil
}

func (s *StaticSource) Set(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}
