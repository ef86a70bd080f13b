package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/crypto"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

type TenantRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	List(ctx context.Context) ([]*domain.Tenant, error)
	Create(ctx context.Context, tenant *domain.Tenant) error
	Update(ctx context.Context, tenant *domain.Tenant) error
	Delete(ctx context.Context, id string) error
}

type InMemoryTenantRepository struct {
	mu      sync.RWMutex
	tenants map[string]*domain.Tenant
	byKey   map[string]string
}

func NewInMemoryTenantRepository(tenants ...*domain.Tenant) *InMemoryTenantRepository {
	repo := &InMemoryTenantRepository{
		tenants: make(map[string]*domain.Tenant),
		byKey:   make(map[string]string),
	}
	for _, t := range tenants {
		repo.tenants[t.ID] = t
		repo.byKey[t.APIKeyHash] = t.ID
	}
	return repo
}

func (r *InMemoryTenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hash := HashAPIKey(apiKey)
	tenantID, ok := r.byKey[hash]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	tenant, ok := r.tenants[tenantID]
	if !ok || !tenant.Enabled {
		return nil, domain.ErrTenantNotFound
	}

	return tenant, nil
}

func (r *InMemoryTenantRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	return tenant, nil
}

func (r *InMemoryTenantRepository) List(ctx context.Context) ([]*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]*domain.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

func (r *InMemoryTenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tenants[tenant.ID] = tenant
	r.byKey[tenant.APIKeyHash] = tenant.ID

	return nil
}

func (r *InMemoryTenantRepository) Update(ctx context.Context, tenant *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.tenants[tenant.ID]
	if !ok {
		return domain.ErrTenantNotFound
	}

	delete(r.byKey, prev.APIKeyHash)
	tenant.UpdatedAt = time.Now()
	r.tenants[tenant.ID] = tenant
	r.byKey[tenant.APIKeyHash] = tenant.ID

	return nil
}

func (r *InMemoryTenantRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return domain.ErrTenantNotFound
	}
	delete(r.byKey, tenant.APIKeyHash)
	delete(r.tenants, id)
	return nil
}

// HashAPIKey is how tenant API keys are stored and looked up.
func HashAPIKey(apiKey string) string {
	return crypto.HashAPIKey(apiKey)
}
