package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/chat-gateway/internal/accounting"
	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

const testAdminToken = "admin-secret"

func adminHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func adminRequest(method, path string, body any) *http.Request {
	req := newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	handler, _ := setupTestHandler(t, adminHash(t))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"tenant key", "Bearer " + testAPIKey, http.StatusUnauthorized},
		{"admin token", "Bearer " + testAdminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/keys/openai", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestAdminRoutes_NotMountedWithoutHash(t *testing.T) {
	handler, _ := setupTestHandler(t, "")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("GET", "/admin/tenants", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestListKeys_OmitsSecrets(t *testing.T) {
	handler, deps := setupTestHandler(t, adminHash(t))
	deps.keys.KeysFunc = func(ctx context.Context, provider string) ([]domain.ProviderAPIKey, error) {
		return []domain.ProviderAPIKey{
			{ID: "openai-1", Provider: provider, Secret: "sk-live-123", DailyQuota: 100, UsedToday: 7, Active: true},
		}, nil
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("GET", "/v1/keys/openai", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "sk-live-123") {
		t.Errorf("response leaks the key secret: %s", body)
	}
	if !strings.Contains(body, `"used_today":7`) {
		t.Errorf("response missing usage: %s", body)
	}
}

func TestSetUsage(t *testing.T) {
	hash := adminHash(t)
	acct := accounting.New(accounting.NewMemoryStore(), nil, nil)
	ctx := context.Background()
	acct.AddDelta(ctx, "sess-1", 500, 200, 0.5)

	handler := NewHandler(HandlerConfig{
		Catalog:        catalog.Default(),
		Usage:          acct,
		AdminTokenHash: hash,
	})

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"overwrite", SetUsageRequest{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}, http.StatusOK},
		{"negative", SetUsageRequest{InputTokens: -1}, http.StatusBadRequest},
		{"invalid body", "x", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, adminRequest("PUT", "/v1/chats/sess-1/usage", tt.body))
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}

	usage, _ := acct.Get(ctx, "sess-1")
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", usage)
	}
}

func TestTenantLifecycle(t *testing.T) {
	repo := repository.NewInMemoryTenantRepository()
	handler := NewHandler(HandlerConfig{
		TenantRepo:     repo,
		Catalog:        catalog.Default(),
		AdminTokenHash: adminHash(t),
	})
	ctx := context.Background()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("POST", "/admin/tenants", CreateTenantRequest{
		Name:          "acme",
		AllowedModels: []string{"gpt-4o"},
	}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", rr.Code, rr.Body.String())
	}

	var created struct {
		ID           string `json:"id"`
		APIKey       string `json:"api_key"`
		RateLimitRPM int    `json:"rate_limit_rpm"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.APIKey == "" || created.RateLimitRPM != 60 {
		t.Fatalf("created = %+v", created)
	}
	if _, err := repo.GetByAPIKey(ctx, created.APIKey); err != nil {
		t.Fatalf("issued key does not resolve: %v", err)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("POST", "/admin/tenants/"+created.ID+"/rotate-key", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate status = %d", rr.Code)
	}
	var rotated map[string]string
	json.NewDecoder(rr.Body).Decode(&rotated)
	if _, err := repo.GetByAPIKey(ctx, created.APIKey); err != domain.ErrTenantNotFound {
		t.Errorf("old key still valid after rotation: %v", err)
	}
	if _, err := repo.GetByAPIKey(ctx, rotated["api_key"]); err != nil {
		t.Errorf("rotated key does not resolve: %v", err)
	}

	disabled := false
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("PUT", "/admin/tenants/"+created.ID, UpdateTenantRequest{Enabled: &disabled}))
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d", rr.Code)
	}
	if _, err := repo.GetByAPIKey(ctx, rotated["api_key"]); err != domain.ErrTenantNotFound {
		t.Errorf("disabled tenant still authenticates: %v", err)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("DELETE", "/admin/tenants/"+created.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, adminRequest("GET", "/admin/tenants/"+created.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestCreateTenant_Validation(t *testing.T) {
	handler := NewHandler(HandlerConfig{
		TenantRepo:     repository.NewInMemoryTenantRepository(),
		Catalog:        catalog.Default(),
		AdminTokenHash: adminHash(t),
	})

	tests := []struct {
		name string
		body CreateTenantRequest
		want string
	}{
		{"missing name", CreateTenantRequest{}, "name is required"},
		{"unknown model", CreateTenantRequest{Name: "x", AllowedModels: []string{"gpt-99"}}, "unknown model: gpt-99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, adminRequest("POST", "/admin/tenants", tt.body))
			if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("status = %d body = %s, want 400 %q", rr.Code, rr.Body.String(), tt.want)
			}
		})
	}
}

func TestHashAdminToken(t *testing.T) {
	hash, err := HashAdminToken("tok")
	if err != nil {
		t.Fatalf("HashAdminToken() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("tok")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
}
