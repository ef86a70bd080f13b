package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// adminRoutes serves operator endpoints behind a single bcrypt-verified
// bearer token.
type adminRoutes struct {
	tokenHash  []byte
	tenantRepo repository.TenantRepository
	usage      UsageLedger
	keys       KeyLister
	catalog    *catalog.Catalog
}

func newAdminRoutes(tokenHash string, tenantRepo repository.TenantRepository, usage UsageLedger, keys KeyLister, cat *catalog.Catalog) *adminRoutes {
	return &adminRoutes{
		tokenHash:  []byte(tokenHash),
		tenantRepo: tenantRepo,
		usage:      usage,
		keys:       keys,
		catalog:    cat,
	}
}

func (a *adminRoutes) register(mux *http.ServeMux) {
	mux.Handle("PUT /v1/chats/{id}/usage", a.requireAdmin(http.HandlerFunc(a.setUsage)))
	mux.Handle("GET /v1/keys/{provider}", a.requireAdmin(http.HandlerFunc(a.listKeys)))

	mux.Handle("GET /admin/tenants", a.requireAdmin(http.HandlerFunc(a.listTenants)))
	mux.Handle("POST /admin/tenants", a.requireAdmin(http.HandlerFunc(a.createTenant)))
	mux.Handle("GET /admin/tenants/{id}", a.requireAdmin(http.HandlerFunc(a.getTenant)))
	mux.Handle("PUT /admin/tenants/{id}", a.requireAdmin(http.HandlerFunc(a.updateTenant)))
	mux.Handle("DELETE /admin/tenants/{id}", a.requireAdmin(http.HandlerFunc(a.deleteTenant)))
	mux.Handle("POST /admin/tenants/{id}/rotate-key", a.requireAdmin(http.HandlerFunc(a.rotateAPIKey)))
}

func (a *adminRoutes) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractAPIKey(r)
		if token == "" {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
			slog.Warn("admin authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeAdminError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashAdminToken produces the value expected in ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type SetUsageRequest struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (a *adminRoutes) setUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	var req SetUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usage, err := a.usage.SetAbsolute(ctx, sessionID, req.InputTokens, req.OutputTokens, req.CostUSD)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("failed to set usage", "error", err, "session_id", sessionID)
			writeAdminError(w, status, "failed to set usage")
			return
		}
		writeAdminError(w, status, err.Error())
		return
	}

	slog.Info("session usage overwritten",
		"session_id", sessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(usage)
}

func (a *adminRoutes) listKeys(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	keys, err := a.keys.Keys(r.Context(), provider)
	if err != nil {
		slog.Error("failed to list keys", "error", err, "provider", provider)
		writeAdminError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"provider": provider,
		"keys":     keys,
		"count":    len(keys),
	})
}

func (a *adminRoutes) listTenants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenants, err := a.tenantRepo.List(ctx)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// TenantWithKey is returned when a key is issued; the plaintext key is
// never retrievable afterwards.
type TenantWithKey struct {
	*domain.Tenant
	APIKey string `json:"api_key"`
}

func (a *adminRoutes) createTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}
	if bad := a.unknownModel(req.AllowedModels); bad != "" {
		writeAdminError(w, http.StatusBadRequest, "unknown model: "+bad)
		return
	}

	apiKey := generateAPIKey()
	now := time.Now()
	tenant := &domain.Tenant{
		ID:            uuid.New().String(),
		Name:          req.Name,
		APIKeyHash:    repository.HashAPIKey(apiKey),
		RateLimitRPM:  req.RateLimitRPM,
		AllowedModels: req.AllowedModels,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if tenant.RateLimitRPM == 0 {
		tenant.RateLimitRPM = 60
	}

	if err := a.tenantRepo.Create(ctx, tenant); err != nil {
		slog.Error("failed to create tenant", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	slog.Info("tenant created", "tenant_id", tenant.ID, "name", tenant.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TenantWithKey{Tenant: tenant, APIKey: apiKey})
}

func (a *adminRoutes) getTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	tenant, err := a.tenantRepo.GetByID(ctx, id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenant)
}

func (a *adminRoutes) updateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	tenant, err := a.tenantRepo.GetByID(ctx, id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	var req UpdateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated := *tenant
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.RateLimitRPM != nil {
		updated.RateLimitRPM = *req.RateLimitRPM
	}
	if req.AllowedModels != nil {
		if bad := a.unknownModel(req.AllowedModels); bad != "" {
			writeAdminError(w, http.StatusBadRequest, "unknown model: "+bad)
			return
		}
		updated.AllowedModels = req.AllowedModels
	}
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	updated.UpdatedAt = time.Now()

	if err := a.tenantRepo.Update(ctx, &updated); err != nil {
		slog.Error("failed to update tenant", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update tenant")
		return
	}

	slog.Info("tenant updated", "tenant_id", updated.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&updated)
}

func (a *adminRoutes) deleteTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := a.tenantRepo.Delete(ctx, id); err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	slog.Info("tenant deleted", "tenant_id", id)

	w.WriteHeader(http.StatusNoContent)
}

func (a *adminRoutes) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	tenant, err := a.tenantRepo.GetByID(ctx, id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "tenant not found")
		return
	}

	apiKey := generateAPIKey()
	updated := *tenant
	updated.APIKeyHash = repository.HashAPIKey(apiKey)
	updated.UpdatedAt = time.Now()

	if err := a.tenantRepo.Update(ctx, &updated); err != nil {
		slog.Error("failed to rotate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "tenant_id", updated.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": apiKey,
	})
}

func (a *adminRoutes) unknownModel(ids []string) string {
	if a.catalog == nil {
		return ""
	}
	for _, id := range ids {
		if _, err := a.catalog.Lookup(id); err != nil {
			return id
		}
	}
	return ""
}

type CreateTenantRequest struct {
	Name          string   `json:"name"`
	RateLimitRPM  int      `json:"rate_limit_rpm"`
	AllowedModels []string `json:"allowed_models,omitempty"`
}

type UpdateTenantRequest struct {
	Name          string   `json:"name,omitempty"`
	RateLimitRPM  *int     `json:"rate_limit_rpm,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

func generateAPIKey() string {
	return "gw-" + uuid.New().String()
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
