package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/gateway"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/ratelimit"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTurnBody = 20 << 20

// TurnStarter is the part of the gateway the HTTP layer drives.
type TurnStarter interface {
	StartTurn(ctx context.Context, turn gateway.Turn) (string, error)
	Stop(sessionID string) bool
}

type UsageLedger interface {
	Get(ctx context.Context, sessionID string) (domain.ChatTokenUsage, error)
	SetAbsolute(ctx context.Context, sessionID string, in, out int64, costUSD float64) (domain.ChatTokenUsage, error)
}

type KeyLister interface {
	Keys(ctx context.Context, provider string) ([]domain.ProviderAPIKey, error)
}

type BreakerStates interface {
	States(ctx context.Context) map[string]string
}

// EventSource streams the notifications of one session.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan notifications.Notification, error)
}

type HandlerConfig struct {
	TenantRepo  repository.TenantRepository
	RateLimiter ratelimit.RateLimiter
	Gateway     TurnStarter
	Chats       repository.ChatRepository
	Usage       UsageLedger
	Catalog     *catalog.Catalog
	Keys        KeyLister
	Breakers    BreakerStates
	Events      EventSource

	// AdminTokenHash is the bcrypt hash of the admin bearer token. Admin
	// routes are not mounted when it is empty.
	AdminTokenHash string
	HealthCheckers []HealthChecker
	HealthTimeout  time.Duration
	Version        string
}

type Handler struct {
	tenantRepo  repository.TenantRepository
	rateLimiter ratelimit.RateLimiter
	gateway     TurnStarter
	chats       repository.ChatRepository
	usage       UsageLedger
	catalog     *catalog.Catalog
	keys        KeyLister
	breakers    BreakerStates
	events      EventSource
	version     string
	mux         *http.ServeMux

	done      chan struct{}
	closeOnce sync.Once
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 2 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	h := &Handler{
		tenantRepo:  cfg.TenantRepo,
		rateLimiter: cfg.RateLimiter,
		gateway:     cfg.Gateway,
		chats:       cfg.Chats,
		usage:       cfg.Usage,
		catalog:     cfg.Catalog,
		keys:        cfg.Keys,
		breakers:    cfg.Breakers,
		events:      cfg.Events,
		version:     version,
		mux:         http.NewServeMux(),
		done:        make(chan struct{}),
	}

	h.mux.HandleFunc("POST /v1/chats", h.withTenant(h.handleCreateChat))
	h.mux.HandleFunc("GET /v1/chats/{id}/messages", h.withTenant(h.handleListMessages))
	h.mux.HandleFunc("POST /v1/chats/{id}/turns", h.withTenant(h.handleStartTurn))
	h.mux.HandleFunc("DELETE /v1/chats/{id}/turns/current", h.withTenant(h.handleStopTurn))
	h.mux.HandleFunc("GET /v1/chats/{id}/usage", h.withTenant(h.handleGetUsage))
	h.mux.HandleFunc("GET /v1/chats/{id}/events", h.withTenant(h.handleEvents))
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthCheckers, healthTimeout, version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.AdminTokenHash != "" {
		admin := newAdminRoutes(cfg.AdminTokenHash, cfg.TenantRepo, cfg.Usage, cfg.Keys, cfg.Catalog)
		admin.register(h.mux)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close ends open event streams so the server can drain.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

type tenantHandlerFunc func(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant)

// withTenant resolves the bearer key to an enabled tenant.
func (h *Handler) withTenant(next tenantHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := extractAPIKey(r)
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		tenant, err := h.tenantRepo.GetByAPIKey(r.Context(), apiKey)
		if err != nil {
			slog.Warn("invalid API key", "error", err, "request_id", requestID(r))
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next(w, r, tenant)
	}
}

// ownedSession loads a session and hides sessions of other tenants.
func (h *Handler) ownedSession(ctx context.Context, id string, tenant *domain.Tenant) (*domain.ChatSession, error) {
	session, err := h.chats.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.TenantID != tenant.ID {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

type CreateChatRequest struct {
	Model   string             `json:"model"`
	System  string             `json:"system,omitempty"`
	UserID  string             `json:"user_id,omitempty"`
	Params  domain.ModelParams `json:"params"`
	Plugins []string           `json:"plugins,omitempty"`
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	ctx := r.Context()

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.catalog.Lookup(req.Model); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !catalog.Allowed(tenant, req.Model) {
		writeDomainError(w, r, domain.ErrModelNotAllowed)
		return
	}

	session := &domain.ChatSession{
		TenantID:  tenant.ID,
		UserID:    req.UserID,
		ModelID:   req.Model,
		Params:    req.Params,
		System:    req.System,
		Plugins:   req.Plugins,
		CreatedAt: time.Now(),
	}
	if err := h.chats.CreateSession(ctx, session); err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("chat session created",
		"session_id", session.ID,
		"tenant_id", tenant.ID,
		"model", session.ModelID,
		"request_id", requestID(r),
	)

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	ctx := r.Context()

	session, err := h.ownedSession(ctx, r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.chats.History(ctx, session.ID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type TurnRequest struct {
	Text        string                    `json:"text"`
	Attachments []domain.Attachment       `json:"attachments,omitempty"`
	Generation  *domain.GenerationOptions `json:"generation,omitempty"`
}

type TurnResponse struct {
	OperationID string `json:"operation_id"`
	SessionID   string `json:"session_id"`
}

func (h *Handler) handleStartTurn(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	if !h.allow(w, r, tenant) {
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opID, err := h.gateway.StartTurn(ctx, gateway.Turn{
		SessionID:   sessionID,
		Text:        req.Text,
		Attachments: req.Attachments,
		Generation:  req.Generation,
		Tenant:      tenant,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("turn accepted",
		"operation_id", opID,
		"session_id", sessionID,
		"tenant_id", tenant.ID,
		"request_id", requestID(r),
	)

	w.Header().Set("Location", "/v1/chats/"+sessionID+"/events")
	writeJSON(w, http.StatusAccepted, TurnResponse{OperationID: opID, SessionID: sessionID})
}

// allow applies the tenant rate limit and sets the X-RateLimit headers.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) bool {
	if h.rateLimiter == nil || tenant.RateLimitRPM <= 0 {
		return true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), tenant.ID, tenant.RateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tenant.RateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(tenant.ID)
		slog.Warn("rate limit exceeded", "tenant_id", tenant.ID, "request_id", requestID(r))
		if wait := time.Until(resetAt); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) handleStopTurn(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	session, err := h.ownedSession(r.Context(), r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if !h.gateway.Stop(session.ID) {
		writeError(w, http.StatusNotFound, "no turn in progress")
		return
	}

	slog.Info("turn stopped", "session_id", session.ID, "tenant_id", tenant.ID, "request_id", requestID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetUsage(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	ctx := r.Context()

	session, err := h.ownedSession(ctx, r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	usage, err := h.usage.Get(ctx, session.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleEvents relays session notifications as server-sent events until the
// client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, tenant *domain.Tenant) {
	ctx := r.Context()

	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event streaming not configured")
		return
	}

	session, err := h.ownedSession(ctx, r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.events.Subscribe(ctx, session.ID)
	if err != nil {
		slog.Error("subscribe failed", "error", err, "session_id", session.ID)
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case n, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()

		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()

		case <-h.done:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.catalog.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	breakers := map[string]string{}
	if h.breakers != nil {
		breakers = h.breakers.States(ctx)
	}
	for _, state := range breakers {
		if state != "closed" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          h.version,
		"providers":        h.catalog.Providers(),
		"circuit_breakers": breakers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.New().String()
	r.Header.Set("X-Request-ID", id)
	return id
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var quota *domain.QuotaError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrTenantNotFound),
		errors.Is(err, domain.ErrUnknownModel),
		errors.Is(err, domain.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrModelNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.As(err, &quota), errors.Is(err, domain.ErrNoKeyAvailable),
		errors.Is(err, domain.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID(r))
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
