package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/accounting"
	"github.com/felipepmaragno/chat-gateway/internal/api"
	"github.com/felipepmaragno/chat-gateway/internal/cache"
	"github.com/felipepmaragno/chat-gateway/internal/catalog"
	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/config"
	"github.com/felipepmaragno/chat-gateway/internal/cost"
	"github.com/felipepmaragno/chat-gateway/internal/crypto"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/gateway"
	"github.com/felipepmaragno/chat-gateway/internal/keys"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/payload"
	"github.com/felipepmaragno/chat-gateway/internal/plugins"
	"github.com/felipepmaragno/chat-gateway/internal/ratelimit"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/felipepmaragno/chat-gateway/internal/resilience"
	"github.com/felipepmaragno/chat-gateway/internal/secrets"
	"github.com/felipepmaragno/chat-gateway/internal/stream"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
)

var version = "0.1.0"

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-token" {
		hash, err := api.HashAdminToken(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chat gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "chat-gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, version)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		slog.Info("connected to redis")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	// Session events go to Redis pub/sub when shared, otherwise to a local hub.
	var events api.EventSource
	sinks := notifications.Multi{}
	if rdb != nil {
		publisher := notifications.NewRedisPublisher(rdb)
		sinks = append(sinks, publisher)
		events = publisher
	} else {
		hub := notifications.NewHub(256)
		sinks = append(sinks, hub)
		events = hub
	}
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to init sns notifier", "error", err)
			os.Exit(1)
		}
		var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(10 * time.Minute)
		if rdb != nil {
			dedup = notifications.NewRedisDeduplicator(rdb, 10*time.Minute)
		}
		sinks = append(sinks, notifications.Filter(notifications.Dedup(sns, dedup), notifications.OpsAlerts...))
		slog.Info("ops alerts enabled", "topic", cfg.SNSTopicARN)
	}
	notifier := notifications.NewAsync(sinks, 4096)

	keyManager, err := newKeyManager(ctx, cfg, rdb)
	if err != nil {
		slog.Error("failed to set up key pool", "error", err)
		os.Exit(1)
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChange(func(provider string, from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(provider, int(to))
			slog.Warn("circuit breaker state changed", "provider", provider, "from", from.String(), "to", to.String())

			n := notifications.Notification{Provider: provider, Message: from.String() + " -> " + to.String()}
			switch to {
			case circuitbreaker.StateOpen:
				n.Type = notifications.NotificationProviderDown
			case circuitbreaker.StateClosed:
				n.Type = notifications.NotificationProviderUp
			default:
				return
			}
			notifier.Send(context.Background(), n)
		}),
	}
	if rdb != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(rdb))
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	baseURLs := make(map[string]string, len(cfg.Providers))
	for name, p := range cfg.Providers {
		baseURLs[name] = p.BaseURL
	}

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.Multiplier = cfg.RetryMultiplier
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.PollInterval = cfg.PollInterval

	caller := resilience.NewHandler(keyManager, stream.NewRegistry(), policy,
		resilience.WithBreakers(breakers),
		resilience.WithNotifier(notifier),
	)

	registry := plugins.NewRegistry(plugins.CurrentTime{})
	for name, url := range cfg.WebhookPlugins {
		registry.Register(&plugins.Webhook{
			Name:        name,
			Description: "Calls the " + name + " service with the given arguments.",
			URL:         url,
		})
		slog.Info("registered webhook plugin", "plugin", name)
	}

	var pluginCache cache.Cache
	if rdb != nil {
		pluginCache = cache.NewRedisCache(rdb)
	} else {
		mem := cache.NewInMemoryCache()
		defer mem.Close()
		pluginCache = mem
	}
	executor := plugins.NewCachingExecutor(registry, pluginCache, cfg.PluginCacheTTL)

	var (
		tenantRepo repository.TenantRepository
		chatRepo   repository.ChatRepository
		usageStore accounting.Store
	)
	if db != nil {
		tenantRepo = repository.NewPostgresTenantRepository(db)
		chatRepo = repository.NewPostgresChatRepository(db)
		usageStore = accounting.NewPostgresStore(db)
	} else {
		tenantRepo = repository.NewInMemoryTenantRepository()
		chatRepo = repository.NewInMemoryChatRepository()
		usageStore = accounting.NewMemoryStore()
		slog.Warn("no DATABASE_URL, sessions and usage are kept in memory")
	}

	if cfg.BootstrapTenantKey != "" {
		if err := bootstrapTenant(ctx, tenantRepo, cfg.BootstrapTenantKey, cfg.TenantRPM); err != nil {
			slog.Error("failed to bootstrap tenant", "error", err)
			os.Exit(1)
		}
	}

	accountant := accounting.New(usageStore, cost.NewCalculator(), notifier)
	models := catalog.Default()

	gw := gateway.New(gateway.Config{
		Catalog:       models,
		Chats:         chatRepo,
		Builder:       payload.DefaultFactory(baseURLs),
		Caller:        caller,
		Tools:         registry,
		Executor:      executor,
		Accountant:    accountant,
		Notifier:      notifier,
		HistoryLimit:  cfg.HistoryLimit,
		MaxToolRounds: cfg.MaxToolRounds,
	})

	var rateLimiter ratelimit.RateLimiter
	checkers := []api.HealthChecker{api.NewKeyPoolChecker(keyManager, models.Providers())}
	if rdb != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(rdb)
		checkers = append(checkers, api.NewRedisHealthChecker(rdb))
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		TenantRepo:     tenantRepo,
		RateLimiter:    rateLimiter,
		Gateway:        gw,
		Chats:          chatRepo,
		Usage:          accountant,
		Catalog:        models,
		Keys:           keyManager,
		Breakers:       breakers,
		Events:         events,
		AdminTokenHash: cfg.AdminTokenHash,
		HealthCheckers: checkers,
		Version:        version,
	})
	if cfg.AdminTokenHash == "" {
		slog.Warn("ADMIN_TOKEN_HASH not set, admin routes disabled")
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Event streams stay open for the life of a chat, so no WriteTimeout.
		IdleTimeout: 120 * time.Second,
	}
	srv.RegisterOnShutdown(handler.Close)

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("in-flight turns cancelled", "error", err)
	}
	notifier.Close()
	if err := shutdownTracing(context.Background()); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// newKeyManager loads the provider key pool from the file, the secret or the
// per-provider env keys, in that order, into Redis when configured.
func newKeyManager(ctx context.Context, cfg *config.Config, rdb *redis.Client) (keys.Manager, error) {
	var pool []domain.ProviderAPIKey
	var err error
	switch {
	case cfg.KeyPoolFile != "":
		pool, err = keys.LoadFile(cfg.KeyPoolFile, cfg.DefaultDailyQuota)
	case cfg.KeyPoolSecret != "":
		src, serr := secrets.NewAWSSource(ctx, cfg.AWSRegion)
		if serr != nil {
			return nil, serr
		}
		pool, err = keys.LoadSecret(ctx, src, cfg.KeyPoolSecret, cfg.DefaultDailyQuota)
	default:
		envKeys := make(map[string]string, len(cfg.Providers))
		for name, p := range cfg.Providers {
			envKeys[name] = p.APIKey
		}
		pool = keys.FromEnv(envKeys, cfg.DefaultDailyQuota)
	}
	if err != nil {
		return nil, err
	}

	var km keys.Manager
	if rdb != nil {
		var sealer keys.SecretSealer
		if cfg.EncryptionKey != "" {
			s, err := crypto.NewSealer(cfg.EncryptionKey)
			if err != nil {
				return nil, err
			}
			sealer = s
		} else {
			slog.Warn("ENCRYPTION_KEY not set, key secrets stored in redis unencrypted")
		}
		km = keys.NewRedisManager(rdb, sealer)
	} else {
		km = keys.NewInMemoryManager()
	}

	if err := km.Add(ctx, pool...); err != nil {
		return nil, err
	}

	perProvider := make(map[string]int)
	for _, k := range pool {
		perProvider[k.Provider]++
	}
	for provider, n := range perProvider {
		slog.Info("loaded provider keys", "provider", provider, "count", n)
	}
	if len(pool) == 0 {
		slog.Warn("no provider keys configured, every turn will fail")
	}
	return km, nil
}

func bootstrapTenant(ctx context.Context, repo repository.TenantRepository, apiKey string, rpm int) error {
	if _, err := repo.GetByAPIKey(ctx, apiKey); err == nil {
		return nil
	}
	now := time.Now()
	err := repo.Create(ctx, &domain.Tenant{
		ID:           "default",
		Name:         "default",
		APIKeyHash:   repository.HashAPIKey(apiKey),
		RateLimitRPM: rpm,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	slog.Info("bootstrap tenant created", "tenant_id", "default")
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
