package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig is the per-provider endpoint and single-key fallback.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

type Config struct {
	Addr           string
	LogLevel       string
	RedisURL       string
	DatabaseURL    string
	OTLPEndpoint   string
	AWSRegion      string
	SNSTopicARN    string
	EncryptionKey  string
	AdminTokenHash string

	Providers map[string]ProviderConfig

	// Key pool sources, in precedence order: file, secret, then Providers[*].APIKey.
	KeyPoolFile       string
	KeyPoolSecret     string
	DefaultDailyQuota int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	PollInterval     time.Duration

	MaxToolRounds  int
	HistoryLimit   int
	TenantRPM      int
	PluginCacheTTL time.Duration
	// WebhookPlugins maps plugin names to HTTP endpoints, from PLUGIN_WEBHOOKS="name=url,...".
	WebhookPlugins map[string]string

	// BootstrapTenantKey seeds a "default" tenant when set, for local runs.
	BootstrapTenantKey string

	ShutdownTimeout time.Duration
}

var providerDefaults = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://api.anthropic.com/v1",
	"gemini":    "https://generativelanguage.googleapis.com/v1beta",
	"deepseek":  "https://api.deepseek.com/v1",
	"grok":      "https://api.x.ai/v1",
	"qwen":      "https://dashscope-intl.aliyuncs.com/compatible-mode/v1",
	"flux":      "https://api.bfl.ai/v1",
	"imagen":    "https://generativelanguage.googleapis.com/v1beta",
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		AdminTokenHash:     getEnv("ADMIN_TOKEN_HASH", ""),
		Providers:          make(map[string]ProviderConfig, len(providerDefaults)),
		KeyPoolFile:        getEnv("KEY_POOL_FILE", ""),
		KeyPoolSecret:      getEnv("KEY_POOL_SECRET", ""),
		DefaultDailyQuota:  getIntEnv("DEFAULT_KEY_DAILY_QUOTA", 1000),
		RetryMaxAttempts:   getIntEnv("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:     getMillisEnv("RETRY_BASE_DELAY_MS", 500*time.Millisecond),
		RetryMultiplier:    getFloatEnv("RETRY_MULTIPLIER", 2),
		RetryMaxDelay:      getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),
		PollInterval:       getMillisEnv("IMAGE_POLL_INTERVAL_MS", 750*time.Millisecond),
		MaxToolRounds:      getIntEnv("MAX_TOOL_ROUNDS", 5),
		HistoryLimit:       getIntEnv("HISTORY_LIMIT", 50),
		TenantRPM:          getIntEnv("TENANT_RPM", 60),
		PluginCacheTTL:     getDurationEnv("PLUGIN_CACHE_TTL", 5*time.Minute),
		WebhookPlugins:     getMapEnv("PLUGIN_WEBHOOKS"),
		BootstrapTenantKey: getEnv("BOOTSTRAP_TENANT_KEY", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	for name, baseURL := range providerDefaults {
		prefix := strings.ToUpper(name)
		cfg.Providers[name] = ProviderConfig{
			BaseURL: getEnv(prefix+"_BASE_URL", baseURL),
			APIKey:  getEnv(prefix+"_API_KEY", ""),
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMapEnv(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
