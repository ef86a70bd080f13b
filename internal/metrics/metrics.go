package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_turns_total",
			Help: "Total number of chat turns by terminal state",
		},
		[]string{"tenant_id", "provider", "model", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgateway_turn_duration_seconds",
			Help:    "Chat turn duration in seconds, tool rounds included",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_provider_attempts_total",
			Help: "Provider HTTP attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgateway_provider_attempt_duration_seconds",
			Help:    "Duration of one provider attempt, stream consumption included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_retries_total",
			Help: "Provider retries by error kind",
		},
		[]string{"provider", "kind"},
	)

	KeysRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_keys_rate_limited_total",
			Help: "Provider keys put on cooldown after a rate-limit response",
		},
		[]string{"provider"},
	)

	KeyPoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_key_pool_exhausted_total",
			Help: "Key selections that found no usable key",
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_tokens_total",
			Help: "Total number of tokens accounted",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"provider", "model"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_tool_calls_total",
			Help: "Plugin invocations requested by models",
		},
		[]string{"plugin", "status"},
	)

	PluginCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_plugin_cache_hits_total",
			Help: "Plugin results served from cache",
		},
		[]string{"plugin"},
	)

	PluginCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_plugin_cache_misses_total",
			Help: "Plugin results not found in cache",
		},
		[]string{"plugin"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_rate_limit_hits_total",
			Help: "Requests rejected by the tenant rate limiter",
		},
		[]string{"tenant_id"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_notifications_dropped_total",
			Help: "Notifications dropped because the delivery queue was full",
		},
		[]string{"type"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgateway_active_streams",
			Help: "Number of turns currently generating",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordTurn(tenantID, provider, model, status string, durationSec float64) {
	TurnsTotal.WithLabelValues(tenantID, provider, model, status).Inc()
	TurnDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordProviderAttempt(provider, outcome string, durationSec float64) {
	ProviderCalls.WithLabelValues(provider, outcome).Inc()
	ProviderCallDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordRetry(provider, kind string) {
	Retries.WithLabelValues(provider, kind).Inc()
}

func RecordKeyRateLimited(provider string) {
	KeysRateLimited.WithLabelValues(provider).Inc()
}

func RecordKeyPoolExhausted(provider string) {
	KeyPoolExhausted.WithLabelValues(provider).Inc()
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordToolCall(plugin, status string) {
	ToolCalls.WithLabelValues(plugin, status).Inc()
}

func RecordPluginCacheHit(plugin string) {
	PluginCacheHits.WithLabelValues(plugin).Inc()
}

func RecordPluginCacheMiss(plugin string) {
	PluginCacheMisses.WithLabelValues(plugin).Inc()
}

func RecordRateLimitHit(tenantID string) {
	RateLimitHits.WithLabelValues(tenantID).Inc()
}

func RecordNotificationDropped(notificationType string) {
	NotificationsDropped.WithLabelValues(notificationType).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

var currentPodName string

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
