// Package config loads the orchestrator's flat configuration from
// environment variables.
package config

import (
	"os"
	"strconv"
)

// Config is the application configuration. Every named option from the
// orchestrator's configuration surface is represented here; per-action
// timeouts and retry counts come from the graph, not from here.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string // "console" or "json"
	DatabaseDSN string
	JWTSecret   string

	EventQueueCapacity   int
	EvaluationIntervalMs int
	SignalTimeoutMs      int

	IdempotencyEnabled   bool
	AuthorizationEnabled bool
	PolicyGateEnabled    bool
	PolicyGateFatal      bool

	TracingEnabled       bool
	TracingPersist       bool
	TracingRetentionDays int

	OpenAIAPIKey string
}

// Load creates a Config by reading environment variables, falling back to
// defaults suitable for local development.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		DatabaseDSN: getEnv("DATABASE_DSN", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		EventQueueCapacity:   getEnvInt("EVENT_QUEUE_CAPACITY", 1024),
		EvaluationIntervalMs: getEnvInt("EVALUATION_INTERVAL_MS", 5000),
		SignalTimeoutMs:      getEnvInt("SIGNAL_TIMEOUT_MS", 2000),

		IdempotencyEnabled:   getEnvBool("GOVERNANCE_IDEMPOTENCY_ENABLED", true),
		AuthorizationEnabled: getEnvBool("GOVERNANCE_AUTHORIZATION_ENABLED", true),
		PolicyGateEnabled:    getEnvBool("GOVERNANCE_POLICY_GATE_ENABLED", true),
		PolicyGateFatal:      getEnvBool("GOVERNANCE_POLICY_GATE_FATAL", false),

		TracingEnabled:       getEnvBool("TRACING_ENABLED", true),
		TracingPersist:       getEnvBool("TRACING_PERSIST", false),
		TracingRetentionDays: getEnvInt("TRACING_RETENTION_DAYS", 30),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// GetPortInt returns the port as an integer.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
