// Package config provides environment configuration for the support engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Broker modes.
const (
	BrokerLocal = "local"
	BrokerNATS  = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Store settings
	StoreDriver  string
	SQLitePath   string
	DatabaseURL  string
	StoreTimeout time.Duration

	// Realtime settings
	BrokerMode       string
	ActivityEnabled  bool
	HeartbeatPeriod  time.Duration
	TypingIdle       time.Duration
	TypingExpiry     time.Duration
	ConfirmTimeout   time.Duration
	SocketRateLimit  int
	SocketRateWindow time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Store
		StoreDriver:  getEnv("STORE_DRIVER", StoreSQLite),
		SQLitePath:   getEnv("SQLITE_PATH", "support.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTimeout: getDurationEnv("STORE_TIMEOUT", 5*time.Second),

		// Realtime
		BrokerMode:       getEnv("BROKER_MODE", BrokerLocal),
		ActivityEnabled:  getBoolEnv("ACTIVITY_STREAM_ENABLED", false),
		HeartbeatPeriod:  getDurationEnv("HEARTBEAT_PERIOD", 30*time.Second),
		TypingIdle:       getDurationEnv("TYPING_IDLE", 2*time.Second),
		TypingExpiry:     getDurationEnv("TYPING_EXPIRY", 3*time.Second),
		ConfirmTimeout:   getDurationEnv("CONFIRM_TIMEOUT", 10*time.Second),
		SocketRateLimit:  getIntEnv("SOCKET_RATE_LIMIT", 20),
		SocketRateWindow: getDurationEnv("SOCKET_RATE_WINDOW", 10*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// NeedsNATS reports whether any component requires a NATS connection.
func (c *Config) NeedsNATS() bool {
	return c.BrokerMode == BrokerNATS || c.ActivityEnabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
