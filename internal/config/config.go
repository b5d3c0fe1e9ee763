// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreNATS     = "nats"
	StorePostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Orchestrator settings
	OrchestratorURL     string
	OrchestratorTimeout time.Duration
	PollInterval        time.Duration
	PollTimeout         time.Duration

	// Relay settings
	ChunkSize    int
	ChunkDelay   time.Duration
	ContextTurns int

	// Turn admission
	TurnRateLimit  int
	TurnRateWindow time.Duration

	// Storage
	StoreBackend string
	DatabaseURL  string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Auth settings. An empty secret enables the single development user.
	JWTSecret     string
	JWTExpiration time.Duration
	DevUserID     string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	TitleModel      string

	// HTTP request guard
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),
		CORSOrigins:        getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Orchestrator
		OrchestratorURL:     getEnv("ORCHESTRATOR_URL", "http://127.0.0.1:8000"),
		OrchestratorTimeout: getDurationEnv("ORCHESTRATOR_TIMEOUT", 30*time.Second),
		PollInterval:        getDurationEnv("POLL_INTERVAL", time.Second),
		PollTimeout:         getDurationEnv("POLL_TIMEOUT", 5*time.Minute),

		// Relay
		ChunkSize:    getIntEnv("CHUNK_SIZE", 50),
		ChunkDelay:   getDurationEnv("CHUNK_DELAY", 20*time.Millisecond),
		ContextTurns: getIntEnv("CONTEXT_TURNS", 10),

		// Turn admission
		TurnRateLimit:  getIntEnv("TURN_RATE_LIMIT", 30),
		TurnRateWindow: getDurationEnv("TURN_RATE_WINDOW", time.Hour),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Auth
		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
		DevUserID:     getEnv("DEV_USER_ID", "dev-user"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		TitleModel:      getEnv("TITLE_MODEL", ""),

		// HTTP request guard
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreMemory, StoreNATS:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.OrchestratorURL == "" {
		errs = append(errs, errors.New("ORCHESTRATOR_URL is required"))
	}
	if c.PollInterval <= 0 || c.PollTimeout < c.PollInterval {
		errs = append(errs, fmt.Errorf("POLL_TIMEOUT (%s) must be at least POLL_INTERVAL (%s)", c.PollTimeout, c.PollInterval))
	}

	return errors.Join(errs...)
}

// DevMode reports whether requests are authenticated as the development user.
func (c *Config) DevMode() bool {
	return c.JWTSecret == ""
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
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
