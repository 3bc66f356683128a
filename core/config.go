package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultModel is the model used when no layer of the provider
// precedence chain names one.
const DefaultModel = "gpt-5-mini"

// Config holds all configuration values for the canvas-chat backend.
type Config struct {
	// Server Configuration
	Host string
	Port int

	// Default hosted provider (lowest-precedence layer)
	OpenAIAPIKey string

	// Environment-configured OpenAI-compatible endpoint (third layer).
	// All three are optional; the layer is skipped entirely when empty.
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderModel   string

	// Persistence
	DatabasePath   string
	MigrationsPath string

	// Pipeline tuning
	SyncQuietPeriod  time.Duration // debounce quiet period for snapshot writes
	HydrationTimeout time.Duration // bound on offscreen surface hydration
	AITimeout        time.Duration // per-request provider timeout
	ExportMaxPixels  int           // longest edge of an exported image

	// Logging
	DevMode     bool
	LogFilePath string
}

// Helper function to get environment variable with default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Helper function to parse integer environment variable with default value
func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// Helper function to parse a millisecond duration environment variable
func parseMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. No variable is strictly required: with nothing set the backend
// serves on localhost:3000, stores data in ./data/canvaschat.db, and resolves
// chat to the default hosted provider (which will fail at call time without
// OPENAI_API_KEY, reported per turn rather than at startup).
//
// An optional YAML file named by CONFIG_FILE overlays the environment values
// (see LoadConfigFile).
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Host: getEnvOrDefault("HOST", "localhost"),
		Port: parseIntEnv("PORT", 3000),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),

		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderModel:   os.Getenv("PROVIDER_MODEL"),

		DatabasePath:   getEnvOrDefault("DATABASE_PATH", "./data/canvaschat.db"),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", "file://db/migrations"),

		// 2s quiet period matches the interactive feel of the drawing surface:
		// long enough to coalesce a stroke burst, short enough to survive a tab close.
		SyncQuietPeriod:  parseMillisEnv("SYNC_QUIET_PERIOD_MS", 2*time.Second),
		HydrationTimeout: parseMillisEnv("HYDRATION_TIMEOUT_MS", 5*time.Second),
		AITimeout:        parseMillisEnv("AI_TIMEOUT_MS", 60*time.Second),
		ExportMaxPixels:  parseIntEnv("EXPORT_MAX_PIXELS", 1024),

		DevMode:     os.Getenv("DEV_MODE") == "true",
		LogFilePath: getEnvOrDefault("LOG_FILE", "canvaschat.log"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("failed to apply config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration values that would otherwise fail obscurely later.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d: must be between 1 and 65535", c.Port)
	}
	if c.SyncQuietPeriod <= 0 {
		return fmt.Errorf("SYNC_QUIET_PERIOD_MS must be positive")
	}
	if c.HydrationTimeout <= 0 {
		return fmt.Errorf("HYDRATION_TIMEOUT_MS must be positive")
	}
	if c.ExportMaxPixels < 16 {
		return fmt.Errorf("EXPORT_MAX_PIXELS must be at least 16, got %d", c.ExportMaxPixels)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HasEnvProvider reports whether the environment-configured endpoint layer is defined.
func (c *Config) HasEnvProvider() bool {
	return c.ProviderBaseURL != "" || c.ProviderAPIKey != "" || c.ProviderModel != ""
}
