package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret   string
	DatabaseURL string
	Port        string

	// Optional variables with defaults
	GoEnv             string
	LogLevel          string
	HeartbeatInterval time.Duration
	AllowedOrigins    string

	// Optional OIDC validation (replaces the shared-secret validator)
	OIDCDomain   string
	OIDCAudience string

	// Optional shared limiter store
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional tracing
	OTELCollectorAddr string

	DevelopmentMode bool

	// Rate Limits
	RateLimitWsIP        string
	RateLimitFrameBudget int
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters) unless OIDC is configured
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.OIDCDomain = os.Getenv("OIDC_DOMAIN")
	cfg.OIDCAudience = os.Getenv("OIDC_AUDIENCE")
	if cfg.OIDCDomain == "" {
		if cfg.JWTSecret == "" {
			errors = append(errors, "JWT_SECRET is required when OIDC_DOMAIN is not set")
		} else if len(cfg.JWTSecret) < 32 {
			errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
	} else if cfg.OIDCAudience == "" {
		errors = append(errors, "OIDC_AUDIENCE is required when OIDC_DOMAIN is set")
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DATABASE_URL (users and spaces lookups)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Optional: HEARTBEAT_INTERVAL (defaults to 30s)
	cfg.HeartbeatInterval = 30 * time.Second
	if raw := os.Getenv("HEARTBEAT_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errors = append(errors, fmt.Sprintf("HEARTBEAT_INTERVAL must be a positive duration (got '%s')", raw))
		} else {
			cfg.HeartbeatInterval = d
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// Frame budget per session per second; 0 disables the budget so the
	// reference cursor behavior is unchanged unless configured.
	cfg.RateLimitFrameBudget = 0
	if raw := os.Getenv("RATE_LIMIT_FRAME_BUDGET"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errors = append(errors, fmt.Sprintf("RATE_LIMIT_FRAME_BUDGET must be a non-negative integer (got '%s')", raw))
		} else {
			cfg.RateLimitFrameBudget = n
		}
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"database_url", redactSecret(cfg.DatabaseURL),
		"heartbeat_interval", cfg.HeartbeatInterval,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"rate_limit_frame_budget", cfg.RateLimitFrameBudget,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
