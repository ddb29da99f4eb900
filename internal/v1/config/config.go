package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the sync server.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv        string
	LogLevel     string
	RedisEnabled bool
	RedisAddr    string
	RedisPassword string

	DevelopmentMode bool
	AllowedOrigins  string

	// Cache tuning (C3)
	CacheMaxRooms int
	CacheTTL      time.Duration

	// Sync engine tuning (C6)
	HeartbeatInterval time.Duration
	CloseTimeout      time.Duration
	ResumeWindow      time.Duration
	SubscriberLagMax  int

	// Presence tuning (C7)
	PresenceExpire       time.Duration
	PresenceManualExpire time.Duration

	// Rate limits
	RateLimitWsConnect string
	RateLimitWsHello   string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.CacheMaxRooms = getEnvIntOrDefault("CACHE_MAX_ROOMS", 100)
	cfg.CacheTTL = getEnvDurationOrDefault("CACHE_TTL", 30*time.Minute)

	cfg.HeartbeatInterval = getEnvDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.CloseTimeout = getEnvDurationOrDefault("CLOSE_TIMEOUT", 10*time.Second)
	cfg.ResumeWindow = getEnvDurationOrDefault("RESUME_WINDOW", 2*time.Minute)
	cfg.SubscriberLagMax = getEnvIntOrDefault("SUBSCRIBER_LAG_MAX", 256)

	cfg.PresenceExpire = getEnvDurationOrDefault("PRESENCE_EXPIRE", 40*time.Second)
	cfg.PresenceManualExpire = getEnvDurationOrDefault("PRESENCE_MANUAL_EXPIRE", 5*time.Minute)

	cfg.RateLimitWsConnect = getEnvOrDefault("RATE_LIMIT_WS_CONNECT", "100-M")
	cfg.RateLimitWsHello = getEnvOrDefault("RATE_LIMIT_WS_HELLO", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"cache_max_rooms", cfg.CacheMaxRooms,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
