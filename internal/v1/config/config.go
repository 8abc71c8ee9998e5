// Package config validates the environment-derived configuration at startup.
// All tunables are env-only; there is no CLI surface.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
)

// Modes for the SFU boundary and the event bus.
const (
	SFUModeMemory = "memory"
	SFUModeRemote = "remote"

	BusBackendMemory = "memory"
	BusBackendRedis  = "redis"
	BusBackendNATS   = "nats"
)

// Config holds the validated environment configuration.
type Config struct {
	// Server
	Port        string
	Environment string
	JWTSecret   string

	// Upstream identity provider (JWKS)
	AuthDomain   string
	AuthAudience string
	SkipAuth     bool

	// SFU boundary
	SFUMode       string
	SFUControlURL string
	SFUPublicURL  string

	// Event bus
	BusBackend    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSUrl       string

	// Grace windows and thresholds
	DisconnectGrace          time.Duration
	EmptyRoomGrace           time.Duration
	TransportDisconnectGrace time.Duration
	MaxDisplayNameLength     int
	QualityLowThreshold      int
	SoundSuppressThreshold   int

	// Webinar
	WebinarDefaultMaxAttendees int
	WebinarLinkBase            string

	// Tenant policy table, raw JSON (parsed by the identity package)
	ClientPolicies string

	// Rate limits (ulule formats, e.g. "1000-M")
	RateLimitAPI    string
	RateLimitWsIP   string
	RateLimitWsUser string

	// Observability
	OTLPEndpoint string

	// Drain
	DrainRedirectURL string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Every problem is collected so operators see the full list at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		problems = append(problems, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		problems = append(problems, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "production")
	if cfg.Environment != "development" && cfg.Environment != "production" {
		problems = append(problems, fmt.Sprintf("ENVIRONMENT must be 'development' or 'production' (got '%s')", cfg.Environment))
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if !cfg.SkipAuth && cfg.AuthDomain == "" {
		problems = append(problems, "AUTH_DOMAIN is required unless SKIP_AUTH=true")
	}

	cfg.SFUMode = getEnvOrDefault("SFU_MODE", SFUModeMemory)
	switch cfg.SFUMode {
	case SFUModeMemory:
	case SFUModeRemote:
		cfg.SFUControlURL = os.Getenv("SFU_CONTROL_URL")
		if !isValidHTTPURL(cfg.SFUControlURL) {
			problems = append(problems, fmt.Sprintf("SFU_CONTROL_URL must be an http(s) URL when SFU_MODE=remote (got '%s')", cfg.SFUControlURL))
		}
	default:
		problems = append(problems, fmt.Sprintf("SFU_MODE must be 'memory' or 'remote' (got '%s')", cfg.SFUMode))
	}
	cfg.SFUPublicURL = os.Getenv("SFU_PUBLIC_URL")

	cfg.BusBackend = getEnvOrDefault("BUS_BACKEND", BusBackendMemory)
	switch cfg.BusBackend {
	case BusBackendMemory:
	case BusBackendRedis:
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(context.Background(), "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			problems = append(problems, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	case BusBackendNATS:
		cfg.NATSUrl = os.Getenv("NATS_URL")
		if cfg.NATSUrl == "" {
			problems = append(problems, "NATS_URL is required when BUS_BACKEND=nats")
		}
	default:
		problems = append(problems, fmt.Sprintf("BUS_BACKEND must be 'memory', 'redis' or 'nats' (got '%s')", cfg.BusBackend))
	}

	cfg.DisconnectGrace = getEnvDurationMs("DISCONNECT_GRACE_MS", 8*time.Second, &problems)
	cfg.EmptyRoomGrace = getEnvDurationMs("EMPTY_ROOM_GRACE_MS", 5*time.Second, &problems)
	cfg.TransportDisconnectGrace = getEnvDurationMs("TRANSPORT_DISCONNECT_GRACE_MS", 3*time.Second, &problems)

	cfg.MaxDisplayNameLength = getEnvInt("MAX_DISPLAY_NAME_LENGTH", 48)
	if cfg.MaxDisplayNameLength < 1 {
		problems = append(problems, "MAX_DISPLAY_NAME_LENGTH must be positive")
	}
	cfg.QualityLowThreshold = getEnvInt("QUALITY_LOW_THRESHOLD", 9)
	cfg.SoundSuppressThreshold = getEnvInt("SOUND_SUPPRESS_THRESHOLD", 12)

	cfg.WebinarDefaultMaxAttendees = getEnvInt("WEBINAR_DEFAULT_MAX_ATTENDEES", 200)
	if cfg.WebinarDefaultMaxAttendees < 1 {
		problems = append(problems, "WEBINAR_DEFAULT_MAX_ATTENDEES must be positive")
	}
	cfg.WebinarLinkBase = getEnvOrDefault("WEBINAR_LINK_BASE", "")
	if cfg.WebinarLinkBase != "" && !isValidHTTPURL(cfg.WebinarLinkBase) {
		problems = append(problems, fmt.Sprintf("WEBINAR_LINK_BASE must be an http(s) URL (got '%s')", cfg.WebinarLinkBase))
	}

	cfg.ClientPolicies = os.Getenv("CLIENT_POLICIES")

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "1000-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "600-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.DrainRedirectURL = os.Getenv("DRAIN_REDIRECT_URL")

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// Development reports whether the server runs in development mode.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.String("jwt_secret", redactSecret(cfg.JWTSecret)),
		zap.String("sfu_mode", cfg.SFUMode),
		zap.String("bus_backend", cfg.BusBackend),
		zap.Duration("disconnect_grace", cfg.DisconnectGrace),
		zap.Duration("empty_room_grace", cfg.EmptyRoomGrace),
		zap.Int("quality_low_threshold", cfg.QualityLowThreshold),
		zap.String("rate_limit_api", cfg.RateLimitAPI),
	)
}

// getEnvOrDefault returns the env value or a default when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDurationMs(key string, defaultValue time.Duration, problems *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer of milliseconds (got '%s')", key, raw))
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
