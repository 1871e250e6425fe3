// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const devJWTSecret = "agentdesk-dev-secret"

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	LogLevel       slog.Level

	Auth     AuthConfig
	Gateway  GatewayConfig
	Memory   MemoryConfig
	Agents   AgentsConfig
	OpenAI   OpenAIConfig
	Redis    RedisConfig
	Metrics  bool
	Maintain time.Duration
}

// AuthConfig controls token verification and minting.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// GatewayConfig controls per-connection behavior.
type GatewayConfig struct {
	HeartbeatTimeout  time.Duration
	AuthGracePeriod   time.Duration
	OutboundQueueSize int
	InboundQueueSize  int
	TurnTimeout       time.Duration
	TurnRatePerMinute int
}

// MemoryConfig bounds per-agent memory.
type MemoryConfig struct {
	MaxEntries      int
	ContextMaxBytes int
}

// AgentsConfig locates the agent registry definition.
type AgentsConfig struct {
	RegistryPath string
}

// OpenAIConfig configures the LLM-backed agent and titler. An empty APIKey
// disables both.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// RedisConfig configures the cross-process chat event bus. An empty Addr
// selects the in-process bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		DBPath:         getEnv("DB_PATH", "./data/agentdesk.db"),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("TOKEN_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
			AuthGracePeriod:   getEnvDuration("AUTH_GRACE_PERIOD", 10*time.Second),
			OutboundQueueSize: getEnvInt("OUTBOUND_QUEUE_SIZE", 64),
			InboundQueueSize:  getEnvInt("INBOUND_QUEUE_SIZE", 16),
			TurnTimeout:       getEnvDuration("TURN_TIMEOUT", 2*time.Minute),
			TurnRatePerMinute: getEnvInt("TURN_RATE_PER_MINUTE", 30),
		},
		Memory: MemoryConfig{
			MaxEntries:      getEnvInt("MEMORY_MAX_ENTRIES", 10),
			ContextMaxBytes: getEnvInt("MEMORY_CONTEXT_MAX_BYTES", 2000),
		},
		Agents: AgentsConfig{
			RegistryPath: getEnv("AGENT_REGISTRY_PATH", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "agentdesk:chat-events"),
		},
		Metrics:  getEnvBool("METRICS_ENABLED", true),
		Maintain: getEnvDuration("MAINTENANCE_INTERVAL", 10*time.Minute),
	}

	if cfg.Auth.JWTSecret == "" && cfg.IsDevelopment() {
		slog.Warn("JWT_SECRET not set, using development secret")
		cfg.Auth.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be > 0"))
	}
	if c.Gateway.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_TIMEOUT must be > 0"))
	}
	if c.Gateway.AuthGracePeriod <= 0 {
		errs = append(errs, errors.New("AUTH_GRACE_PERIOD must be > 0"))
	}
	if c.Gateway.OutboundQueueSize <= 0 {
		errs = append(errs, errors.New("OUTBOUND_QUEUE_SIZE must be > 0"))
	}
	if c.Gateway.InboundQueueSize <= 0 {
		errs = append(errs, errors.New("INBOUND_QUEUE_SIZE must be > 0"))
	}
	if c.Gateway.TurnTimeout <= 0 {
		errs = append(errs, errors.New("TURN_TIMEOUT must be > 0"))
	}
	if c.Gateway.TurnRatePerMinute < 0 {
		errs = append(errs, errors.New("TURN_RATE_PER_MINUTE must be >= 0"))
	}
	if c.Memory.MaxEntries < 1 {
		errs = append(errs, errors.New("MEMORY_MAX_ENTRIES must be >= 1"))
	}
	if c.Memory.ContextMaxBytes < 1 {
		errs = append(errs, errors.New("MEMORY_CONTEXT_MAX_BYTES must be >= 1"))
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		errs = append(errs, errors.New("REDIS_CHANNEL cannot be empty when REDIS_ADDR is set"))
	}
	if c.Maintain <= 0 {
		errs = append(errs, errors.New("MAINTENANCE_INTERVAL must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the browser origins allowed to open connections.
func (c *Config) Origins() []string {
	origins := append([]string(nil), c.AllowedOrigins...)
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
