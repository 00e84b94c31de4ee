// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	Env             string
	AllowedOrigins  []string
	DBPath          string // "" keeps conversation handles in memory only
	GRPCHealthAddr  string // "" disables the gRPC health server
	SessionTTL      time.Duration
	Upstream        UpstreamConfig
	Stream          StreamConfig
	RateLimit       RateLimitConfig
	MaxRequestBody  int64
	ConversationLog ConversationLogConfig
}

// UpstreamConfig describes the agent service the relay forwards to.
type UpstreamConfig struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	CreateTimeout time.Duration
	RunTimeout    time.Duration
}

// StreamConfig holds the liveness tuning for upstream reads.
type StreamConfig struct {
	KeepAliveAfter  time.Duration
	MaxEmptyReads   int
	FallbackMessage string
}

// RateLimitConfig controls per-caller chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("APP_ENV", "production"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		DBPath:         getEnv("DB_PATH", ""),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		SessionTTL:     getEnvDuration("SESSION_TTL", 0),
		Upstream: UpstreamConfig{
			BaseURL:       strings.TrimRight(getEnv("UPSTREAM_URL", ""), "/"),
			APIKey:        getEnv("UPSTREAM_API_KEY", ""),
			AssistantID:   getEnv("UPSTREAM_ASSISTANT_ID", "agent"),
			CreateTimeout: getEnvDuration("UPSTREAM_CREATE_TIMEOUT", 30*time.Second),
			RunTimeout:    getEnvDuration("UPSTREAM_RUN_TIMEOUT", 5*time.Minute),
		},
		Stream: StreamConfig{
			KeepAliveAfter:  getEnvDuration("STREAM_KEEPALIVE_AFTER", 15*time.Second),
			MaxEmptyReads:   getEnvInt("STREAM_MAX_EMPTY_READS", 50),
			FallbackMessage: getEnv("FALLBACK_MESSAGE", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the relay runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_URL cannot be empty")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be an absolute URL, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.AssistantID == "" {
		return fmt.Errorf("UPSTREAM_ASSISTANT_ID cannot be empty")
	}
	if c.Upstream.RunTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_RUN_TIMEOUT must be > 0")
	}
	if c.Upstream.CreateTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_CREATE_TIMEOUT must be > 0")
	}
	if c.Stream.MaxEmptyReads <= 0 {
		return fmt.Errorf("STREAM_MAX_EMPTY_READS must be > 0")
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL cannot be negative")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
