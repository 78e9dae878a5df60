// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string
	FrontendURL     string
	DBPath          string
	LogLevel        slog.Level
	LiveKit         LiveKitConfig
	OpenAI          OpenAIConfig
	Routing         RoutingConfig
	Capture         CaptureConfig
	Voice           VoiceConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
	Retention       RetentionConfig
}

// LiveKitConfig holds room server credentials.
type LiveKitConfig struct {
	URL           string
	APIKey        string
	APISecret     string
	AgentIdentity string
	TokenTTL      time.Duration
}

// OpenAIConfig configures the direct LLM transport.
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// RoutingConfig configures the routed (observability proxy) LLM transport.
// An empty APIKey selects the direct transport.
type RoutingConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	Provider       string
	ConfigID       string
	UpstreamAPIKey string
	VirtualKey     string
}

// Enabled reports whether the routed transport should be used.
func (r RoutingConfig) Enabled() bool {
	return r.APIKey != ""
}

// CaptureConfig controls screen frame capture.
type CaptureConfig struct {
	MaxWidth    int
	MaxHeight   int
	FPS         float64
	JPEGQuality int
}

// VoiceConfig locates the speech sidecar.
type VoiceConfig struct {
	Addr         string
	SidecarImage string
	ConnectWait  time.Duration
}

// SSEConfig controls the status event stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// RetentionConfig controls cleanup of ended sessions.
type RetentionConfig struct {
	Schedule string
	MaxAge   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tutor.db"),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		LiveKit: LiveKitConfig{
			URL:           getEnv("LIVEKIT_URL", ""),
			APIKey:        getEnv("LIVEKIT_API_KEY", ""),
			APISecret:     getEnv("LIVEKIT_API_SECRET", ""),
			AgentIdentity: getEnv("AGENT_IDENTITY", "tutor-agent"),
			TokenTTL:      getEnvDuration("LIVEKIT_TOKEN_TTL", 15*time.Minute),
		},
		OpenAI: OpenAIConfig{
			APIKey: getEnv("OPENAI_API_KEY", ""),
			Model:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Routing: RoutingConfig{
			APIKey:         getEnv("PORTKEY_API_KEY", ""),
			Model:          getEnv("PORTKEY_LLM_MODEL", "gpt-4o"),
			BaseURL:        getEnv("PORTKEY_BASE_URL", "https://api.portkey.ai/v1"),
			Provider:       getEnv("PORTKEY_PROVIDER", ""),
			ConfigID:       getEnv("PORTKEY_CONFIG", ""),
			UpstreamAPIKey: getEnv("PORTKEY_UPSTREAM_OPENAI_API_KEY", ""),
			VirtualKey:     getEnv("PORTKEY_VIRTUAL_KEY", ""),
		},
		Capture: CaptureConfig{
			MaxWidth:    getEnvInt("CAPTURE_MAX_WIDTH", 1024),
			MaxHeight:   getEnvInt("CAPTURE_MAX_HEIGHT", 1024),
			FPS:         getEnvFloat("CAPTURE_FPS", 2),
			JPEGQuality: getEnvInt("CAPTURE_JPEG_QUALITY", 80),
		},
		Voice: VoiceConfig{
			Addr:         getEnv("VOICE_ADDR", "localhost:50061"),
			SidecarImage: getEnv("VOICE_SIDECAR_IMAGE", ""),
			ConnectWait:  getEnvDuration("VOICE_CONNECT_TIMEOUT", 5*time.Second),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		Retention: RetentionConfig{
			Schedule: getEnv("RETENTION_SCHEDULE", "@every 1h"),
			MaxAge:   getEnvDuration("RETENTION_MAX_AGE", 7*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Capture.MaxWidth <= 0 || c.Capture.MaxHeight <= 0 {
		return fmt.Errorf("CAPTURE_MAX_WIDTH and CAPTURE_MAX_HEIGHT must be > 0")
	}
	if c.Capture.FPS <= 0 {
		return fmt.Errorf("CAPTURE_FPS must be > 0")
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("CAPTURE_JPEG_QUALITY must be within 1..100")
	}
	if c.Routing.Enabled() && c.Routing.BaseURL == "" {
		return fmt.Errorf("PORTKEY_BASE_URL cannot be empty when PORTKEY_API_KEY is set")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	return nil
}

// LiveKitEnabled reports whether room server credentials are complete.
func (c *Config) LiveKitEnabled() bool {
	return c.LiveKit.URL != "" && c.LiveKit.APIKey != "" && c.LiveKit.APISecret != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
