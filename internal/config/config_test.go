package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORTKEY_API_KEY", "")
	t.Setenv("CAPTURE_FPS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routing.Enabled() {
		t.Error("routing should be disabled without an API key")
	}
	if cfg.Routing.Model != "gpt-4o" {
		t.Errorf("routing model = %q, want gpt-4o", cfg.Routing.Model)
	}
	if cfg.Routing.BaseURL != "https://api.portkey.ai/v1" {
		t.Errorf("routing base URL = %q", cfg.Routing.BaseURL)
	}
	if cfg.Capture.MaxWidth != 1024 || cfg.Capture.MaxHeight != 1024 {
		t.Errorf("capture box = %dx%d", cfg.Capture.MaxWidth, cfg.Capture.MaxHeight)
	}
	if cfg.Capture.FPS != 2 {
		t.Errorf("capture fps = %v, want fallback 2", cfg.Capture.FPS)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORTKEY_API_KEY", "pk-test")
	t.Setenv("PORTKEY_VIRTUAL_KEY", "openai-vk")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "3s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Routing.Enabled() || cfg.Routing.VirtualKey != "openai-vk" {
		t.Errorf("unexpected routing config: %+v", cfg.Routing)
	}
	if cfg.SSE.KeepaliveInterval != 3*time.Second {
		t.Errorf("keepalive = %v", cfg.SSE.KeepaliveInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:            "8080",
			DBPath:          "x.db",
			Capture:         CaptureConfig{MaxWidth: 1024, MaxHeight: 1024, FPS: 2, JPEGQuality: 80},
			SSE:             SSEConfig{KeepaliveInterval: time.Second},
			ConversationLog: ConversationLogConfig{Dir: "logs"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"zero fps", func(c *Config) { c.Capture.FPS = 0 }},
		{"bad quality", func(c *Config) { c.Capture.JPEGQuality = 101 }},
		{"routed without base url", func(c *Config) { c.Routing = RoutingConfig{APIKey: "k"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}
