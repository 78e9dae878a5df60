package llm

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
)

func TestSelectTransportDirect(t *testing.T) {
	t.Parallel()

	tr := SelectTransport(config.RoutingConfig{}, config.OpenAIConfig{APIKey: "sk"}, "abc", domain.ModeLesson)
	if tr.Kind != KindDirect || tr.Model != DefaultDirectModel {
		t.Fatalf("unexpected transport %+v", tr)
	}
	if len(tr.Headers) != 0 {
		t.Fatalf("direct transport should carry no headers, got %v", tr.Headers)
	}
	if tr.APIKey != "sk" {
		t.Fatalf("api key = %q", tr.APIKey)
	}
}

func TestSelectTransportRouted(t *testing.T) {
	t.Parallel()

	routing := config.RoutingConfig{
		APIKey:         "pk",
		Model:          "gpt-4o",
		BaseURL:        "https://api.portkey.ai/v1",
		Provider:       "openai",
		ConfigID:       "cfg-1",
		UpstreamAPIKey: "sk-up",
	}
	tr := SelectTransport(routing, config.OpenAIConfig{}, "abc", domain.ModeCopilot)

	if tr.Kind != KindRouted || tr.Model != "gpt-4o" || tr.BaseURL != routing.BaseURL {
		t.Fatalf("unexpected transport %+v", tr)
	}
	want := map[string]string{
		HeaderGatewayKey:  "pk",
		HeaderProvider:    "openai",
		HeaderConfig:      "cfg-1",
		HeaderUpstreamKey: "sk-up",
	}
	for k, v := range want {
		if got := tr.Headers.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if tr.Headers.Get(HeaderVirtualKey) != "" {
		t.Error("virtual key header should be absent")
	}
	if tr.APIKey != "" {
		t.Error("routed transport should not carry a bearer key")
	}

	var meta map[string]string
	if err := json.Unmarshal([]byte(tr.Headers.Get(HeaderMetadata)), &meta); err != nil {
		t.Fatalf("metadata header: %v", err)
	}
	if meta["session_id"] != "abc" || meta["mode"] != "copilot" {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestSelectTransportVirtualKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		provider     string
		wantProvider string
	}{
		{"fills missing provider", "", "openai-vk"},
		{"keeps explicit provider", "azure", "azure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			routing := config.RoutingConfig{APIKey: "pk", Model: "gpt-4o", BaseURL: "https://gw", Provider: tt.provider, VirtualKey: "openai-vk"}
			tr := SelectTransport(routing, config.OpenAIConfig{}, "s", domain.ModeLesson)
			if got := tr.Headers.Get(HeaderProvider); got != tt.wantProvider {
				t.Errorf("provider = %q, want %q", got, tt.wantProvider)
			}
			if got := tr.Headers.Get(HeaderVirtualKey); got != "openai-vk" {
				t.Errorf("virtual key = %q", got)
			}
		})
	}
}

func TestNewHTTPClientLimits(t *testing.T) {
	t.Parallel()

	c := NewHTTPClient()
	h, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", c.Transport)
	}
	if h.MaxConnsPerHost != MaxConnections || h.MaxIdleConnsPerHost != MaxIdleConnections || h.IdleConnTimeout != KeepAliveExpiry {
		t.Fatalf("unexpected limits: conns=%d idle=%d expiry=%v", h.MaxConnsPerHost, h.MaxIdleConnsPerHost, h.IdleConnTimeout)
	}
	if h.TLSHandshakeTimeout != IOTimeout || h.ExpectContinueTimeout != IOTimeout {
		t.Fatalf("unexpected io timeouts: tls=%v expect=%v", h.TLSHandshakeTimeout, h.ExpectContinueTimeout)
	}
	if h.ResponseHeaderTimeout != ResponseTimeout {
		t.Fatalf("response header timeout = %v, want %v", h.ResponseHeaderTimeout, ResponseTimeout)
	}
}
