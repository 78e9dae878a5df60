// Package llm selects the LLM transport for a session and talks to the
// chat completion API through it.
package llm

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
)

// Kind names how requests reach the model provider.
type Kind string

const (
	KindDirect Kind = "direct"
	KindRouted Kind = "routed"
)

// Routing gateway headers.
const (
	HeaderGatewayKey   = "x-portkey-api-key"
	HeaderProvider     = "x-portkey-provider"
	HeaderConfig       = "x-portkey-config"
	HeaderUpstreamKey  = "x-portkey-openai-api-key"
	HeaderMetadata     = "x-portkey-metadata"
	HeaderVirtualKey   = "x-portkey-virtual-key"
	DefaultDirectModel = "gpt-4o-mini"
)

// HTTP client limits for the routed transport.
const (
	ConnectTimeout     = 15 * time.Second
	IOTimeout          = 5 * time.Second
	MaxConnections     = 50
	MaxIdleConnections = 50
	KeepAliveExpiry    = 120 * time.Second

	// ResponseTimeout bounds the wait for response headers. A completion is
	// not streamed, so headers arrive only after the model has finished.
	ResponseTimeout = 60 * time.Second
)

// Transport is the LLM configuration chosen once per session. It is not
// changed after selection.
type Transport struct {
	Kind    Kind
	Model   string
	BaseURL string
	// APIKey is sent as a bearer token. Routed transports leave it empty
	// and authenticate with HeaderGatewayKey instead.
	APIKey  string
	Headers http.Header
	// SupportsImageDetail declares whether image detail hints may be sent.
	SupportsImageDetail bool
}

// Routed reports whether requests go through the observability gateway.
func (t Transport) Routed() bool {
	return t.Kind == KindRouted
}

// SelectTransport picks the direct or routed transport for one session.
// Without a routing API key the direct transport is used.
func SelectTransport(routing config.RoutingConfig, direct config.OpenAIConfig, sessionID string, mode domain.Mode) Transport {
	if !routing.Enabled() {
		model := direct.Model
		if model == "" {
			model = DefaultDirectModel
		}
		return Transport{
			Kind:                KindDirect,
			Model:               model,
			APIKey:              direct.APIKey,
			Headers:             http.Header{},
			SupportsImageDetail: true,
		}
	}

	h := http.Header{}
	h.Set(HeaderGatewayKey, routing.APIKey)
	if routing.Provider != "" {
		h.Set(HeaderProvider, routing.Provider)
	}
	if routing.ConfigID != "" {
		h.Set(HeaderConfig, routing.ConfigID)
	}
	if routing.UpstreamAPIKey != "" {
		h.Set(HeaderUpstreamKey, routing.UpstreamAPIKey)
	}
	meta, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}{sessionID, mode.String()})
	h.Set(HeaderMetadata, string(meta))
	if routing.VirtualKey != "" {
		if h.Get(HeaderProvider) == "" {
			h.Set(HeaderProvider, routing.VirtualKey)
		}
		h.Set(HeaderVirtualKey, routing.VirtualKey)
	}

	return Transport{
		Kind:                KindRouted,
		Model:               routing.Model,
		BaseURL:             routing.BaseURL,
		Headers:             h,
		SupportsImageDetail: true,
	}
}

// LogAttrs describes the transport without secrets.
func (t Transport) LogAttrs() []any {
	return []any{
		"transport", string(t.Kind),
		"model", t.Model,
		"base_url", t.BaseURL,
		"provider_set", t.Headers.Get(HeaderProvider) != "",
		"config_set", t.Headers.Get(HeaderConfig) != "",
	}
}

// NewHTTPClient returns the pooled client used for LLM requests. Connection
// setup uses ConnectTimeout and IOTimeout; the model's answer gets
// ResponseTimeout. Whole request deadlines come from the caller's context.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxConnsPerHost:       MaxConnections,
			MaxIdleConns:          MaxIdleConnections,
			MaxIdleConnsPerHost:   MaxIdleConnections,
			IdleConnTimeout:       KeepAliveExpiry,
			TLSHandshakeTimeout:   IOTimeout,
			ExpectContinueTimeout: IOTimeout,
			ResponseHeaderTimeout: ResponseTimeout,
		},
	}
}
