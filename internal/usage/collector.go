// Package usage accumulates per-session counters reported at shutdown.
package usage

import (
	"encoding/json"
	"sync"

	"github.com/ashureev/voice-tutor/internal/capture"
)

// Summary is a point-in-time copy of a session's counters.
type Summary struct {
	LLMRequests      int64         `json:"llm_requests"`
	LLMFailures      int64         `json:"llm_failures"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Turns            int64         `json:"user_turns"`
	ImagesAttached   int64         `json:"images_attached"`
	ToolCalls        int64         `json:"tool_calls"`
	Replies          int64         `json:"replies"`
	Capture          capture.Stats `json:"capture"`
}

// TotalTokens is prompt plus completion tokens.
func (s Summary) TotalTokens() int64 {
	return s.PromptTokens + s.CompletionTokens
}

// LogAttrs flattens the summary for slog.
func (s Summary) LogAttrs() []any {
	return []any{
		"llm_requests", s.LLMRequests,
		"llm_failures", s.LLMFailures,
		"prompt_tokens", s.PromptTokens,
		"completion_tokens", s.CompletionTokens,
		"user_turns", s.Turns,
		"images_attached", s.ImagesAttached,
		"tool_calls", s.ToolCalls,
		"replies", s.Replies,
		"frames_received", s.Capture.Received,
		"frames_encoded", s.Capture.Encoded,
	}
}

// JSON encodes the summary for storage.
func (s Summary) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// Collector is safe for concurrent use.
type Collector struct {
	mu sync.Mutex
	s  Summary
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// AddCompletion records one successful LLM request.
func (c *Collector) AddCompletion(promptTokens, completionTokens int64) {
	c.mu.Lock()
	c.s.LLMRequests++
	c.s.PromptTokens += promptTokens
	c.s.CompletionTokens += completionTokens
	c.mu.Unlock()
}

// AddFailure records one failed LLM request.
func (c *Collector) AddFailure() {
	c.mu.Lock()
	c.s.LLMRequests++
	c.s.LLMFailures++
	c.mu.Unlock()
}

// AddTurn records a completed user turn and whether an image rode along.
func (c *Collector) AddTurn(withImage bool) {
	c.mu.Lock()
	c.s.Turns++
	if withImage {
		c.s.ImagesAttached++
	}
	c.mu.Unlock()
}

// AddToolCall records one executed tool call.
func (c *Collector) AddToolCall() {
	c.mu.Lock()
	c.s.ToolCalls++
	c.mu.Unlock()
}

// AddReply records one spoken assistant reply.
func (c *Collector) AddReply() {
	c.mu.Lock()
	c.s.Replies++
	c.mu.Unlock()
}

// SetCapture replaces the frame counters.
func (c *Collector) SetCapture(stats capture.Stats) {
	c.mu.Lock()
	c.s.Capture = stats
	c.mu.Unlock()
}

// Summary returns a copy of the counters.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
