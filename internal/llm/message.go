package llm

import (
	"errors"
	"strings"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Detail is the image inference detail hint.
type Detail string

const (
	DetailNone Detail = ""
	DetailLow  Detail = "low"
	DetailHigh Detail = "high"
)

var (
	// ErrDetailUnsupported is returned when a detail hint is requested on a
	// message whose transport cannot carry it.
	ErrDetailUnsupported = errors.New("image detail hint not supported")
	// ErrImageAttached is returned when a message already carries an image.
	ErrImageAttached = errors.New("message already has an image")
	// ErrEmptyImageURL is returned for an empty image reference.
	ErrEmptyImageURL = errors.New("empty image url")
)

// PartKind distinguishes content parts.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
)

// Part is one piece of message content.
type Part struct {
	Kind     PartKind
	Text     string
	ImageURL string
	Detail   Detail
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one conversation entry.
type Message struct {
	Role       Role
	Parts      []Part
	ToolCalls  []ToolCall
	ToolCallID string

	detailAllowed bool
}

// NewUserMessage returns a user message holding text. detailAllowed
// controls whether AppendImage accepts detail hints.
func NewUserMessage(text string, detailAllowed bool) *Message {
	m := &Message{Role: RoleUser, detailAllowed: detailAllowed}
	if text != "" {
		m.Parts = append(m.Parts, Part{Kind: PartText, Text: text})
	}
	return m
}

// AssistantMessage returns an assistant reply.
func AssistantMessage(text string, calls []ToolCall) Message {
	m := Message{Role: RoleAssistant, ToolCalls: calls}
	if text != "" {
		m.Parts = []Part{{Kind: PartText, Text: text}}
	}
	return m
}

// ToolResult returns the result message for one tool call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Parts: []Part{{Kind: PartText, Text: content}}}
}

// AppendImage adds an image part. A message carries at most one image.
func (m *Message) AppendImage(url string, detail Detail) error {
	if url == "" {
		return ErrEmptyImageURL
	}
	if m.ImageCount() > 0 {
		return ErrImageAttached
	}
	if detail != DetailNone && !m.detailAllowed {
		return ErrDetailUnsupported
	}
	m.Parts = append(m.Parts, Part{Kind: PartImage, ImageURL: url, Detail: detail})
	return nil
}

// ImageCount returns the number of image parts.
func (m *Message) ImageCount() int {
	n := 0
	for _, p := range m.Parts {
		if p.Kind == PartImage {
			n++
		}
	}
	return n
}

// Text joins the text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind != PartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func (m *Message) hasDetail() bool {
	for _, p := range m.Parts {
		if p.Kind == PartImage && p.Detail != DetailNone {
			return true
		}
	}
	return false
}
