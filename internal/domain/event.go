package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Side-channel topics.
const (
	TopicLessonStatus = "lesson-status"
	TopicPromptUpdate = "prompt-update"
)

// Event type discriminators as they appear on the wire.
const (
	EventTypeLessonStatus = "lesson_status"
	EventTypePromptUpdate = "prompt_update"
)

// SectionStatus is the state of one lesson section.
type SectionStatus string

const (
	SectionPending   SectionStatus = "pending"
	SectionActive    SectionStatus = "active"
	SectionCompleted SectionStatus = "completed"
)

// ParseSectionStatus normalizes a status supplied by the persona script.
// "complete" is accepted as an alias of "completed".
func ParseSectionStatus(s string) (SectionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return SectionPending, nil
	case "active":
		return SectionActive, nil
	case "completed", "complete":
		return SectionCompleted, nil
	default:
		return "", fmt.Errorf("unknown section status %q", s)
	}
}

// StatusEvent is a structured message for the presentation layer.
type StatusEvent interface {
	// Topic is the side-channel topic the event is published on.
	Topic() string
	// EventType is the "type" discriminator.
	EventType() string
}

// LessonStatus reports the state of one lesson section.
type LessonStatus struct {
	ID     string
	Status SectionStatus
}

func (LessonStatus) Topic() string     { return TopicLessonStatus }
func (LessonStatus) EventType() string { return EventTypeLessonStatus }

// MarshalJSON emits {"type":"lesson_status","id":..,"status":..}.
func (e LessonStatus) MarshalJSON() ([]byte, error) {
	return marshalVerbatim(struct {
		Type   string        `json:"type"`
		ID     string        `json:"id"`
		Status SectionStatus `json:"status"`
	}{EventTypeLessonStatus, e.ID, e.Status})
}

// PromptUpdate replaces the suggested prompt shown to the user.
type PromptUpdate struct {
	Text string
}

func (PromptUpdate) Topic() string     { return TopicPromptUpdate }
func (PromptUpdate) EventType() string { return EventTypePromptUpdate }

// MarshalJSON emits {"type":"prompt_update","text":..}.
func (e PromptUpdate) MarshalJSON() ([]byte, error) {
	return marshalVerbatim(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{EventTypePromptUpdate, e.Text})
}

// EncodeStatusEvent returns the wire payload for ev. Text is kept as
// written: <, > and & are not escaped.
func EncodeStatusEvent(ev StatusEvent) ([]byte, error) {
	return marshalVerbatim(ev)
}

func marshalVerbatim(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeStatusEvent parses a wire payload back into an event.
func DecodeStatusEvent(data []byte) (StatusEvent, error) {
	var raw struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode status event: %w", err)
	}
	switch raw.Type {
	case EventTypeLessonStatus:
		status, err := ParseSectionStatus(raw.Status)
		if err != nil {
			return nil, err
		}
		return LessonStatus{ID: raw.ID, Status: status}, nil
	case EventTypePromptUpdate:
		return PromptUpdate{Text: raw.Text}, nil
	default:
		return nil, fmt.Errorf("unknown status event type %q", raw.Type)
	}
}
