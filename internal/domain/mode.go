// Package domain contains core domain types for the voice tutor.
package domain

import (
	"fmt"
	"strings"
)

// Mode selects which scripted persona drives a session.
type Mode string

const (
	// ModeLesson runs the scripted lesson with section status updates.
	ModeLesson Mode = "lesson"
	// ModeCopilot runs open-ended assistance.
	ModeCopilot Mode = "copilot"
)

// CopilotRoomPrefix marks rooms that run in copilot mode.
const CopilotRoomPrefix = "copilot_"

// ModeFromRoom classifies a room name. Anything without the copilot prefix,
// including the empty name, is a lesson.
func ModeFromRoom(roomName string) Mode {
	if strings.HasPrefix(roomName, CopilotRoomPrefix) {
		return ModeCopilot
	}
	return ModeLesson
}

// ParseMode parses an explicit mode value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLesson:
		return ModeLesson, nil
	case ModeCopilot:
		return ModeCopilot, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// RoomPrefix returns the room name prefix used when creating rooms for m.
func (m Mode) RoomPrefix() string {
	return string(m) + "_"
}

func (m Mode) String() string { return string(m) }
