// Package persona holds the scripted agent personas, one per mode.
package persona

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/voice-tutor/internal/domain"
)

//go:embed personas/*.yaml
var files embed.FS

// Section is one lesson step shown in the sidebar.
type Section struct {
	ID     string               `yaml:"id" json:"id"`
	Title  string               `yaml:"title" json:"title"`
	Status domain.SectionStatus `yaml:"status" json:"status"`
}

// Persona is the script and tool set the agent uses in one mode.
type Persona struct {
	Mode                  domain.Mode `yaml:"mode" json:"mode"`
	Greeting              string      `yaml:"greeting" json:"greeting"`
	GreetingInterruptible bool        `yaml:"allow_interruptions_on_greeting" json:"greeting_interruptible"`
	Instructions          string      `yaml:"instructions" json:"instructions"`
	Sections              []Section   `yaml:"sections,omitempty" json:"sections,omitempty"`
	Tools                 []string    `yaml:"tools" json:"tools"`
}

// ForMode loads the embedded persona for mode.
func ForMode(mode domain.Mode) (*Persona, error) {
	data, err := files.ReadFile(path.Join("personas", mode.String()+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("persona for mode %q: %w", mode, err)
	}
	return Parse(data)
}

// Parse decodes and validates a persona document.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona: %w", err)
	}
	if _, err := domain.ParseMode(string(p.Mode)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Instructions) == "" {
		return nil, fmt.Errorf("persona %q has no instructions", p.Mode)
	}
	for i, s := range p.Sections {
		st, err := domain.ParseSectionStatus(string(s.Status))
		if err != nil {
			return nil, fmt.Errorf("persona %q section %s: %w", p.Mode, s.ID, err)
		}
		p.Sections[i].Status = st
	}
	return &p, nil
}

// Modes lists the modes with an embedded persona.
func Modes() []domain.Mode {
	return []domain.Mode{domain.ModeLesson, domain.ModeCopilot}
}
