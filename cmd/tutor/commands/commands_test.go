package commands

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestPersonaCommand(t *testing.T) {
	tests := []struct {
		args    []string
		mode    string
		tools   int
		wantErr bool
	}{
		{args: []string{"persona"}, mode: "lesson", tools: 2},
		{args: []string{"persona", "copilot"}, mode: "copilot", tools: 1},
		{args: []string{"persona", "karaoke"}, wantErr: true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		cmd := NewRootCmd("test")
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(tt.args)

		err := cmd.Execute()
		if tt.wantErr {
			if err == nil {
				t.Errorf("%v: expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		var got struct {
			Mode  string   `json:"mode"`
			Tools []string `json:"tools"`
		}
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("%v: decode output: %v", tt.args, err)
		}
		if got.Mode != tt.mode || len(got.Tools) != tt.tools {
			t.Errorf("%v: got mode %q with %d tools", tt.args, got.Mode, len(got.Tools))
		}
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := allowedOrigins(""); len(got) != 1 || got[0] != "*" {
		t.Errorf("allowedOrigins(\"\") = %v", got)
	}
	if got := allowedOrigins("https://tutor.example"); len(got) != 1 || got[0] != "https://tutor.example" {
		t.Errorf("allowedOrigins = %v", got)
	}
}
