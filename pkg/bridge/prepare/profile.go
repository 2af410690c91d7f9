package prepare

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the user-facing configuration of one assistant persona.
type Profile struct {
	Name               string   `yaml:"name"`
	Model              string   `yaml:"model,omitempty"`
	Voice              string   `yaml:"voice,omitempty"`
	BaseInstructions   string   `yaml:"base_instructions,omitempty"`
	Personality        string   `yaml:"personality,omitempty"`
	ContextTemplate    string   `yaml:"context_template,omitempty"`
	AllowAllTools      bool     `yaml:"allow_all_tools"`
	AllowedTools       []string `yaml:"allowed_tools,omitempty"`
	IncludeLiveContext bool     `yaml:"include_live_context"`
}

// ParseProfile decodes a YAML profile. Unknown keys are rejected.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("prepare: parse profile: %w", err)
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Profile{}, fmt.Errorf("prepare: profile name is required")
	}
	return p, nil
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("prepare: read profile: %w", err)
	}
	return ParseProfile(data)
}
