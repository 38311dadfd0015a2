package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PhaseKind selects how a phase produces its result.
type PhaseKind string

const (
	PhaseKindLocal PhaseKind = "local" // Runs a registered action in-process
	PhaseKindAgent PhaseKind = "agent" // Delegates to an external agent
)

// DefaultAction is the local action used when a phase names none.
const DefaultAction = "echo"

// PhaseConfig is the declarative phase configuration.
type PhaseConfig struct {
	Name string    `yaml:"name" json:"name"`
	Kind PhaseKind `yaml:"kind" json:"kind"`

	// Local phases
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Agent phases
	Agent          string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	ModelHint      string         `yaml:"model_hint,omitempty" json:"model_hint,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Context        map[string]any `yaml:"context,omitempty" json:"context,omitempty"`

	// Payload is a text/template rendered against the run configuration
	// and earlier results before the phase runs.
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Validate validates the phase configuration.
func (p *PhaseConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PhaseConfig.Name is required")
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("phase '%s': timeout_seconds must not be negative", p.Name)
	}
	switch p.Kind {
	case PhaseKindLocal:
		if p.Agent != "" {
			return fmt.Errorf("phase '%s': agent is only valid for agent phases", p.Name)
		}
	case PhaseKindAgent:
		if p.Agent == "" {
			return fmt.Errorf("phase '%s': agent is required for agent phases", p.Name)
		}
		if p.Action != "" {
			return fmt.Errorf("phase '%s': action is only valid for local phases", p.Name)
		}
	default:
		return fmt.Errorf("phase '%s': unknown kind '%s'", p.Name, p.Kind)
	}
	return nil
}

// PipelineConfig is an ordered list of phases.
type PipelineConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Phases      []*PhaseConfig `yaml:"phases" json:"phases"`
}

// applyDefaults fills omitted fields. Kind defaults to local, and local
// phases default to the echo action.
func (p *PipelineConfig) applyDefaults() {
	for _, phase := range p.Phases {
		if phase == nil {
			continue
		}
		if phase.Kind == "" {
			phase.Kind = PhaseKindLocal
		}
		if phase.Kind == PhaseKindLocal && phase.Action == "" {
			phase.Action = DefaultAction
		}
	}
}

// Validate validates the pipeline configuration.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("pipeline '%s' has no phases", p.Name)
	}

	seen := make(map[string]bool, len(p.Phases))
	for i, phase := range p.Phases {
		if phase == nil {
			return fmt.Errorf("pipeline '%s': phase %d is empty", p.Name, i)
		}
		if err := phase.Validate(); err != nil {
			return err
		}
		if seen[phase.Name] {
			return fmt.Errorf("duplicate phase name: %s", phase.Name)
		}
		seen[phase.Name] = true
	}
	return nil
}

// PhaseNames returns phase names in execution order.
func (p *PipelineConfig) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i, phase := range p.Phases {
		names[i] = phase.Name
	}
	return names
}

// GetPhase returns a phase by name, or nil.
func (p *PipelineConfig) GetPhase(name string) *PhaseConfig {
	for _, phase := range p.Phases {
		if phase.Name == name {
			return phase
		}
	}
	return nil
}

// ParsePipeline decodes a YAML pipeline definition. Unknown fields are
// rejected.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg PipelineConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("pipeline definition is empty")
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPipeline reads and parses a pipeline file.
func LoadPipeline(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline %s: %w", path, err)
	}
	cfg, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
