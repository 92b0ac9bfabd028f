package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// pipelineFile mirrors PipelineSettings with optional fields so that only
// keys present in the file override the environment.
type pipelineFile struct {
	DefaultBackend      *string             `yaml:"default_backend"`
	StageTimeouts       map[string]string   `yaml:"stage_timeouts"`
	BackendFallbacks    map[string][]string `yaml:"backend_fallbacks"`
	QAEnabled           *bool               `yaml:"qa_enabled"`
	QAMaxIterations     *int                `yaml:"qa_max_iterations"`
	FailOnQAViolation   *bool               `yaml:"fail_on_qa_violation"`
	CombinedRendering   *bool               `yaml:"combined_rendering"`
	MaxDeltaE           *float64            `yaml:"max_delta_e"`
	ProportionTolerance *float64            `yaml:"proportion_tolerance"`
	NegativePrompt      *string             `yaml:"negative_prompt"`
}

// ApplyFile overlays the YAML file at path.
func (s *PipelineSettings) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline config: %w", err)
	}
	return s.Apply(raw)
}

// Apply overlays a YAML document. Unknown stage names are rejected.
func (s *PipelineSettings) Apply(raw []byte) error {
	var f pipelineFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode pipeline config: %w", err)
	}
	if f.DefaultBackend != nil {
		s.DefaultBackend = strings.ToLower(strings.TrimSpace(*f.DefaultBackend))
	}
	if len(f.StageTimeouts) > 0 && s.StageTimeouts == nil {
		s.StageTimeouts = map[string]time.Duration{}
	}
	for stage, value := range f.StageTimeouts {
		stage = strings.ToLower(strings.TrimSpace(stage))
		if _, ok := stageTimeoutEnv[stage]; !ok {
			return fmt.Errorf("pipeline config: unknown stage %q", stage)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return fmt.Errorf("pipeline config: stage %s timeout %q is not a positive duration", stage, value)
		}
		s.StageTimeouts[stage] = d
	}
	if len(f.BackendFallbacks) > 0 {
		s.BackendFallbacks = map[string][]string{}
		for id, chain := range f.BackendFallbacks {
			id = strings.ToLower(strings.TrimSpace(id))
			for _, next := range chain {
				if next = strings.ToLower(strings.TrimSpace(next)); next != "" {
					s.BackendFallbacks[id] = append(s.BackendFallbacks[id], next)
				}
			}
		}
	}
	if f.QAEnabled != nil {
		s.QAEnabled = *f.QAEnabled
	}
	if f.QAMaxIterations != nil {
		s.QAMaxIterations = *f.QAMaxIterations
	}
	if f.FailOnQAViolation != nil {
		s.FailOnQAViolation = *f.FailOnQAViolation
	}
	if f.CombinedRendering != nil {
		s.CombinedRendering = *f.CombinedRendering
	}
	if f.MaxDeltaE != nil {
		s.MaxDeltaE = *f.MaxDeltaE
	}
	if f.ProportionTolerance != nil {
		s.ProportionTolerance = *f.ProportionTolerance
	}
	if f.NegativePrompt != nil {
		s.NegativePrompt = strings.TrimSpace(*f.NegativePrompt)
	}
	return nil
}
