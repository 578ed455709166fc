package billing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MemorySource serves a fixed plan set. Intended for tests and for
// applications that define their plans in code.
type MemorySource struct {
	plans []Plan
}

// NewMemorySource returns a PlanSource backed by the given plans.
func NewMemorySource(plans ...Plan) *MemorySource {
	return &MemorySource{plans: plans}
}

func (s *MemorySource) Load(_ context.Context) ([]Plan, error) {
	out := make([]Plan, len(s.plans))
	copy(out, s.plans)
	return out, nil
}

// YAMLSource loads plans from a YAML file. The file holds a top-level
// "plans" list; see plans.example.yaml for the expected shape.
type YAMLSource struct {
	path string
}

// NewYAMLSource returns a PlanSource reading from the file at path.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

func (s *YAMLSource) Load(_ context.Context) ([]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", s.path, err)
	}
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", s.path, err)
	}
	return doc.Plans, nil
}
