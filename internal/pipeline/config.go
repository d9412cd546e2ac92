package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// DefaultName is the pipeline used by apps without a dedicated entry.
const DefaultName = "default"

type Step struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Command       []string          `yaml:"command"`
	WorkDir       string            `yaml:"workdir"`
	Env           map[string]string `yaml:"env"`
	Timeout       time.Duration     `yaml:"timeout"`
	ProducesImage bool              `yaml:"produces_image"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Definition is an ordered list of steps plus the runner that executes them.
type Definition struct {
	Runner string `yaml:"runner"`
	Retry  Retry  `yaml:"retry"`
	Steps  []Step `yaml:"steps"`
}

type file struct {
	Pipelines map[string]*Definition `yaml:"pipelines"`
}

// Set holds the pipelines of a config file keyed by app slug.
type Set struct {
	pipelines map[string]*Definition
}

// LoadFromFile parses a YAML pipeline config file.
func LoadFromFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a validated pipeline set.
func Parse(data []byte) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	if len(f.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline config: no pipelines defined")
	}
	for name, def := range f.Pipelines {
		if def == nil {
			return nil, fmt.Errorf("pipeline %q: empty definition", name)
		}
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
	}
	return &Set{pipelines: f.Pipelines}, nil
}

// NewSet wraps a single definition as the default pipeline.
func NewSet(def *Definition) *Set {
	return &Set{pipelines: map[string]*Definition{DefaultName: def}}
}

// For returns the pipeline for an app slug, falling back to the default one.
func (s *Set) For(slug string) (*Definition, bool) {
	if def, ok := s.pipelines[slug]; ok {
		return def, true
	}
	def, ok := s.pipelines[DefaultName]
	return def, ok
}

func (d *Definition) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: no steps", domain.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if err := domain.ValidateStepName(s.Name); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate step %q", domain.ErrInvalidInput, s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := domain.ValidateWorkDir(s.WorkDir); err != nil {
			return err
		}
		if s.Timeout < 0 {
			return fmt.Errorf("%w: step %q has a negative timeout", domain.ErrInvalidInput, s.Name)
		}
	}
	if d.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", domain.ErrInvalidInput)
	}
	return nil
}

// StepNames returns the step names in execution order.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// Spec looks up a step by name and converts it for an executor.
func (d *Definition) Spec(name string) (port.StepSpec, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return port.StepSpec{
				Image:         s.Image,
				Command:       s.Command,
				WorkDir:       s.WorkDir,
				Env:           s.Env,
				Timeout:       s.Timeout,
				ProducesImage: s.ProducesImage,
			}, true
		}
	}
	return port.StepSpec{}, false
}

// Default is used when no pipeline file is configured: check that the source
// ref exists, then build and push the image with kaniko straight from git.
func Default(runner string) *Definition {
	return &Definition{
		Runner: runner,
		Retry:  Retry{MaxAttempts: 3, Backoff: 5 * time.Second},
		Steps: []Step{
			{
				Name:    "fetch",
				Image:   "alpine/git:2.45.2",
				Command: []string{"sh", "-c", `git ls-remote --exit-code "$PAASTEL_REPO_URL" "$PAASTEL_SOURCE_REF" || git ls-remote "$PAASTEL_REPO_URL" | grep -q "^$PAASTEL_SOURCE_REF"`},
				Timeout: 5 * time.Minute,
			},
			{
				Name:          "build",
				Image:         "gcr.io/kaniko-project/executor:v1.23.2",
				Command: []string{
					"/kaniko/executor",
					"--context=$(PAASTEL_GIT_CONTEXT)",
					"--destination=$(PAASTEL_TARGET_IMAGE)",
					"--digest-file=/dev/termination-log",
					"--cache=true",
				},
				Timeout:       30 * time.Minute,
				ProducesImage: true,
			},
		},
	}
}
