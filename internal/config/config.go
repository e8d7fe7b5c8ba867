package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"paperline/internal/domain"
)

// Config models paperline.yml: scoring weights, the stage transition table
// and the tracker projection vocabulary. The table lives here as data so it
// can be tested (and replaced) independently of the stage machine.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Scoring Weights `yaml:"scoring"`
	Stages  struct {
		Rules map[string]StageRule `yaml:"rules"`
	} `yaml:"stages"`
	Tracker struct {
		Labels  map[string]string `yaml:"labels"`
		Columns map[string]string `yaml:"columns"`
	} `yaml:"tracker"`
}

// Weights control how a review moves the score. A critical review never
// moves the score directly.
type Weights struct {
	Human   float64 `yaml:"human_weight"`
	Machine float64 `yaml:"machine_weight"`
	// ReadyScore backs the ledger's ShouldAdvance convenience helper.
	// Deprecated as a gate: the per-stage thresholds below are canonical.
	ReadyScore float64 `yaml:"ready_score"`
}

// StageRule describes what a project needs to leave a stage.
type StageRule struct {
	Next      string   `yaml:"next,omitempty"`
	Artifacts []string `yaml:"artifacts,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
	Threshold float64  `yaml:"threshold"`
}

// Rules returns the transition table keyed by Stage.
func (c *Config) Rules() map[domain.Stage]StageRule {
	out := make(map[domain.Stage]StageRule, len(c.Stages.Rules))
	for k, v := range c.Stages.Rules {
		out[domain.Stage(k)] = v
	}
	return out
}

// Label returns the tracker status label for a stage.
func (c *Config) Label(stage domain.Stage) string {
	return c.Tracker.Labels[string(stage)]
}

// Column returns the tracker board column for a stage.
func (c *Config) Column(stage domain.Stage) string {
	return c.Tracker.Columns[string(stage)]
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "research-project" {
		return fmt.Errorf("config.project.kind must be 'research-project'")
	}
	if c.Scoring.Human <= 0 || c.Scoring.Machine <= 0 {
		return fmt.Errorf("config.scoring weights must be positive")
	}
	if c.Scoring.ReadyScore <= 0 {
		return fmt.Errorf("config.scoring.ready_score must be positive")
	}
	if len(c.Stages.Rules) == 0 {
		return fmt.Errorf("config.stages.rules is required")
	}
	for _, stage := range domain.Stages() {
		rule, ok := c.Stages.Rules[string(stage)]
		if !ok {
			return fmt.Errorf("config.stages.rules missing stage %s", stage)
		}
		if stage == domain.StageDone {
			if rule.Next != "" {
				return fmt.Errorf("stage %s is terminal and cannot declare next", stage)
			}
			continue
		}
		if rule.Next == "" {
			return fmt.Errorf("stage %s must declare a next stage", stage)
		}
		if !domain.ValidStage(domain.Stage(rule.Next)) {
			return fmt.Errorf("stage %s declares unknown next stage %s", stage, rule.Next)
		}
		if rule.Threshold < 0 {
			return fmt.Errorf("stage %s has negative threshold", stage)
		}
		for _, a := range rule.Artifacts {
			if a == "" {
				return fmt.Errorf("stage %s has empty artifact name", stage)
			}
		}
		for _, f := range rule.Flags {
			if f == "" {
				return fmt.Errorf("stage %s has empty flag name", stage)
			}
		}
	}
	// Backward transitions reverse the forward map, so every non-initial
	// stage must be someone's next.
	reachable := map[string]bool{string(domain.StageBacklog): true}
	for _, rule := range c.Stages.Rules {
		if rule.Next != "" {
			if reachable[rule.Next] {
				return fmt.Errorf("stage %s is the next of more than one stage", rule.Next)
			}
			reachable[rule.Next] = true
		}
	}
	for _, stage := range domain.Stages() {
		if !reachable[string(stage)] {
			return fmt.Errorf("stage %s is unreachable in the transition table", stage)
		}
	}
	for _, stage := range domain.Stages() {
		if c.Tracker.Labels[string(stage)] == "" {
			return fmt.Errorf("config.tracker.labels missing stage %s", stage)
		}
		if c.Tracker.Columns[string(stage)] == "" {
			return fmt.Errorf("config.tracker.columns missing stage %s", stage)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paperline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "research-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: research-project

scoring:
  human_weight: 1.0
  machine_weight: 0.5
  ready_score: 5.0

stages:
  rules:
    backlog:
      next: ready
      artifacts: [technical_design]
      threshold: 5.0
    ready:
      next: in_progress
      artifacts: [implementation_plan]
      threshold: 5.0
    in_progress:
      next: in_review
      artifacts: [paper_draft, code]
      # Low on purpose: moving out of in_progress means "work is claimed
      # done", not full reviewer consensus.
      threshold: 1.0
    in_review:
      next: done
      artifacts: [paper_pdf]
      threshold: 5.0
    done:
      threshold: 0

tracker:
  labels:
    backlog: backlog
    ready: ready
    in_progress: in-progress
    in_review: in-review
    done: done
  columns:
    backlog: Backlog
    ready: Ready
    in_progress: In Progress
    in_review: In Review
    done: Done
`
