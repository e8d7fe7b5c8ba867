package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"paperline/internal/responder"
)

// Action names understood by the runner.
const (
	ActionCreateArtifact = "create_artifact"
	ActionReview         = "review"
	ActionCriticalReview = "simulate_critical_review"
	ActionAdvanceStage   = "advance_stage"
	ActionRollbackStage  = "rollback_stage"
	ActionSetStage       = "set_stage"
	ActionCreateTicket   = "create_ticket"
	ActionMoveCard       = "move_card"
	ActionValidate       = "validate"
)

// taskTypeActions is the fallback lookup for steps that name a task type
// instead of an action. An explicit action field always wins.
var taskTypeActions = map[string]string{
	"CREATE_TECHNICAL_DESIGN":    ActionCreateArtifact,
	"CREATE_IMPLEMENTATION_PLAN": ActionCreateArtifact,
	"WRITE_PAPER_DRAFT":          ActionCreateArtifact,
	"WRITE_CODE":                 ActionCreateArtifact,
	"COMPILE_PAPER_PDF":          ActionCreateArtifact,
	"REVIEW_TECHNICAL_DESIGN":    ActionReview,
	"REVIEW_IMPLEMENTATION_PLAN": ActionReview,
	"REVIEW_PAPER":               ActionReview,
	"CRITICAL_REVIEW":            ActionCriticalReview,
	"ADVANCE_STAGE":              ActionAdvanceStage,
	"ROLLBACK_STAGE":             ActionRollbackStage,
	"SET_STAGE":                  ActionSetStage,
	"CREATE_TICKET":              ActionCreateTicket,
	"MOVE_CARD":                  ActionMoveCard,
	"VALIDATE":                   ActionValidate,
}

// taskTypeArtifacts maps artifact-producing task types to the artifact they
// materialize, matching the stage rule table's artifact names.
var taskTypeArtifacts = map[string]string{
	"CREATE_TECHNICAL_DESIGN":    "technical_design",
	"CREATE_IMPLEMENTATION_PLAN": "implementation_plan",
	"WRITE_PAPER_DRAFT":          "paper_draft",
	"WRITE_CODE":                 "code",
	"COMPILE_PAPER_PDF":          "paper_pdf",
}

// Script is a declarative scenario: an ordered list of steps replayed
// against the ledger and stage machine through their public operations.
type Script struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	ProjectID   string            `yaml:"project_id"`
	Actors      []string          `yaml:"actors,omitempty"`
	Responses   []responder.Reply `yaml:"responses,omitempty"`
	Steps       []Step            `yaml:"steps"`
}

// Step is one scripted action. Either Action or TaskType must resolve.
type Step struct {
	Step        int            `yaml:"step"`
	Description string         `yaml:"description,omitempty"`
	Action      string         `yaml:"action,omitempty"`
	TaskType    string         `yaml:"task_type,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
}

// Resolve returns the action for a step: the explicit action if present,
// otherwise the task-type fallback.
func (s Step) Resolve() (string, error) {
	if s.Action != "" {
		return s.Action, nil
	}
	if s.TaskType == "" {
		return "", fmt.Errorf("step %d: action or task_type is required", s.Step)
	}
	action, ok := taskTypeActions[s.TaskType]
	if !ok {
		return "", fmt.Errorf("step %d: unknown task type %s", s.Step, s.TaskType)
	}
	return action, nil
}

// LoadScript reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping steps.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses and validates a scenario from raw YAML bytes.
func ParseScript(data []byte) (*Script, error) {
	var script Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&script); err != nil {
		return nil, fmt.Errorf("parse scenario yaml: %w", err)
	}
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &script, nil
}

// Validate checks required fields and that every step resolves to a known
// action. Malformed scripts are fatal; they never reach the runner.
func (s *Script) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	prev := 0
	for i, step := range s.Steps {
		if step.Step <= prev {
			return fmt.Errorf("steps[%d]: step numbers must be positive and increasing (got %d after %d)", i, step.Step, prev)
		}
		prev = step.Step
		action, err := step.Resolve()
		if err != nil {
			return err
		}
		switch action {
		case ActionCreateArtifact:
			if artifactForStep(step) == "" {
				return fmt.Errorf("step %d: artifact name required (params.artifact or a known task_type)", step.Step)
			}
		case ActionReview, ActionCriticalReview, ActionAdvanceStage, ActionRollbackStage,
			ActionSetStage, ActionCreateTicket, ActionMoveCard, ActionValidate:
		default:
			return fmt.Errorf("step %d: unknown action %s", step.Step, action)
		}
	}
	for i, r := range s.Responses {
		if !responder.ValidPolarity(r.Polarity) {
			return fmt.Errorf("responses[%d]: unknown polarity %q", i, r.Polarity)
		}
	}
	return nil
}

func artifactForStep(step Step) string {
	if name, ok := step.Params["artifact"].(string); ok && name != "" {
		return name
	}
	return taskTypeArtifacts[step.TaskType]
}

func stringParam(step Step, key, fallback string) string {
	if v, ok := step.Params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(step Step, key string, fallback int) int {
	switch v := step.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func boolParam(step Step, key string) bool {
	v, _ := step.Params[key].(bool)
	return v
}
