package scenario

import (
	"fmt"
	"strings"

	"paperline/internal/domain"
)

// StepEvent is one line of a run's event history: what happened and where
// the project stood immediately afterwards.
type StepEvent struct {
	TS     string       `json:"ts"`
	Step   int          `json:"step"`
	Type   string       `json:"type"`
	Stage  domain.Stage `json:"stage"`
	Score  float64      `json:"score"`
	Detail string       `json:"detail,omitempty"`
}

// RunReport is the full outcome of a scenario run. Success requires every
// step to complete and the run to finish with zero errors and zero warnings.
type RunReport struct {
	ID              string         `json:"id"`
	Scenario        string         `json:"scenario"`
	ProjectID       string         `json:"project_id"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	Success         bool           `json:"success"`
	TotalSteps      int            `json:"total_steps"`
	CompletedSteps  int            `json:"completed_steps"`
	Errors          []string       `json:"errors"`
	Warnings        []string       `json:"warnings"`
	FinalStage      domain.Stage   `json:"final_stage"`
	FinalScore      float64        `json:"final_score"`
	DurationSeconds float64        `json:"duration_seconds"`
	Events          []StepEvent    `json:"event_history"`
	Validation      *domain.Report `json:"validation,omitempty"`
}

// Overall maps the run outcome onto the shared report vocabulary.
func (r *RunReport) Overall() string {
	switch {
	case len(r.Errors) > 0 || r.CompletedSteps < r.TotalSteps:
		return domain.StatusFailed
	case len(r.Warnings) > 0:
		return domain.StatusPassedWithWarnings
	default:
		return domain.StatusPassed
	}
}

func (r *RunReport) finish() {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	r.Success = len(r.Errors) == 0 && len(r.Warnings) == 0 && r.CompletedSteps == r.TotalSteps
}

// Summary renders the report for terminals.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario %q on project %s: %s\n", r.Scenario, r.ProjectID, r.Overall())
	fmt.Fprintf(&b, "  steps: %d/%d completed\n", r.CompletedSteps, r.TotalSteps)
	fmt.Fprintf(&b, "  final stage: %s, score: %.1f\n", r.FinalStage, r.FinalScore)
	if r.Validation != nil {
		fmt.Fprintf(&b, "  validation: %s (%d checks, %d failed)\n", r.Validation.Overall, r.Validation.TotalChecks, r.Validation.Failed)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  error: %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}
