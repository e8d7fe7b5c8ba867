package domain

// Stage is a project's lifecycle position. Projects move forward one stage
// at a time; Done is terminal.
type Stage string

const (
	StageBacklog    Stage = "backlog"
	StageReady      Stage = "ready"
	StageInProgress Stage = "in_progress"
	StageInReview   Stage = "in_review"
	StageDone       Stage = "done"
)

// Stages lists all stages in forward order.
func Stages() []Stage {
	return []Stage{StageBacklog, StageReady, StageInProgress, StageInReview, StageDone}
}

// ValidStage reports whether s is one of the five lifecycle stages.
func ValidStage(s Stage) bool {
	switch s {
	case StageBacklog, StageReady, StageInProgress, StageInReview, StageDone:
		return true
	}
	return false
}

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Review is a scored opinion about a project's current deliverable.
// Immutable once stored.
type Review struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ReviewerID string `json:"reviewer_id"`
	Positive   bool   `json:"positive"`
	Human      bool   `json:"human"`
	Critical   bool   `json:"critical"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

// Score history causes.
const (
	CauseReviewAdded = "review_added"
	CauseScoreReset  = "score_reset"
)

// ScoreHistoryEntry records one score mutation. Append-only.
type ScoreHistoryEntry struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	TS        string  `json:"ts" format:"date-time"`
	OldScore  float64 `json:"old_score"`
	NewScore  float64 `json:"new_score"`
	Cause     string  `json:"cause" enum:"review_added,score_reset"`
	ReviewID  *string `json:"review_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// ScoreBreakdown summarizes a project's review ledger.
type ScoreBreakdown struct {
	ProjectID       string  `json:"project_id"`
	CurrentScore    float64 `json:"current_score"`
	TotalReviews    int     `json:"total_reviews"`
	PositiveReviews int     `json:"positive_reviews"`
	NegativeReviews int     `json:"negative_reviews"`
	CriticalReviews int     `json:"critical_reviews"`
	HumanReviews    int     `json:"human_reviews"`
	MachineReviews  int     `json:"machine_reviews"`
	CanAdvance      bool    `json:"can_advance"`
	PointsToAdvance float64 `json:"points_to_advance"`
}

// Snapshot is the caller-supplied view of a project's deliverables.
// Artifact producers report readiness through it; the stage machine never
// inspects file contents.
type Snapshot struct {
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Flags       map[string]bool   `json:"flags,omitempty"`
	IssueNumber int               `json:"issue_number,omitempty"`
}

// StageTransitionRecord documents one stage change, forward, backward or
// manual. Appended to a per-project transition history.
type StageTransitionRecord struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	FromStage    Stage           `json:"from_stage"`
	ToStage      Stage           `json:"to_stage"`
	Requirements map[string]bool `json:"requirements"`
	TS           string          `json:"ts" format:"date-time"`
	Manual       bool            `json:"manual"`
	Reason       string          `json:"reason,omitempty"`
}

// StageSummary is the read model for a project's lifecycle position.
type StageSummary struct {
	ProjectID    string   `json:"project_id"`
	CurrentStage Stage    `json:"current_stage"`
	NextStage    Stage    `json:"next_stage,omitempty"`
	CanAdvance   bool     `json:"can_advance"`
	CurrentScore float64  `json:"current_score"`
	Missing      []string `json:"missing_requirements,omitempty"`
}

// TrackerSnapshot is an externally supplied projection of the project in an
// issue tracker: status label plus board column. The consistency validator
// compares it against ledger/stage state.
type TrackerSnapshot struct {
	StatusLabel string  `json:"status_label"`
	BoardColumn string  `json:"board_column"`
	Stage       Stage   `json:"stage"`
	Score       float64 `json:"score"`
}

// Check severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// CheckResult is the outcome of a single consistency check.
type CheckResult struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Severity string         `json:"severity" enum:"error,warning,info"`
	Details  map[string]any `json:"details,omitempty"`
	TS       string         `json:"ts" format:"date-time"`
}

// Report overall statuses.
const (
	StatusPassed             = "PASSED"
	StatusPassedWithWarnings = "PASSED_WITH_WARNINGS"
	StatusFailed             = "FAILED"
)

// Report aggregates a validator run. A run passes iff no error-severity
// check failed; failed warnings downgrade PASSED to PASSED_WITH_WARNINGS.
type Report struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	TotalChecks int           `json:"total_checks"`
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	Errors      int           `json:"errors"`
	Warnings    int           `json:"warnings"`
	Overall     string        `json:"overall_status" enum:"PASSED,PASSED_WITH_WARNINGS,FAILED"`
	Checks      []CheckResult `json:"checks"`
}

// Event is one row of the append-only event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
