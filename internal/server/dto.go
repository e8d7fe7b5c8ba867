package server

import (
	"gopkg.in/yaml.v3"

	"paperline/internal/config"
	"paperline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type AddReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Positive   bool   `json:"positive,omitempty"`
	Human      bool   `json:"human,omitempty"`
	Critical   bool   `json:"critical,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

type ResetScoreRequest struct {
	Reason string `json:"reason"`
}

type SnapshotRequest struct {
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Flags     map[string]bool   `json:"flags,omitempty"`
}

type AdvanceStageRequest struct {
	Snapshot SnapshotRequest `json:"snapshot"`
}

type RollbackStageRequest struct {
	Reason string `json:"reason"`
}

type SetStageRequest struct {
	Stage  string `json:"stage" enum:"backlog,ready,in_progress,in_review,done"`
	Reason string `json:"reason,omitempty"`
}

type ValidateRequest struct {
	Tracker *TrackerSnapshotRequest `json:"tracker,omitempty"`
}

type TrackerSnapshotRequest struct {
	StatusLabel string  `json:"status_label"`
	BoardColumn string  `json:"board_column"`
	Stage       string  `json:"stage" enum:"backlog,ready,in_progress,in_review,done"`
	Score       float64 `json:"score"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AddReviewResponse struct {
	Score float64 `json:"score"`
}

type AdvanceStageResponse struct {
	Advanced   bool                          `json:"advanced"`
	Transition *domain.StageTransitionRecord `json:"transition,omitempty"`
	Missing    []string                      `json:"missing_requirements,omitempty"`
}

type RollbackStageResponse struct {
	RolledBack bool                          `json:"rolled_back"`
	Transition *domain.StageTransitionRecord `json:"transition,omitempty"`
}

type ProjectConfigResponse struct {
	ProjectID string `json:"project_id"`
	YAML      string `json:"yaml"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	data, _ := yaml.Marshal(cfg)
	return ProjectConfigResponse{
		ProjectID: cfg.Project.ID,
		YAML:      string(data),
	}
}

func snapshotFromRequest(req SnapshotRequest) domain.Snapshot {
	return domain.Snapshot{Artifacts: req.Artifacts, Flags: req.Flags}
}

func trackerFromRequest(req *TrackerSnapshotRequest) *domain.TrackerSnapshot {
	if req == nil {
		return nil
	}
	return &domain.TrackerSnapshot{
		StatusLabel: req.StatusLabel,
		BoardColumn: req.BoardColumn,
		Stage:       domain.Stage(req.Stage),
		Score:       req.Score,
	}
}
