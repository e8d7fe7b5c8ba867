package paperlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Paperline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Review mirrors the API review model.
type Review struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ReviewerID string `json:"reviewer_id"`
	Positive   bool   `json:"positive"`
	Human      bool   `json:"human"`
	Critical   bool   `json:"critical"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts"`
}

// ScoreBreakdown mirrors the API score summary.
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

// StageSummary mirrors the API stage read model.
type StageSummary struct {
	ProjectID    string   `json:"project_id"`
	CurrentStage string   `json:"current_stage"`
	NextStage    string   `json:"next_stage,omitempty"`
	CanAdvance   bool     `json:"can_advance"`
	CurrentScore float64  `json:"current_score"`
	Missing      []string `json:"missing_requirements,omitempty"`
}

// AdvanceResult reports an advance attempt.
type AdvanceResult struct {
	Advanced bool           `json:"advanced"`
	Missing  []string       `json:"missing_requirements,omitempty"`
	Record   map[string]any `json:"transition,omitempty"`
}

// Report mirrors the validation report model (partial).
type Report struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	TotalChecks int    `json:"total_checks"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Errors      int    `json:"errors"`
	Warnings    int    `json:"warnings"`
	Overall     string `json:"overall_status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AddReview posts a review and returns the resulting score.
func (c *Client) AddReview(ctx context.Context, reviewerID string, positive, human, critical bool, comment string) (float64, error) {
	body := map[string]any{
		"reviewer_id": reviewerID,
		"positive":    positive,
		"human":       human,
		"critical":    critical,
		"comment":     comment,
	}
	var resp struct {
		Score float64 `json:"score"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("reviews"), body, &resp)
	return resp.Score, err
}

// Reviews lists the project's reviews in arrival order.
func (c *Client) Reviews(ctx context.Context) ([]Review, error) {
	var resp []Review
	err := c.do(ctx, http.MethodGet, c.projectPath("reviews"), nil, &resp)
	return resp, err
}

// Score returns the score breakdown.
func (c *Client) Score(ctx context.Context) (ScoreBreakdown, error) {
	var resp ScoreBreakdown
	err := c.do(ctx, http.MethodGet, c.projectPath("score"), nil, &resp)
	return resp, err
}

// StageSummary evaluates the stage gate against a deliverable snapshot.
func (c *Client) StageSummary(ctx context.Context, artifacts map[string]string, flags map[string]bool) (StageSummary, error) {
	body := map[string]any{
		"artifacts": artifacts,
		"flags":     flags,
	}
	var resp StageSummary
	err := c.do(ctx, http.MethodPost, c.projectPath("stage/summary"), body, &resp)
	return resp, err
}

// AdvanceStage attempts a forward transition.
func (c *Client) AdvanceStage(ctx context.Context, artifacts map[string]string, flags map[string]bool, force bool) (AdvanceResult, error) {
	endpoint := c.projectPath("stage/advance")
	if force {
		endpoint += "?force=true"
	}
	body := map[string]any{
		"snapshot": map[string]any{
			"artifacts": artifacts,
			"flags":     flags,
		},
	}
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RollbackStage moves the project one stage back.
func (c *Client) RollbackStage(ctx context.Context, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, c.projectPath("stage/rollback"), body, nil)
}

// Validate runs the consistency checks server-side.
func (c *Client) Validate(ctx context.Context) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.projectPath("validate"), map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events for the client's project.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
