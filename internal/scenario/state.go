package scenario

import (
	"context"
	"sort"

	"paperline/internal/config"
	"paperline/internal/domain"
)

// Ticket is a simulated issue-tracker ticket.
type Ticket struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Label  string `json:"label"`
}

// Card is a simulated board card for a ticket.
type Card struct {
	Ticket int    `json:"ticket"`
	Column string `json:"column"`
}

// PipelineState is the in-memory world a scenario acts on: materialized
// artifacts, readiness flags, and the simulated tracker projection. It is
// what a real run would read from the filesystem and the tracker API.
type PipelineState struct {
	ProjectID    string            `json:"project_id"`
	Artifacts    map[string]string `json:"artifacts"`
	Flags        map[string]bool   `json:"flags"`
	Tickets      map[int]*Ticket   `json:"tickets,omitempty"`
	Cards        []*Card           `json:"cards,omitempty"`
	TrackerStage domain.Stage      `json:"tracker_stage,omitempty"`
	TrackerScore float64           `json:"tracker_score"`
}

func newPipelineState(projectID string) *PipelineState {
	return &PipelineState{
		ProjectID: projectID,
		Artifacts: map[string]string{},
		Flags:     map[string]bool{},
		Tickets:   map[int]*Ticket{},
	}
}

func (s *PipelineState) snapshot() domain.Snapshot {
	return domain.Snapshot{Artifacts: s.Artifacts, Flags: s.Flags}
}

// trackerSnapshot projects the simulated tracker for the validator, or nil
// when the script never touched the tracker.
func (s *PipelineState) trackerSnapshot(cfg *config.Config) *domain.TrackerSnapshot {
	if len(s.Tickets) == 0 && len(s.Cards) == 0 {
		return nil
	}
	snap := &domain.TrackerSnapshot{
		Stage: s.TrackerStage,
		Score: s.TrackerScore,
	}
	if t := s.latestTicket(); t != nil {
		snap.StatusLabel = t.Label
	}
	if len(s.Cards) > 0 {
		snap.BoardColumn = s.Cards[len(s.Cards)-1].Column
	} else {
		snap.BoardColumn = cfg.Column(s.TrackerStage)
	}
	return snap
}

func (s *PipelineState) latestTicket() *Ticket {
	if len(s.Tickets) == 0 {
		return nil
	}
	nums := make([]int, 0, len(s.Tickets))
	for n := range s.Tickets {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return s.Tickets[nums[len(nums)-1]]
}

// boardTracker mirrors stage changes onto the simulated tracker. The stage
// machine calls Apply after each committed transition, which is exactly how
// a real tracker integration would be wired.
type boardTracker struct {
	state *PipelineState
	cfg   *config.Config
}

func (b *boardTracker) Apply(_ context.Context, _ string, stage domain.Stage) error {
	b.state.TrackerStage = stage
	label := b.cfg.Label(stage)
	column := b.cfg.Column(stage)
	for _, t := range b.state.Tickets {
		t.Label = label
	}
	for _, c := range b.state.Cards {
		c.Column = column
	}
	return nil
}
