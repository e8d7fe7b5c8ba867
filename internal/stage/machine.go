// Package stage owns the five-state lifecycle machine. The transition table
// itself is config data; this package only enforces it.
package stage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"paperline/internal/config"
	"paperline/internal/domain"
	"paperline/internal/events"
	"paperline/internal/ledger"
	"paperline/internal/repo"
)

// Tracker mirrors stage changes into an external issue tracker (status
// label, board column). Implementations live outside the core; a nil
// tracker disables the hook.
type Tracker interface {
	Apply(ctx context.Context, projectID string, stage domain.Stage) error
}

type Machine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  ledger.Ledger
	Rules   map[domain.Stage]config.StageRule
	Tracker Tracker
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, l ledger.Ledger) Machine {
	return Machine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: l,
		Rules:  cfg.Rules(),
		Now:    time.Now,
	}
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CurrentStage defaults to backlog for projects with no recorded stage.
func (m Machine) CurrentStage(ctx context.Context, projectID string) (domain.Stage, error) {
	return m.Repo.GetStage(ctx, projectID)
}

// NextStage returns the declared forward edge, or "" for terminal stages.
func (m Machine) NextStage(stage domain.Stage) domain.Stage {
	return domain.Stage(m.Rules[stage].Next)
}

// PreviousStage reverses the forward map: the stage whose next edge points
// at the given stage, or "" for the initial stage.
func (m Machine) PreviousStage(stage domain.Stage) domain.Stage {
	for from, rule := range m.Rules {
		if domain.Stage(rule.Next) == stage {
			return from
		}
	}
	return ""
}

// CanAdvance evaluates the current stage's rule against the caller-supplied
// snapshot and the live ledger score. The returned map explains each
// requirement; a terminal stage reports {"no_next_stage": false}.
func (m Machine) CanAdvance(ctx context.Context, projectID string, snap domain.Snapshot) (bool, map[string]bool, error) {
	current, err := m.Repo.GetStage(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	score, err := m.Ledger.CurrentScore(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	return m.evaluate(current, score, snap)
}

func (m Machine) evaluate(current domain.Stage, score float64, snap domain.Snapshot) (bool, map[string]bool, error) {
	rule, ok := m.Rules[current]
	if !ok {
		return false, nil, fmt.Errorf("no rule for stage %s", current)
	}
	if rule.Next == "" {
		return false, map[string]bool{"no_next_stage": false}, nil
	}
	reqs := map[string]bool{}
	allMet := true
	for _, a := range rule.Artifacts {
		met := snap.Artifacts[a] != ""
		reqs["artifact:"+a] = met
		allMet = allMet && met
	}
	for _, f := range rule.Flags {
		met := snap.Flags[f]
		reqs["flag:"+f] = met
		allMet = allMet && met
	}
	met := score >= rule.Threshold
	reqs["score"] = met
	allMet = allMet && met
	return allMet, reqs, nil
}

// AdvanceStage moves the project one stage forward if the rule is satisfied
// (or force is set), recording the transition with its requirement snapshot
// and resetting the score in the same transaction. A denied advance returns
// (false, nil, nil): it is a normal negative outcome, not an error.
func (m Machine) AdvanceStage(ctx context.Context, projectID string, snap domain.Snapshot, actorID string, force bool) (bool, *domain.StageTransitionRecord, error) {
	ok, reqs, err := m.CanAdvance(ctx, projectID, snap)
	if err != nil {
		return false, nil, err
	}
	if !ok && !force {
		return false, nil, nil
	}
	current, err := m.Repo.GetStage(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	next := m.NextStage(current)
	if next == "" {
		// Terminal even under force.
		return false, nil, nil
	}
	reason := ""
	if force {
		reason = "forced advance"
	}
	rec, err := m.transition(ctx, projectID, current, next, reqs, false, reason, actorID, "stage.advanced")
	if err != nil {
		return false, nil, err
	}
	m.notifyTracker(ctx, projectID, next, actorID)
	return true, rec, nil
}

// MoveToPreviousStage rolls the project back one stage. This is the
// designated response to a critical review. Always resets the score; fails
// only at the initial stage, without side effects.
func (m Machine) MoveToPreviousStage(ctx context.Context, projectID, reason, actorID string) (bool, *domain.StageTransitionRecord, error) {
	current, err := m.Repo.GetStage(ctx, projectID)
	if err != nil {
		return false, nil, err
	}
	prev := m.PreviousStage(current)
	if prev == "" {
		return false, nil, nil
	}
	rec, err := m.transition(ctx, projectID, current, prev, map[string]bool{}, false, reason, actorID, "stage.rolled_back")
	if err != nil {
		return false, nil, err
	}
	m.notifyTracker(ctx, projectID, prev, actorID)
	return true, rec, nil
}

// SetStage is an unconditional manual override, recorded with manual=true
// so strict transition auditing skips it.
func (m Machine) SetStage(ctx context.Context, projectID string, stage domain.Stage, reason, actorID string) error {
	if !domain.ValidStage(stage) {
		return fmt.Errorf("unknown stage %s", stage)
	}
	current, err := m.Repo.GetStage(ctx, projectID)
	if err != nil {
		return err
	}
	if _, err := m.transition(ctx, projectID, current, stage, map[string]bool{}, true, reason, actorID, "stage.set"); err != nil {
		return err
	}
	m.notifyTracker(ctx, projectID, stage, actorID)
	return nil
}

func (m Machine) transition(ctx context.Context, projectID string, from, to domain.Stage, reqs map[string]bool, manual bool, reason, actorID, evtType string) (*domain.StageTransitionRecord, error) {
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// IDs derive from the append order, not the timestamp: the same edge
	// can be traversed twice within one second (rollback and re-advance).
	seq, err := m.Repo.NextTransitionSeq(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	rec := domain.StageTransitionRecord{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|transition|%d", projectID, seq))).String(),
		ProjectID:    projectID,
		FromStage:    from,
		ToStage:      to,
		Requirements: reqs,
		TS:           now,
		Manual:       manual,
		Reason:       reason,
	}
	if err := m.Repo.SetStageTx(ctx, tx, projectID, to); err != nil {
		return nil, fmt.Errorf("set stage: %w", err)
	}
	if err := m.Repo.InsertTransition(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}
	resetReason := fmt.Sprintf("stage transition %s -> %s", from, to)
	if _, err := m.Ledger.ResetScoreTx(ctx, tx, projectID, resetReason, actorID); err != nil {
		return nil, err
	}
	if err := m.Events.Append(ctx, tx, evtType, projectID, "stage", rec.ID, actorID, events.EventPayload{
		"from":   string(from),
		"to":     string(to),
		"manual": manual,
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// notifyTracker runs the external projection hook after commit. The
// transition stands either way; a failed sync is logged as its own event.
func (m Machine) notifyTracker(ctx context.Context, projectID string, stage domain.Stage, actorID string) {
	if m.Tracker == nil {
		return
	}
	if err := m.Tracker.Apply(ctx, projectID, stage); err != nil {
		tx, txErr := m.DB.BeginTx(ctx, nil)
		if txErr != nil {
			return
		}
		defer tx.Rollback()
		if appendErr := m.Events.Append(ctx, tx, "tracker.sync_failed", projectID, "stage", projectID, actorID, events.EventPayload{
			"stage": string(stage),
			"error": err.Error(),
		}); appendErr == nil {
			_ = tx.Commit()
		}
	}
}

// Summary assembles the read model for one project.
func (m Machine) Summary(ctx context.Context, projectID string, snap domain.Snapshot) (domain.StageSummary, error) {
	current, err := m.Repo.GetStage(ctx, projectID)
	if err != nil {
		return domain.StageSummary{}, err
	}
	score, err := m.Ledger.CurrentScore(ctx, projectID)
	if err != nil {
		return domain.StageSummary{}, err
	}
	ok, reqs, err := m.evaluate(current, score, snap)
	if err != nil {
		return domain.StageSummary{}, err
	}
	var missing []string
	for name, met := range reqs {
		if !met && name != "no_next_stage" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return domain.StageSummary{
		ProjectID:    projectID,
		CurrentStage: current,
		NextStage:    m.NextStage(current),
		CanAdvance:   ok,
		CurrentScore: score,
		Missing:      missing,
	}, nil
}

// ValidateTransitions audits the recorded history against the table: every
// non-manual record must follow either the declared forward edge or its
// reverse. Returns human-readable findings, empty when clean.
func (m Machine) ValidateTransitions(ctx context.Context, projectID string) ([]string, error) {
	records, err := m.Repo.ListTransitions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var issues []string
	for _, rec := range records {
		if rec.Manual {
			continue
		}
		forward := m.NextStage(rec.FromStage)
		backward := m.PreviousStage(rec.FromStage)
		if rec.ToStage != forward && rec.ToStage != backward {
			issues = append(issues, fmt.Sprintf("transition %s: %s -> %s does not match declared edges (forward %s, backward %s)",
				rec.ID, rec.FromStage, rec.ToStage, forward, backward))
		}
	}
	return issues, nil
}
