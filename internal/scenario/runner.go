// Package scenario interprets declarative YAML scripts against the review
// ledger, stage machine and validator. Every step goes through the same
// public operations the CLI and server use; the simulator owns no state
// mutation paths of its own.
package scenario

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"paperline/internal/audit"
	"paperline/internal/config"
	"paperline/internal/domain"
	"paperline/internal/events"
	"paperline/internal/ledger"
	"paperline/internal/repo"
	"paperline/internal/responder"
	"paperline/internal/stage"
)

// Runner executes a scenario script. Responder defaults to a scripted queue
// built from the script's own responses; tests inject their own.
type Runner struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Ledger
	Machine   stage.Machine
	Validator audit.Validator
	Responder responder.Responder
	Config    *config.Config
	WorkDir   string
	ActorID   string
	Now       func() time.Time
}

// New wires a runner on top of a migrated database.
func New(db *sql.DB, cfg *config.Config, workDir string) Runner {
	l := ledger.New(db, cfg)
	m := stage.New(db, cfg, l)
	return Runner{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Ledger:    l,
		Machine:   m,
		Validator: audit.New(l, m, cfg),
		Config:    cfg,
		WorkDir:   workDir,
		ActorID:   "simulator",
	}
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// Run interprets the script step by step. A handler error aborts the
// remaining steps; the partial report is still assembled, persisted and
// returned. Denied advances and failed checks are recorded, not fatal.
func (r Runner) Run(ctx context.Context, script *Script) (*RunReport, error) {
	resp := r.Responder
	if resp == nil {
		resp = responder.NewScripted(script.Responses...)
	}
	st := newPipelineState(script.ProjectID)
	machine := r.Machine
	machine.Tracker = &boardTracker{state: st, cfg: r.Config}

	// Random ID: the same scenario can run many times, each run is its
	// own persisted report.
	rep := &RunReport{
		ID:         uuid.New().String(),
		Scenario:   script.Name,
		ProjectID:  script.ProjectID,
		CreatedAt:  r.timestamp(),
		TotalSteps: len(script.Steps),
		Errors:     []string{},
		Warnings:   []string{},
	}
	start := r.now()

	if err := r.ensureProject(ctx, script.ProjectID); err != nil {
		return nil, err
	}

	for _, step := range script.Steps {
		action, err := step.Resolve()
		if err != nil {
			return nil, err
		}
		if err := r.runStep(ctx, machine, resp, st, step, action, rep); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("step %d (%s): %v", step.Step, action, err))
			r.recordEvent(ctx, machine, st, rep, step.Step, "step_failed", err.Error())
			break
		}
		rep.CompletedSteps++
		r.recordEvent(ctx, machine, st, rep, step.Step, action, step.Description)
	}

	final, err := r.Validator.Run(ctx, script.ProjectID, st.trackerSnapshot(r.Config))
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("final validation: %v", err))
	} else {
		rep.Validation = &final
		r.foldReport(rep, final)
		if err := r.Repo.SaveReport(ctx, final.ID, script.ProjectID, repo.ReportKindValidation, final.Overall, final, final.CreatedAt); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("persist validation report: %v", err))
		}
	}

	rep.FinalStage, _ = machine.CurrentStage(ctx, script.ProjectID)
	rep.FinalScore, _ = r.Ledger.CurrentScore(ctx, script.ProjectID)
	rep.DurationSeconds = r.now().Sub(start).Seconds()
	rep.finish()

	if err := r.Repo.SaveReport(ctx, rep.ID, script.ProjectID, repo.ReportKindScenario, rep.Overall(), rep, rep.CreatedAt); err != nil {
		return rep, fmt.Errorf("persist scenario report: %w", err)
	}
	return rep, nil
}

func (r Runner) runStep(ctx context.Context, machine stage.Machine, resp responder.Responder, st *PipelineState, step Step, action string, rep *RunReport) error {
	switch action {
	case ActionCreateArtifact:
		return r.createArtifact(st, step)
	case ActionReview:
		return r.review(ctx, machine, resp, st, step, rep, false)
	case ActionCriticalReview:
		return r.review(ctx, machine, resp, st, step, rep, true)
	case ActionAdvanceStage:
		return r.advance(ctx, machine, st, step, rep)
	case ActionRollbackStage:
		return r.rollback(ctx, machine, st, step, rep)
	case ActionSetStage:
		return r.setStage(ctx, machine, st, step)
	case ActionCreateTicket:
		return r.createTicket(ctx, machine, st, step)
	case ActionMoveCard:
		return r.moveCard(st, step)
	case ActionValidate:
		return r.validate(ctx, st, step, rep)
	default:
		return fmt.Errorf("unknown action %s", action)
	}
}

func (r Runner) createArtifact(st *PipelineState, step Step) error {
	name := artifactForStep(step)
	dir := filepath.Join(r.WorkDir, st.ProjectID)
	path, err := materializeArtifact(dir, st.ProjectID, name, step.Step)
	if err != nil {
		return err
	}
	st.Artifacts[name] = path
	if flag := stringParam(step, "flag", ""); flag != "" {
		st.Flags[flag] = true
	}
	return nil
}

// review consults the responder count times and applies each reply through
// the ledger. A critical reply is applied once and triggers a rollback,
// whatever its repeat says.
func (r Runner) review(ctx context.Context, machine stage.Machine, resp responder.Responder, st *PipelineState, step Step, rep *RunReport, forceCritical bool) error {
	count := intParam(step, "count", 1)
	persona := stringParam(step, "persona", "reviewer")
	action, _ := step.Resolve()
	for i := 0; i < count; i++ {
		reply, err := resp.Respond(ctx, responder.Prompt{
			ProjectID: st.ProjectID,
			Persona:   persona,
			Action:    action,
			Step:      step.Step,
		})
		if err != nil {
			return err
		}
		critical := forceCritical || reply.Polarity == responder.Critical
		if critical {
			if err := r.applyCritical(ctx, machine, st, persona, reply.Comment, rep); err != nil {
				return err
			}
			continue
		}
		rv := domain.Review{
			ProjectID:  st.ProjectID,
			ReviewerID: persona,
			Positive:   reply.Polarity == responder.Positive,
			Human:      reply.Human,
			Comment:    reply.Comment,
		}
		// Not every Responder normalizes Repeat the way Scripted does;
		// a reply always applies at least once.
		repeat := reply.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for n := 0; n < repeat; n++ {
			if _, err := r.Ledger.AddReview(ctx, st.ProjectID, rv, r.ActorID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Runner) applyCritical(ctx context.Context, machine stage.Machine, st *PipelineState, persona, comment string, rep *RunReport) error {
	rv := domain.Review{
		ProjectID:  st.ProjectID,
		ReviewerID: persona,
		Critical:   true,
		Human:      true,
		Comment:    comment,
	}
	if _, err := r.Ledger.AddReview(ctx, st.ProjectID, rv, r.ActorID); err != nil {
		return err
	}
	ok, _, err := machine.MoveToPreviousStage(ctx, st.ProjectID, "critical review: "+comment, r.ActorID)
	if err != nil {
		return err
	}
	if !ok {
		rep.Errors = append(rep.Errors, fmt.Sprintf("critical review at %s: no stage to roll back to", domain.StageBacklog))
	}
	return nil
}

func (r Runner) advance(ctx context.Context, machine stage.Machine, st *PipelineState, step Step, rep *RunReport) error {
	ok, _, err := machine.AdvanceStage(ctx, st.ProjectID, st.snapshot(), r.ActorID, boolParam(step, "force"))
	if err != nil {
		return err
	}
	if !ok {
		missing := r.missingRequirements(ctx, machine, st)
		rep.Errors = append(rep.Errors, fmt.Sprintf("step %d: stage advance denied (missing: %v)", step.Step, missing))
	}
	return nil
}

func (r Runner) missingRequirements(ctx context.Context, machine stage.Machine, st *PipelineState) []string {
	_, reqs, err := machine.CanAdvance(ctx, st.ProjectID, st.snapshot())
	if err != nil {
		return []string{"unknown"}
	}
	var missing []string
	for name, met := range reqs {
		if !met {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (r Runner) rollback(ctx context.Context, machine stage.Machine, st *PipelineState, step Step, rep *RunReport) error {
	reason := stringParam(step, "reason", "scripted rollback")
	ok, _, err := machine.MoveToPreviousStage(ctx, st.ProjectID, reason, r.ActorID)
	if err != nil {
		return err
	}
	if !ok {
		rep.Errors = append(rep.Errors, fmt.Sprintf("step %d: rollback denied at %s", step.Step, domain.StageBacklog))
	}
	return nil
}

func (r Runner) setStage(ctx context.Context, machine stage.Machine, st *PipelineState, step Step) error {
	target := domain.Stage(stringParam(step, "stage", ""))
	reason := stringParam(step, "reason", "scripted override")
	return machine.SetStage(ctx, st.ProjectID, target, reason, r.ActorID)
}

func (r Runner) createTicket(ctx context.Context, machine stage.Machine, st *PipelineState, step Step) error {
	current, err := machine.CurrentStage(ctx, st.ProjectID)
	if err != nil {
		return err
	}
	num := intParam(step, "issue", len(st.Tickets)+1)
	if _, exists := st.Tickets[num]; exists {
		return fmt.Errorf("ticket #%d already exists", num)
	}
	st.Tickets[num] = &Ticket{
		Number: num,
		Title:  stringParam(step, "title", fmt.Sprintf("%s pipeline", st.ProjectID)),
		Label:  r.Config.Label(current),
	}
	st.TrackerStage = current
	return nil
}

func (r Runner) moveCard(st *PipelineState, step Step) error {
	ticket := intParam(step, "ticket", 0)
	if ticket == 0 {
		if t := st.latestTicket(); t != nil {
			ticket = t.Number
		}
	}
	if _, ok := st.Tickets[ticket]; !ok {
		return fmt.Errorf("no ticket #%d to move", ticket)
	}
	column := stringParam(step, "column", r.Config.Column(st.TrackerStage))
	st.Cards = append(st.Cards, &Card{Ticket: ticket, Column: column})
	return nil
}

func (r Runner) validate(ctx context.Context, st *PipelineState, step Step, rep *RunReport) error {
	report, err := r.Validator.Run(ctx, st.ProjectID, st.trackerSnapshot(r.Config))
	if err != nil {
		return err
	}
	r.foldReport(rep, report)
	return r.Repo.SaveReport(ctx, report.ID, st.ProjectID, repo.ReportKindValidation, report.Overall, report, report.CreatedAt)
}

// foldReport surfaces failed checks as run errors or warnings. Checks never
// abort a run.
func (r Runner) foldReport(rep *RunReport, report domain.Report) {
	for _, c := range report.Checks {
		if c.Passed {
			continue
		}
		line := fmt.Sprintf("validation %s: %s", c.Name, c.Message)
		if c.Severity == domain.SeverityError {
			if !contains(rep.Errors, line) {
				rep.Errors = append(rep.Errors, line)
			}
		} else {
			if !contains(rep.Warnings, line) {
				rep.Warnings = append(rep.Warnings, line)
			}
		}
	}
}

func contains(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

// recordEvent appends a history line with the project's position after the
// step and mirrors the fresh score onto the simulated tracker.
func (r Runner) recordEvent(ctx context.Context, machine stage.Machine, st *PipelineState, rep *RunReport, stepNum int, evtType, detail string) {
	current, err := machine.CurrentStage(ctx, st.ProjectID)
	if err != nil {
		current = st.TrackerStage
	}
	score, err := r.Ledger.CurrentScore(ctx, st.ProjectID)
	if err != nil {
		score = st.TrackerScore
	}
	st.TrackerScore = score
	rep.Events = append(rep.Events, StepEvent{
		TS:     r.timestamp(),
		Step:   stepNum,
		Type:   evtType,
		Stage:  current,
		Score:  score,
		Detail: detail,
	})
}

func (r Runner) ensureProject(ctx context.Context, projectID string) error {
	_, err := r.Repo.GetProject(ctx, projectID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{
		ID:        projectID,
		Kind:      r.Config.Project.Kind,
		Status:    "active",
		CreatedAt: r.timestamp(),
	}
	if err := r.Repo.InsertProject(ctx, tx, p); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "project.init", projectID, "project", projectID, r.ActorID, events.EventPayload{
		"kind": p.Kind,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
