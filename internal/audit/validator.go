// Package audit recomputes expected ledger/stage state from raw history and
// compares it with what the components currently report. It never mutates
// anything.
package audit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"paperline/internal/config"
	"paperline/internal/domain"
	"paperline/internal/ledger"
	"paperline/internal/stage"
)

// Check names. Failed checks carry these names in reports, so they are part
// of the observable contract.
const (
	CheckScoreReplay      = "score_replay"
	CheckHistoryImpact    = "history_impact"
	CheckScoreBoundary    = "score_boundary"
	CheckCriticalReviews  = "critical_reviews"
	CheckAdvanceThreshold = "advance_threshold"
	CheckStageTransitions = "stage_transitions"
	CheckTrackerStage     = "tracker_stage"
	CheckTrackerLabel     = "tracker_label"
	CheckTrackerColumn    = "tracker_column"
	CheckTrackerScoreBand = "tracker_score_band"
)

const defaultTolerance = 1e-3

type Validator struct {
	Ledger    ledger.Ledger
	Machine   stage.Machine
	Config    *config.Config
	Tolerance float64
	Now       func() time.Time
}

func New(l ledger.Ledger, m stage.Machine, cfg *config.Config) Validator {
	return Validator{
		Ledger:    l,
		Machine:   m,
		Config:    cfg,
		Tolerance: defaultTolerance,
		Now:       time.Now,
	}
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Validator) tolerance() float64 {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return defaultTolerance
}

func (v Validator) check(name string, passed bool, severity, message string, details map[string]any) domain.CheckResult {
	return domain.CheckResult{
		Name:     name,
		Passed:   passed,
		Message:  message,
		Severity: severity,
		Details:  details,
		TS:       v.now().UTC().Format(time.RFC3339),
	}
}

// AuditLedger runs the ledger self-audit family.
func (v Validator) AuditLedger(ctx context.Context, projectID string) ([]domain.CheckResult, error) {
	current, err := v.Ledger.CurrentScore(ctx, projectID)
	if err != nil {
		return nil, err
	}
	reviews, err := v.Ledger.Reviews(ctx, projectID)
	if err != nil {
		return nil, err
	}
	history, err := v.Ledger.ScoreHistory(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tol := v.tolerance()
	var checks []domain.CheckResult

	reviewByID := make(map[string]domain.Review, len(reviews))
	for _, rv := range reviews {
		reviewByID[rv.ID] = rv
	}

	// Replay invariant. The baseline folds score resets from the history
	// in, so stage transitions do not show up as drift; a mismatch means
	// the stored score and its own history disagree.
	expected := replayHistory(history, reviewByID, v.Ledger.Weights)
	replayOK := math.Abs(expected-current) <= tol
	msg := fmt.Sprintf("replayed score %.3f matches current score %.3f", expected, current)
	if !replayOK {
		msg = fmt.Sprintf("score calculation mismatch: replay of %d history entries yields %.3f, ledger reports %.3f", len(history), expected, current)
	}
	checks = append(checks, v.check(CheckScoreReplay, replayOK, domain.SeverityError, msg, map[string]any{
		"expected": expected,
		"actual":   current,
	}))

	// Per-entry impact audit.
	impactOK := true
	impactMsg := fmt.Sprintf("all %d history entries apply their declared delta", len(history))
	var impactDetails map[string]any
	for _, e := range history {
		var want float64
		switch e.Cause {
		case domain.CauseReviewAdded:
			if e.ReviewID == nil {
				impactOK = false
				impactMsg = fmt.Sprintf("history entry %d has cause %s but no review", e.ID, e.Cause)
				break
			}
			rv, ok := reviewByID[*e.ReviewID]
			if !ok {
				impactOK = false
				impactMsg = fmt.Sprintf("history entry %d references unknown review %s", e.ID, *e.ReviewID)
				break
			}
			want = e.OldScore + ledger.ReviewDelta(rv, v.Ledger.Weights)
			if want < 0 {
				want = 0
			}
		case domain.CauseScoreReset:
			want = 0
		default:
			impactOK = false
			impactMsg = fmt.Sprintf("history entry %d has unknown cause %s", e.ID, e.Cause)
		}
		if !impactOK {
			break
		}
		if math.Abs(e.NewScore-want) > tol {
			impactOK = false
			impactMsg = fmt.Sprintf("history entry %d: new score %.3f, expected %.3f", e.ID, e.NewScore, want)
			impactDetails = map[string]any{"entry_id": e.ID, "expected": want, "actual": e.NewScore}
			break
		}
	}
	checks = append(checks, v.check(CheckHistoryImpact, impactOK, domain.SeverityError, impactMsg, impactDetails))

	// Boundary audit: the floor must hold everywhere.
	boundaryOK := current >= 0
	boundaryMsg := "no negative scores recorded"
	for _, e := range history {
		if e.OldScore < 0 || e.NewScore < 0 {
			boundaryOK = false
			boundaryMsg = fmt.Sprintf("history entry %d breaches the zero floor (%.3f -> %.3f)", e.ID, e.OldScore, e.NewScore)
			break
		}
	}
	if current < 0 {
		boundaryMsg = fmt.Sprintf("current score %.3f is negative", current)
	}
	checks = append(checks, v.check(CheckScoreBoundary, boundaryOK, domain.SeverityError, boundaryMsg, nil))

	// Critical reviews are reported, not judged.
	criticalCount := 0
	for _, rv := range reviews {
		if rv.Critical {
			criticalCount++
		}
	}
	checks = append(checks, v.check(CheckCriticalReviews, true, domain.SeverityInfo,
		fmt.Sprintf("%d critical review(s) on record", criticalCount),
		map[string]any{"count": criticalCount}))

	// The deprecated helper must stay coherent with the score it wraps.
	shouldAdvance, err := v.Ledger.ShouldAdvance(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ready := v.Config.Scoring.ReadyScore
	thresholdOK := shouldAdvance == (current >= ready)
	thresholdMsg := fmt.Sprintf("should_advance=%v agrees with score %.3f vs ready %.1f", shouldAdvance, current, ready)
	if !thresholdOK {
		thresholdMsg = fmt.Sprintf("should_advance=%v disagrees with score %.3f vs ready %.1f", shouldAdvance, current, ready)
	}
	checks = append(checks, v.check(CheckAdvanceThreshold, thresholdOK, domain.SeverityError, thresholdMsg, nil))

	// Transition history against the declared table.
	issues, err := v.Machine.ValidateTransitions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	transOK := len(issues) == 0
	transMsg := "all recorded transitions follow declared edges"
	var transDetails map[string]any
	if !transOK {
		transMsg = fmt.Sprintf("%d transition(s) deviate from the declared table", len(issues))
		transDetails = map[string]any{"issues": issues}
	}
	checks = append(checks, v.check(CheckStageTransitions, transOK, domain.SeverityError, transMsg, transDetails))

	return checks, nil
}

// replayHistory recomputes the score by walking the ordered history:
// review entries reapply their review's delta with the floor, reset
// entries drop to zero. Entries that cannot be resolved apply their
// recorded delta; the impact audit reports them separately.
func replayHistory(history []domain.ScoreHistoryEntry, reviewByID map[string]domain.Review, w config.Weights) float64 {
	score := 0.0
	for _, e := range history {
		switch e.Cause {
		case domain.CauseScoreReset:
			score = 0
		case domain.CauseReviewAdded:
			if e.ReviewID != nil {
				if rv, ok := reviewByID[*e.ReviewID]; ok {
					score += ledger.ReviewDelta(rv, w)
					if score < 0 {
						score = 0
					}
					continue
				}
			}
			score += e.NewScore - e.OldScore
			if score < 0 {
				score = 0
			}
		}
	}
	return score
}

// AuditTracker cross-checks an externally supplied tracker projection
// against ledger/stage state. Anomalies that may have human explanations
// are warnings, never errors.
func (v Validator) AuditTracker(ctx context.Context, projectID string, snap domain.TrackerSnapshot) ([]domain.CheckResult, error) {
	currentStage, err := v.Machine.CurrentStage(ctx, projectID)
	if err != nil {
		return nil, err
	}
	score, err := v.Ledger.CurrentScore(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var checks []domain.CheckResult

	// Stage is optional in the projection (a label-only sync has no stage
	// to report); when present it must agree with the machine.
	if snap.Stage != "" {
		stageOK := snap.Stage == currentStage
		stageMsg := fmt.Sprintf("tracker stage %s matches the stage machine", snap.Stage)
		if !stageOK {
			stageMsg = fmt.Sprintf("tracker stage %s disagrees with the stage machine (%s)", snap.Stage, currentStage)
		}
		checks = append(checks, v.check(CheckTrackerStage, stageOK, domain.SeverityError, stageMsg,
			map[string]any{"tracker_stage": string(snap.Stage), "expected": string(currentStage)}))
	}

	knownLabels := map[string]bool{}
	for _, s := range domain.Stages() {
		knownLabels[v.Config.Label(s)] = true
	}
	wantLabel := v.Config.Label(currentStage)
	switch {
	case snap.StatusLabel == wantLabel:
		checks = append(checks, v.check(CheckTrackerLabel, true, domain.SeverityError,
			fmt.Sprintf("status label %q matches stage %s", snap.StatusLabel, currentStage), nil))
	case !knownLabels[snap.StatusLabel]:
		// Labels outside the lifecycle vocabulary (e.g. "blocked") are
		// worth a look but not provably wrong.
		msg := fmt.Sprintf("status label %q is outside the lifecycle vocabulary", snap.StatusLabel)
		if snap.Score <= v.tolerance() {
			msg = fmt.Sprintf("status label %q with near-zero score %.3f", snap.StatusLabel, snap.Score)
		}
		checks = append(checks, v.check(CheckTrackerLabel, false, domain.SeverityWarning, msg,
			map[string]any{"label": snap.StatusLabel, "expected": wantLabel}))
	default:
		checks = append(checks, v.check(CheckTrackerLabel, false, domain.SeverityError,
			fmt.Sprintf("status label %q does not match stage %s (expected %q)", snap.StatusLabel, currentStage, wantLabel),
			map[string]any{"label": snap.StatusLabel, "expected": wantLabel}))
	}

	wantColumn := v.Config.Column(currentStage)
	columnOK := snap.BoardColumn == wantColumn
	columnMsg := fmt.Sprintf("board column %q matches stage %s", snap.BoardColumn, currentStage)
	if !columnOK {
		columnMsg = fmt.Sprintf("board column %q does not match stage %s (expected %q)", snap.BoardColumn, currentStage, wantColumn)
	}
	checks = append(checks, v.check(CheckTrackerColumn, columnOK, domain.SeverityError, columnMsg,
		map[string]any{"column": snap.BoardColumn, "expected": wantColumn}))

	// Score band mirrors the stage threshold: scores reset on entry and
	// accumulate toward the threshold, so clearing it without advancing is
	// suspicious but not fatal.
	rule := v.Machine.Rules[currentStage]
	bandOK := true
	bandMsg := fmt.Sprintf("score %.3f is inside the expected band for stage %s", score, currentStage)
	if rule.Next != "" && score > rule.Threshold {
		bandOK = false
		bandMsg = fmt.Sprintf("score %.3f exceeds the stage %s threshold %.1f without an advance", score, currentStage, rule.Threshold)
	}
	if math.Abs(snap.Score-score) > v.tolerance() {
		bandOK = false
		bandMsg = fmt.Sprintf("tracker reports score %.3f, ledger reports %.3f", snap.Score, score)
	}
	checks = append(checks, v.check(CheckTrackerScoreBand, bandOK, domain.SeverityWarning, bandMsg,
		map[string]any{"tracker_score": snap.Score, "ledger_score": score, "threshold": rule.Threshold}))

	return checks, nil
}

// Run executes the full audit and assembles a report. tracker may be nil
// when no external projection is available.
func (v Validator) Run(ctx context.Context, projectID string, tracker *domain.TrackerSnapshot) (domain.Report, error) {
	checks, err := v.AuditLedger(ctx, projectID)
	if err != nil {
		return domain.Report{}, err
	}
	if tracker != nil {
		trackerChecks, err := v.AuditTracker(ctx, projectID, *tracker)
		if err != nil {
			return domain.Report{}, err
		}
		checks = append(checks, trackerChecks...)
	}
	return v.BuildReport(projectID, checks), nil
}

// BuildReport folds check results into a report. A run passes iff no
// error-severity check failed; failed warnings only downgrade the status.
func (v Validator) BuildReport(projectID string, checks []domain.CheckResult) domain.Report {
	now := v.now().UTC().Format(time.RFC3339)
	// Reports are not replayable entities; a random ID avoids collisions
	// between runs persisted within the same second.
	rep := domain.Report{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		CreatedAt:   now,
		TotalChecks: len(checks),
		Checks:      checks,
	}
	for _, c := range checks {
		if c.Passed {
			rep.Passed++
			continue
		}
		rep.Failed++
		switch c.Severity {
		case domain.SeverityError:
			rep.Errors++
		case domain.SeverityWarning:
			rep.Warnings++
		}
	}
	switch {
	case rep.Errors > 0:
		rep.Overall = domain.StatusFailed
	case rep.Warnings > 0:
		rep.Overall = domain.StatusPassedWithWarnings
	default:
		rep.Overall = domain.StatusPassed
	}
	return rep
}
