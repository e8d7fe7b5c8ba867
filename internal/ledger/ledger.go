// Package ledger owns per-project review scores: the running score, the
// append-only review list and the score history that explains every change.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paperline/internal/config"
	"paperline/internal/domain"
	"paperline/internal/events"
	"paperline/internal/repo"
)

// ReadyScore is the legacy single advancement threshold.
//
// Deprecated: the stage machine's per-stage thresholds are the canonical
// gate; this constant only backs ShouldAdvance for callers that predate the
// transition table.
const ReadyScore = 5.0

type Ledger struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Weights config.Weights
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Weights: cfg.Scoring,
		Now:     time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// ReviewDelta is the score contribution of a single review. Critical
// reviews contribute nothing: they are recorded and flagged, and acting on
// them is the stage machine's rollback operation, not a score change.
func ReviewDelta(rv domain.Review, w config.Weights) float64 {
	if rv.Critical {
		return 0
	}
	weight := w.Machine
	if rv.Human {
		weight = w.Human
	}
	if rv.Positive {
		return weight
	}
	return -weight
}

// ScoreFromReviews independently replays a review list into a score. Replay
// treats a critical review as a hard reset to 0, mirroring the rollback the
// live path performs through the stage machine. The divergence from
// AddReview's live behavior is intentional: replay is an audit baseline for
// the full event sequence, not a re-execution of it.
func ScoreFromReviews(reviews []domain.Review, w config.Weights) float64 {
	score := 0.0
	for _, rv := range reviews {
		if rv.Critical {
			score = 0
			continue
		}
		score += ReviewDelta(rv, w)
		if score < 0 {
			score = 0
		}
	}
	return score
}

// AddReview appends a review and applies its delta with a floor at 0.
// The project's ledger state is created lazily on first reference. Returns
// the new score.
func (l Ledger) AddReview(ctx context.Context, projectID string, rv domain.Review, actorID string) (float64, error) {
	if projectID == "" {
		return 0, fmt.Errorf("project is required")
	}
	if rv.ReviewerID == "" {
		return 0, fmt.Errorf("reviewer_id is required")
	}
	now := l.now().UTC().Format(time.RFC3339)
	rv.ProjectID = projectID
	if rv.TS == "" {
		rv.TS = now
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := l.Repo.NextReviewSeq(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	if rv.ID == "" {
		rv.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", projectID, rv.ReviewerID, seq))).String()
	}
	oldScore, err := l.Repo.GetScoreTx(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	newScore := oldScore + ReviewDelta(rv, l.Weights)
	if newScore < 0 {
		newScore = 0
	}
	if err := l.Repo.InsertReview(ctx, tx, rv, seq); err != nil {
		return 0, fmt.Errorf("insert review: %w", err)
	}
	if err := l.Repo.SetScoreTx(ctx, tx, projectID, newScore); err != nil {
		return 0, fmt.Errorf("set score: %w", err)
	}
	if err := l.Repo.InsertScoreHistory(ctx, tx, domain.ScoreHistoryEntry{
		ProjectID: projectID,
		TS:        now,
		OldScore:  oldScore,
		NewScore:  newScore,
		Cause:     domain.CauseReviewAdded,
		ReviewID:  &rv.ID,
	}); err != nil {
		return 0, fmt.Errorf("insert score history: %w", err)
	}
	if err := l.Events.Append(ctx, tx, "review.added", projectID, "review", rv.ID, actorID, events.EventPayload{
		"reviewer_id": rv.ReviewerID,
		"positive":    rv.Positive,
		"human":       rv.Human,
		"critical":    rv.Critical,
		"old_score":   oldScore,
		"new_score":   newScore,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newScore, nil
}

// CurrentScore returns 0.0 for unknown projects.
func (l Ledger) CurrentScore(ctx context.Context, projectID string) (float64, error) {
	return l.Repo.GetScore(ctx, projectID)
}

// ResetScore zeroes the score and records why.
func (l Ledger) ResetScore(ctx context.Context, projectID, reason, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := l.ResetScoreTx(ctx, tx, projectID, reason, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetScoreTx is the transactional reset used by the stage machine so a
// transition and its score reset commit atomically. Returns the old score.
func (l Ledger) ResetScoreTx(ctx context.Context, tx *sql.Tx, projectID, reason, actorID string) (float64, error) {
	now := l.now().UTC().Format(time.RFC3339)
	oldScore, err := l.Repo.GetScoreTx(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	if err := l.Repo.SetScoreTx(ctx, tx, projectID, 0); err != nil {
		return 0, fmt.Errorf("set score: %w", err)
	}
	if err := l.Repo.InsertScoreHistory(ctx, tx, domain.ScoreHistoryEntry{
		ProjectID: projectID,
		TS:        now,
		OldScore:  oldScore,
		NewScore:  0,
		Cause:     domain.CauseScoreReset,
		Reason:    reason,
	}); err != nil {
		return 0, fmt.Errorf("insert score history: %w", err)
	}
	if err := l.Events.Append(ctx, tx, "score.reset", projectID, "score", projectID, actorID, events.EventPayload{
		"old_score": oldScore,
		"reason":    reason,
	}); err != nil {
		return 0, err
	}
	return oldScore, nil
}

func (l Ledger) Reviews(ctx context.Context, projectID string) ([]domain.Review, error) {
	return l.Repo.ListReviews(ctx, projectID)
}

func (l Ledger) ScoreHistory(ctx context.Context, projectID string) ([]domain.ScoreHistoryEntry, error) {
	return l.Repo.ListScoreHistory(ctx, projectID)
}

// Breakdown summarizes the ledger for one project.
func (l Ledger) Breakdown(ctx context.Context, projectID string) (domain.ScoreBreakdown, error) {
	score, err := l.Repo.GetScore(ctx, projectID)
	if err != nil {
		return domain.ScoreBreakdown{}, err
	}
	reviews, err := l.Repo.ListReviews(ctx, projectID)
	if err != nil {
		return domain.ScoreBreakdown{}, err
	}
	b := domain.ScoreBreakdown{
		ProjectID:    projectID,
		CurrentScore: score,
		TotalReviews: len(reviews),
	}
	for _, rv := range reviews {
		if rv.Critical {
			b.CriticalReviews++
		} else if rv.Positive {
			b.PositiveReviews++
		} else {
			b.NegativeReviews++
		}
		if rv.Human {
			b.HumanReviews++
		} else {
			b.MachineReviews++
		}
	}
	ready := l.readyScore()
	b.CanAdvance = score >= ready
	if score < ready {
		b.PointsToAdvance = ready - score
	}
	return b, nil
}

// ShouldAdvance reports whether the score cleared the legacy global
// threshold.
//
// Deprecated: use the stage machine's CanAdvance, which checks the current
// stage's own threshold and requirements.
func (l Ledger) ShouldAdvance(ctx context.Context, projectID string) (bool, error) {
	score, err := l.Repo.GetScore(ctx, projectID)
	if err != nil {
		return false, err
	}
	return score >= l.readyScore(), nil
}

func (l Ledger) readyScore() float64 {
	if l.Weights.ReadyScore > 0 {
		return l.Weights.ReadyScore
	}
	return ReadyScore
}
