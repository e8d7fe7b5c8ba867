package repo

import (
	"context"
	"database/sql"

	"paperline/internal/domain"
)

// NextReviewSeq returns the per-project review sequence number. seq is the
// append order of reviews, independent of wall-clock timestamps.
func (r Repo) NextReviewSeq(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM reviews WHERE project_id=?`, projectID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review, seq int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,reviewer_id,positive,human,critical,comment,ts,seq)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.ProjectID, rv.ReviewerID, boolInt(rv.Positive), boolInt(rv.Human), boolInt(rv.Critical),
		nullable(rv.Comment), rv.TS, seq)
	return err
}

func (r Repo) ListReviews(ctx context.Context, projectID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,reviewer_id,positive,human,critical,COALESCE(comment,''),ts
FROM reviews WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		var positive, human, critical int
		if err := rows.Scan(&rv.ID, &rv.ProjectID, &rv.ReviewerID, &positive, &human, &critical, &rv.Comment, &rv.TS); err != nil {
			return nil, err
		}
		rv.Positive = positive != 0
		rv.Human = human != 0
		rv.Critical = critical != 0
		res = append(res, rv)
	}
	return res, rows.Err()
}

// GetScore returns the running score, 0 for unknown projects.
func (r Repo) GetScore(ctx context.Context, projectID string) (float64, error) {
	var score float64
	err := r.DB.QueryRowContext(ctx, `SELECT score FROM score_state WHERE project_id=?`, projectID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return score, err
}

func (r Repo) GetScoreTx(ctx context.Context, tx *sql.Tx, projectID string) (float64, error) {
	var score float64
	err := tx.QueryRowContext(ctx, `SELECT score FROM score_state WHERE project_id=?`, projectID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return score, err
}

// SetScoreTx upserts the running score. Only the ledger and stage machine
// call this; everything else reads.
func (r Repo) SetScoreTx(ctx context.Context, tx *sql.Tx, projectID string, score float64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO score_state(project_id,score) VALUES (?,?)
ON CONFLICT(project_id) DO UPDATE SET score=excluded.score`, projectID, score)
	return err
}

func (r Repo) InsertScoreHistory(ctx context.Context, tx *sql.Tx, e domain.ScoreHistoryEntry) error {
	var reviewID any
	if e.ReviewID != nil {
		reviewID = *e.ReviewID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO score_history(project_id,ts,old_score,new_score,cause,review_id,reason)
VALUES (?,?,?,?,?,?,?)`,
		e.ProjectID, e.TS, e.OldScore, e.NewScore, e.Cause, reviewID, nullable(e.Reason))
	return err
}

func (r Repo) ListScoreHistory(ctx context.Context, projectID string) ([]domain.ScoreHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,ts,old_score,new_score,cause,review_id,COALESCE(reason,'')
FROM score_history WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreHistoryEntry
	for rows.Next() {
		var e domain.ScoreHistoryEntry
		var reviewID sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TS, &e.OldScore, &e.NewScore, &e.Cause, &reviewID, &e.Reason); err != nil {
			return nil, err
		}
		if reviewID.Valid {
			v := reviewID.String
			e.ReviewID = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
