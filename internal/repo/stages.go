package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"paperline/internal/domain"
)

// GetStage returns the project's current stage, defaulting to backlog for
// projects that never transitioned.
func (r Repo) GetStage(ctx context.Context, projectID string) (domain.Stage, error) {
	var stage string
	err := r.DB.QueryRowContext(ctx, `SELECT stage FROM project_stages WHERE project_id=?`, projectID).Scan(&stage)
	if err == sql.ErrNoRows {
		return domain.StageBacklog, nil
	}
	if err != nil {
		return "", err
	}
	return domain.Stage(stage), nil
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Stage, error) {
	var stage string
	err := tx.QueryRowContext(ctx, `SELECT stage FROM project_stages WHERE project_id=?`, projectID).Scan(&stage)
	if err == sql.ErrNoRows {
		return domain.StageBacklog, nil
	}
	if err != nil {
		return "", err
	}
	return domain.Stage(stage), nil
}

func (r Repo) SetStageTx(ctx context.Context, tx *sql.Tx, projectID string, stage domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_stages(project_id,stage) VALUES (?,?)
ON CONFLICT(project_id) DO UPDATE SET stage=excluded.stage`, projectID, string(stage))
	return err
}

// NextTransitionSeq returns the append position for a project's next
// transition. Like review seqs, it keys identity on order, not wall time.
func (r Repo) NextTransitionSeq(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_transitions WHERE project_id=?`, projectID).Scan(&n)
	return n + 1, err
}

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, rec domain.StageTransitionRecord) error {
	reqJSON, err := json.Marshal(rec.Requirements)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_transitions(id,project_id,from_stage,to_stage,requirements_json,ts,manual,reason)
VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, string(rec.FromStage), string(rec.ToStage), string(reqJSON), rec.TS, boolInt(rec.Manual), nullable(rec.Reason))
	return err
}

func (r Repo) ListTransitions(ctx context.Context, projectID string) ([]domain.StageTransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,from_stage,to_stage,requirements_json,ts,manual,COALESCE(reason,'')
FROM stage_transitions WHERE project_id=? ORDER BY ts ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransitionRecord
	for rows.Next() {
		var rec domain.StageTransitionRecord
		var from, to, reqJSON string
		var manual int
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &from, &to, &reqJSON, &rec.TS, &manual, &rec.Reason); err != nil {
			return nil, err
		}
		rec.FromStage = domain.Stage(from)
		rec.ToStage = domain.Stage(to)
		rec.Manual = manual != 0
		if reqJSON != "" {
			_ = json.Unmarshal([]byte(reqJSON), &rec.Requirements)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
