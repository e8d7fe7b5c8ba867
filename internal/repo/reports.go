package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"paperline/internal/domain"
)

// Report kinds stored in the report log.
const (
	ReportKindValidation = "validation"
	ReportKindScenario   = "scenario"
)

// SaveReport persists a report payload. seq orders reports within a project
// so the latest one can be queried back without relying on symlinks or
// wall-clock ties.
func (r Repo) SaveReport(ctx context.Context, id, projectID, kind, overall string, payload any, createdAt string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM reports WHERE project_id=? AND kind=?`, projectID, kind).Scan(&seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO reports(id,project_id,kind,overall,payload_json,created_at,seq) VALUES (?,?,?,?,?,?,?)`,
		id, projectID, kind, overall, string(data), createdAt, seq.Int64+1); err != nil {
		return err
	}
	return tx.Commit()
}

// LatestReport unmarshals the most recent report of a kind into out.
func (r Repo) LatestReport(ctx context.Context, projectID, kind string, out any) error {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM reports WHERE project_id=? AND kind=? ORDER BY seq DESC LIMIT 1`,
		projectID, kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func (r Repo) LatestEvents(ctx context.Context, n int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
