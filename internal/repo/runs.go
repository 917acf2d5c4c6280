package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"sitewarden/internal/domain"
)

func (r Repo) InsertActionRun(ctx context.Context, tx *sql.Tx, run domain.ActionRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_runs(id,anomaly_id,website_id,action_code,status,plan_json,started_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.AnomalyID, run.WebsiteID, run.ActionCode, run.Status, marshalStrings(run.Plan), run.StartedAt)
	return err
}

// CompleteActionRun records the terminal state. A run already completed or
// failed is never transitioned again.
func (r Repo) CompleteActionRun(ctx context.Context, tx *sql.Tx, run domain.ActionRun) error {
	var outputJSON any
	if run.Output != nil {
		b, err := json.Marshal(run.Output)
		if err != nil {
			return err
		}
		outputJSON = string(b)
	}
	res, err := tx.ExecContext(ctx, `UPDATE action_runs SET status=?, output_json=?, completed_at=?, error_text=? WHERE id=? AND status='running'`,
		run.Status, outputJSON, nullableStringPtr(run.CompletedAt), nullableStringPtr(run.ErrorText), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActionRun(ctx context.Context, id string) (domain.ActionRun, error) {
	var run domain.ActionRun
	var plan, output, completedAt, errorText sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,anomaly_id,website_id,action_code,status,plan_json,output_json,started_at,completed_at,error_text
FROM action_runs WHERE id=?`, id).
		Scan(&run.ID, &run.AnomalyID, &run.WebsiteID, &run.ActionCode, &run.Status, &plan, &output, &run.StartedAt, &completedAt, &errorText)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Plan = unmarshalStrings(plan)
	if output.Valid && output.String != "" {
		var out domain.ActionOutput
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return run, err
		}
		run.Output = &out
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	if errorText.Valid {
		run.ErrorText = &errorText.String
	}
	return run, nil
}

type ActionRunFilters struct {
	WebsiteID string
	Status    string
	Limit     int
}

func (r Repo) ListActionRuns(ctx context.Context, f ActionRunFilters) ([]domain.ActionRun, error) {
	var clauses []string
	var args []any
	if f.WebsiteID != "" {
		clauses = append(clauses, "website_id=?")
		args = append(args, f.WebsiteID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,anomaly_id,website_id,action_code,status,started_at,completed_at FROM action_runs ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRun
	for rows.Next() {
		var run domain.ActionRun
		var completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.AnomalyID, &run.WebsiteID, &run.ActionCode, &run.Status, &run.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) CountActionRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM action_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
