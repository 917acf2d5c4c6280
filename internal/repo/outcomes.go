package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"sitewarden/internal/domain"
)

func (r Repo) InsertOutcomeEvent(ctx context.Context, tx *sql.Tx, e domain.OutcomeEvent) error {
	var contextJSON any
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		contextJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO outcome_events(id,site_id,metric_key,old_value,new_value,delta,pct_change,severity,event_type,window,context_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SiteID, e.MetricKey, e.OldValue, e.NewValue, e.Delta, e.PctChange, e.Severity, e.EventType, e.Window, contextJSON, e.CreatedAt)
	return err
}

func (r Repo) ListOutcomeEvents(ctx context.Context, siteID string, limit int) ([]domain.OutcomeEvent, error) {
	query := `SELECT id,site_id,metric_key,old_value,new_value,delta,pct_change,severity,event_type,window,context_json,created_at
FROM outcome_events`
	var args []any
	if siteID != "" {
		query += ` WHERE site_id=?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeEvent
	for rows.Next() {
		var e domain.OutcomeEvent
		var contextJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SiteID, &e.MetricKey, &e.OldValue, &e.NewValue, &e.Delta, &e.PctChange,
			&e.Severity, &e.EventType, &e.Window, &contextJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &e.Context)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanKnowledge(scan func(dest ...any) error) (domain.KnowledgeEntry, error) {
	var k domain.KnowledgeEntry
	var recommended, avoid, guardrail, evidence, tags sql.NullString
	err := scan(&k.ID, &k.SourceEventID, &k.Status, &k.Confidence, &recommended, &avoid, &guardrail, &evidence, &tags, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if recommended.Valid {
		k.RecommendedAction = recommended.String
	}
	if avoid.Valid {
		k.AvoidAction = avoid.String
	}
	if guardrail.Valid {
		k.Guardrail = guardrail.String
	}
	if evidence.Valid && evidence.String != "" {
		_ = json.Unmarshal([]byte(evidence.String), &k.Evidence)
	}
	k.Tags = unmarshalStrings(tags)
	return k, nil
}

const knowledgeColumns = `id,source_event_id,status,confidence,recommended_action,avoid_action,guardrail,evidence_json,tags_json,created_at,updated_at`

func (r Repo) InsertKnowledgeEntry(ctx context.Context, tx *sql.Tx, k domain.KnowledgeEntry) error {
	evidence, err := json.Marshal(k.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO knowledge_entries(`+knowledgeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		k.ID, k.SourceEventID, k.Status, k.Confidence, nullable(k.RecommendedAction), nullable(k.AvoidAction), nullable(k.Guardrail),
		string(evidence), marshalStrings(k.Tags), k.CreatedAt, k.UpdatedAt)
	return err
}

func (r Repo) UpdateKnowledgeEntry(ctx context.Context, tx *sql.Tx, k domain.KnowledgeEntry) error {
	evidence, err := json.Marshal(k.Evidence)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE knowledge_entries SET status=?, confidence=?, evidence_json=?, updated_at=? WHERE id=?`,
		k.Status, k.Confidence, string(evidence), k.UpdatedAt, k.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetKnowledgeBySourceEvent(ctx context.Context, tx *sql.Tx, sourceEventID string) (domain.KnowledgeEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_entries WHERE source_event_id=?`, sourceEventID)
	return scanKnowledge(row.Scan)
}

func (r Repo) ListKnowledgeEntries(ctx context.Context, status string, limit int) ([]domain.KnowledgeEntry, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM knowledge_entries`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeEntry
	for rows.Next() {
		k, err := scanKnowledge(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) UpsertMetricSnapshot(ctx context.Context, s domain.MetricSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO metric_snapshots(site_id,window,metric_key,value,captured_at) VALUES (?,?,?,?,?)
ON CONFLICT(site_id,window,metric_key) DO UPDATE SET value=excluded.value, captured_at=excluded.captured_at`,
		s.SiteID, s.Window, s.MetricKey, s.Value, s.CapturedAt)
	return err
}

// MetricWindow returns the snapshot values for one (site, window) as a map.
func (r Repo) MetricWindow(ctx context.Context, siteID, window string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT metric_key,value FROM metric_snapshots WHERE site_id=? AND window=?`, siteID, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		res[key] = value
	}
	return res, rows.Err()
}
