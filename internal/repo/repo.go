package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitewarden/internal/config"
	"sitewarden/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWebsite(ctx context.Context, tx *sql.Tx, w domain.Website) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO websites(id,base_url,status,created_at) VALUES (?,?,?,?)`,
		w.ID, w.BaseURL, w.Status, w.CreatedAt)
	return err
}

func (r Repo) GetWebsite(ctx context.Context, id string) (domain.Website, error) {
	var w domain.Website
	err := r.DB.QueryRowContext(ctx, `SELECT id,base_url,status,created_at FROM websites WHERE id=?`, id).
		Scan(&w.ID, &w.BaseURL, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWebsites(ctx context.Context) ([]domain.Website, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,base_url,status,created_at FROM websites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Website
	for rows.Next() {
		var w domain.Website
		if err := rows.Scan(&w.ID, &w.BaseURL, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWebsiteStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE websites SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrustRecord(scan func(dest ...any) error) (domain.TrustRecord, error) {
	var t domain.TrustRecord
	var lastSuccess, lastFailure, lastReviewed sql.NullString
	err := scan(&t.WebsiteID, &t.ActionCategory, &t.TrustLevel, &t.Confidence,
		&t.SuccessCount, &t.FailureCount, &lastSuccess, &lastFailure, &lastReviewed, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lastSuccess.Valid {
		t.LastSuccessAt = &lastSuccess.String
	}
	if lastFailure.Valid {
		t.LastFailureAt = &lastFailure.String
	}
	if lastReviewed.Valid {
		t.LastReviewedAt = &lastReviewed.String
	}
	return t, nil
}

const trustColumns = `website_id,action_category,trust_level,confidence,success_count,failure_count,last_success_at,last_failure_at,last_reviewed_at,updated_at`

func (r Repo) GetTrustRecord(ctx context.Context, websiteID, category string) (domain.TrustRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+trustColumns+` FROM trust_records WHERE website_id=? AND action_category=?`, websiteID, category)
	return scanTrustRecord(row.Scan)
}

func (r Repo) GetTrustRecordTx(ctx context.Context, tx *sql.Tx, websiteID, category string) (domain.TrustRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+trustColumns+` FROM trust_records WHERE website_id=? AND action_category=?`, websiteID, category)
	return scanTrustRecord(row.Scan)
}

func (r Repo) ListTrustRecords(ctx context.Context, websiteID string) ([]domain.TrustRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+trustColumns+` FROM trust_records WHERE website_id=? ORDER BY action_category`, websiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrustRecord
	for rows.Next() {
		t, err := scanTrustRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTrustRecord(ctx context.Context, tx *sql.Tx, t domain.TrustRecord) error {
	if err := validateTrustRecord(t); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO trust_records(`+trustColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.WebsiteID, t.ActionCategory, t.TrustLevel, t.Confidence, t.SuccessCount, t.FailureCount,
		nullableStringPtr(t.LastSuccessAt), nullableStringPtr(t.LastFailureAt), nullableStringPtr(t.LastReviewedAt), t.UpdatedAt)
	return err
}

func (r Repo) UpdateTrustRecord(ctx context.Context, tx *sql.Tx, t domain.TrustRecord) error {
	if err := validateTrustRecord(t); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE trust_records SET trust_level=?, confidence=?, success_count=?, failure_count=?,
last_success_at=?, last_failure_at=?, last_reviewed_at=?, updated_at=? WHERE website_id=? AND action_category=?`,
		t.TrustLevel, t.Confidence, t.SuccessCount, t.FailureCount,
		nullableStringPtr(t.LastSuccessAt), nullableStringPtr(t.LastFailureAt), nullableStringPtr(t.LastReviewedAt),
		t.UpdatedAt, t.WebsiteID, t.ActionCategory)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func validateTrustRecord(t domain.TrustRecord) error {
	if t.TrustLevel < domain.TrustObserve || t.TrustLevel > domain.TrustAutonomous {
		return fmt.Errorf("trust level %d out of range", t.TrustLevel)
	}
	if t.Confidence < 0 || t.Confidence > 100 {
		return fmt.Errorf("confidence %.1f out of range", t.Confidence)
	}
	if t.SuccessCount < 0 || t.FailureCount < 0 {
		return fmt.Errorf("negative outcome counts")
	}
	return nil
}

func (r Repo) GetRiskProfile(ctx context.Context, actionCode string) (domain.RiskProfile, error) {
	var p domain.RiskProfile
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT action_code,action_category,risk_level,blast_radius,rollback_possible,min_trust_level,requires_approval,description
FROM risk_profiles WHERE action_code=?`, actionCode).
		Scan(&p.ActionCode, &p.ActionCategory, &p.RiskLevel, &p.BlastRadius, &p.RollbackPossible, &p.MinTrustLevel, &p.RequiresApproval, &desc)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListRiskProfiles(ctx context.Context) ([]domain.RiskProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action_code,action_category,risk_level,blast_radius,rollback_possible,min_trust_level,requires_approval,COALESCE(description,'')
FROM risk_profiles ORDER BY action_category, action_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskProfile
	for rows.Next() {
		var p domain.RiskProfile
		if err := rows.Scan(&p.ActionCode, &p.ActionCategory, &p.RiskLevel, &p.BlastRadius, &p.RollbackPossible, &p.MinTrustLevel, &p.RequiresApproval, &p.Description); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SeedRiskProfiles replaces the catalog wholesale; the catalog is versioned by
// redeploy, not by runtime writes.
func (r Repo) SeedRiskProfiles(ctx context.Context, tx *sql.Tx, profiles []domain.RiskProfile) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_profiles`); err != nil {
		return err
	}
	for _, p := range profiles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO risk_profiles(action_code,action_category,risk_level,blast_radius,rollback_possible,min_trust_level,requires_approval,description)
VALUES (?,?,?,?,?,?,?,?)`,
			p.ActionCode, p.ActionCategory, p.RiskLevel, p.BlastRadius, p.RollbackPossible, p.MinTrustLevel, p.RequiresApproval, nullable(p.Description)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertFleetConfig(ctx context.Context, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, r.DB, nil, fleetID, cfg)
}

func (r Repo) UpsertFleetConfigTx(ctx context.Context, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, nil, tx, fleetID, cfg)
}

func upsertFleetConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Fleet.ID = fleetID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO fleet_configs(fleet_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(fleet_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, fleetID, string(payload), now, now)
	return err
}

func (r Repo) GetFleetConfig(ctx context.Context, fleetID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM fleet_configs WHERE fleet_id=?`, fleetID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Fleet.ID == "" {
		cfg.Fleet.ID = fleetID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, websiteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, websiteID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, websiteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if websiteID != "" {
		clauses = append(clauses, "website_id=?")
		args = append(args, websiteID)
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
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,website_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, websiteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if websiteID != "" {
		clauses = append(clauses, "website_id=?")
		args = append(args, websiteID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,website_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var websiteID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &websiteID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if websiteID.Valid {
			e.WebsiteID = websiteID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a website.
func (r Repo) LatestEventID(ctx context.Context, websiteID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if websiteID != "" {
		query += ` WHERE website_id=?`
		args = append(args, websiteID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
}
