package repo

import (
	"context"
	"database/sql"

	"sitewarden/internal/domain"
)

func (r Repo) GetSafetyState(ctx context.Context) (domain.SafetyState, error) {
	var s domain.SafetyState
	var reason, triggeredBy, activatedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT kill_switch_active,kill_switch_reason,kill_switch_triggered_by,kill_switch_activated_at,system_mode,updated_at
FROM safety_state WHERE id=1`).
		Scan(&s.KillSwitchActive, &reason, &triggeredBy, &activatedAt, &s.SystemMode, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if reason.Valid {
		s.KillSwitchReason = reason.String
	}
	if triggeredBy.Valid {
		s.KillSwitchTriggeredBy = triggeredBy.String
	}
	if activatedAt.Valid {
		s.KillSwitchActivatedAt = &activatedAt.String
	}
	s.DisabledServices, err = r.listSet(ctx, `SELECT name FROM disabled_services ORDER BY name`)
	if err != nil {
		return s, err
	}
	s.PausedWebsites, err = r.listSet(ctx, `SELECT website_id FROM paused_websites ORDER BY website_id`)
	if err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) listSet(ctx context.Context, query string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) SetKillSwitch(ctx context.Context, tx *sql.Tx, active bool, reason, triggeredBy, at string) error {
	if active {
		_, err := tx.ExecContext(ctx, `UPDATE safety_state SET kill_switch_active=1, kill_switch_reason=?, kill_switch_triggered_by=?, kill_switch_activated_at=?, updated_at=? WHERE id=1`,
			reason, triggeredBy, at, at)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE safety_state SET kill_switch_active=0, kill_switch_reason=NULL, kill_switch_triggered_by=NULL, kill_switch_activated_at=NULL, updated_at=? WHERE id=1`, at)
	return err
}

func (r Repo) SetSystemMode(ctx context.Context, tx *sql.Tx, mode, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE safety_state SET system_mode=?, updated_at=? WHERE id=1`, mode, at)
	return err
}

func (r Repo) DisableService(ctx context.Context, tx *sql.Tx, name, reason, triggeredBy, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disabled_services(name,reason,triggered_by,ts) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET reason=excluded.reason, triggered_by=excluded.triggered_by, ts=excluded.ts`,
		name, reason, triggeredBy, at)
	return err
}

func (r Repo) EnableService(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM disabled_services WHERE name=?`, name)
	return err
}

func (r Repo) IsServiceDisabled(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM disabled_services WHERE name=?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) PauseWebsite(ctx context.Context, tx *sql.Tx, websiteID, reason, triggeredBy, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO paused_websites(website_id,reason,triggered_by,ts) VALUES (?,?,?,?)
ON CONFLICT(website_id) DO UPDATE SET reason=excluded.reason, triggered_by=excluded.triggered_by, ts=excluded.ts`,
		websiteID, reason, triggeredBy, at)
	return err
}

func (r Repo) ResumeWebsite(ctx context.Context, tx *sql.Tx, websiteID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM paused_websites WHERE website_id=?`, websiteID)
	return err
}

func (r Repo) IsWebsitePaused(ctx context.Context, websiteID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM paused_websites WHERE website_id=?`, websiteID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UpsertJobLock(ctx context.Context, tx *sql.Tx, lock domain.JobLock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_locks(job_id,owner,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lock.JobID, lock.Owner, lock.AcquiredAt, lock.ExpiresAt)
	return err
}

func (r Repo) DeleteJobLock(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM job_locks WHERE job_id=?`, jobID)
	return err
}

func (r Repo) GetJobLock(ctx context.Context, jobID string) (domain.JobLock, error) {
	var l domain.JobLock
	err := r.DB.QueryRowContext(ctx, `SELECT job_id,owner,acquired_at,expires_at FROM job_locks WHERE job_id=?`, jobID).
		Scan(&l.JobID, &l.Owner, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetJobLockTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.JobLock, error) {
	var l domain.JobLock
	err := tx.QueryRowContext(ctx, `SELECT job_id,owner,acquired_at,expires_at FROM job_locks WHERE job_id=?`, jobID).
		Scan(&l.JobID, &l.Owner, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// DeleteExpiredJobLocks removes leases whose expiry is before the cutoff and
// returns how many were swept.
func (r Repo) DeleteExpiredJobLocks(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM job_locks WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
