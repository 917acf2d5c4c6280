package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// ErrLockHeld means another owner holds a live lease on the job.
var ErrLockHeld = errors.New("job lock held")

// ClaimJobLock takes a lease on jobID for the configured TTL. An expired
// lease is reclaimed in place; a live lease held by someone else refuses.
func (e Engine) ClaimJobLock(ctx context.Context, jobID, owner string) (domain.JobLock, error) {
	if jobID == "" || owner == "" {
		return domain.JobLock{}, errors.New("job_id and owner are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobLock{}, err
	}
	defer tx.Rollback()

	now := e.now()
	existing, err := e.Repo.GetJobLockTx(ctx, tx, jobID)
	switch {
	case err == nil:
		expires, perr := time.Parse(time.RFC3339, existing.ExpiresAt)
		if perr == nil && expires.After(now) && existing.Owner != owner {
			return domain.JobLock{}, fmt.Errorf("%w: %s owned by %s until %s", ErrLockHeld, jobID, existing.Owner, existing.ExpiresAt)
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.JobLock{}, err
	}

	ttl := time.Duration(e.Config.Locks.TTLSeconds) * time.Second
	lock := domain.JobLock{
		JobID:      jobID,
		Owner:      owner,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	if err := e.Repo.UpsertJobLock(ctx, tx, lock); err != nil {
		return domain.JobLock{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobLock{}, err
	}
	return lock, nil
}

// ReleaseJobLock drops the lease. Only the owner may release early.
func (e Engine) ReleaseJobLock(ctx context.Context, jobID, owner string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetJobLockTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("lock %s is owned by %s, not %s", jobID, existing.Owner, owner)
	}
	if err := e.Repo.DeleteJobLock(ctx, tx, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetJobLockStatus(ctx context.Context, jobID string) (domain.JobLock, bool, error) {
	lock, err := e.Repo.GetJobLock(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.JobLock{}, false, nil
	}
	if err != nil {
		return domain.JobLock{}, false, err
	}
	expires, perr := time.Parse(time.RFC3339, lock.ExpiresAt)
	held := perr == nil && expires.After(e.now())
	return lock, held, nil
}

// RecoverExpiredLocks sweeps leases whose TTL has lapsed, typically after a
// crashed worker. Returns how many were reclaimed.
func (e Engine) RecoverExpiredLocks(ctx context.Context, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := e.nowRFC()
	n, err := e.Repo.DeleteExpiredJobLocks(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, "locks.recovered", "", "job_lock", "", actorID, events.EventPayload{
			"reclaimed": n,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
