package engine

import (
	"context"
	"errors"
	"fmt"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// EligibilityResult is the verdict of the eligibility gate. It carries enough
// context for the caller to either execute or open a proposal.
type EligibilityResult struct {
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason"`
	CurrentTrustLevel  int     `json:"current_trust_level"`
	RequiredTrustLevel int     `json:"required_trust_level"`
	Confidence         float64 `json:"confidence"`
	RiskLevel          string  `json:"risk_level,omitempty"`
}

// CanAutoExecute decides whether an action may run unattended on a website.
// It is a pure read: checks short-circuit in a fixed order and no state is
// mutated. Callers act on the verdict.
func (e Engine) CanAutoExecute(ctx context.Context, websiteID, actionCode, actionCategory string) (EligibilityResult, error) {
	record, err := e.Repo.GetTrustRecord(ctx, websiteID, actionCategory)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return EligibilityResult{
				Allowed:           false,
				Reason:            fmt.Sprintf("no trust record for website %s category %s", websiteID, actionCategory),
				CurrentTrustLevel: domain.TrustObserve,
			}, nil
		}
		return EligibilityResult{}, err
	}

	profile, err := e.Repo.GetRiskProfile(ctx, actionCode)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return EligibilityResult{
				Allowed:           false,
				Reason:            fmt.Sprintf("action %s not found in risk registry", actionCode),
				CurrentTrustLevel: record.TrustLevel,
				Confidence:        record.Confidence,
			}, nil
		}
		return EligibilityResult{}, err
	}

	result := EligibilityResult{
		CurrentTrustLevel:  record.TrustLevel,
		RequiredTrustLevel: profile.MinTrustLevel,
		Confidence:         record.Confidence,
		RiskLevel:          profile.RiskLevel,
	}

	if profile.RequiresApproval {
		result.Reason = fmt.Sprintf("action %s requires manual approval", actionCode)
		return result, nil
	}
	if record.TrustLevel < profile.MinTrustLevel {
		result.Reason = fmt.Sprintf("trust level %d below required %d", record.TrustLevel, profile.MinTrustLevel)
		return result, nil
	}
	if record.TrustLevel >= domain.TrustAutonomous && record.Confidence < e.Config.Trust.ConfidenceFloor {
		result.Reason = fmt.Sprintf("confidence %.0f below threshold %.0f for autonomous execution", record.Confidence, e.Config.Trust.ConfidenceFloor)
		return result, nil
	}
	// Timestamp comparison makes this breaker self-healing: one new success
	// moves last_success_at past last_failure_at and clears it.
	if recentFailure(record) {
		result.Reason = "recent failure - temporarily downgraded"
		return result, nil
	}

	result.Allowed = true
	result.Reason = "auto-execution permitted"
	return result, nil
}

func recentFailure(t domain.TrustRecord) bool {
	if t.LastFailureAt == nil {
		return false
	}
	if t.LastSuccessAt == nil {
		return true
	}
	return *t.LastFailureAt > *t.LastSuccessAt
}

// RecordActionOutcome feeds one executed action's result back into the trust
// ledger, applying the auto-downgrade rule inside the same transaction.
func (e Engine) RecordActionOutcome(ctx context.Context, websiteID, actionCategory string, success bool, actorID string) (domain.TrustRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	defer tx.Rollback()

	record, err := e.Repo.GetTrustRecordTx(ctx, tx, websiteID, actionCategory)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	now := e.nowRFC()
	if success {
		record.SuccessCount++
		record.LastSuccessAt = &now
	} else {
		record.FailureCount++
		record.LastFailureAt = &now
	}
	record.Confidence = clamp(confidenceFor(record), 0, 100)

	downgraded := false
	total := record.SuccessCount + record.FailureCount
	if total >= e.Config.Trust.DowngradeMinActions {
		rate := float64(record.SuccessCount) / float64(total)
		if rate < e.Config.Trust.DowngradeBelowRate && record.TrustLevel > domain.TrustObserve {
			record.TrustLevel--
			downgraded = true
		}
	}
	record.UpdatedAt = now

	if err := e.Repo.UpdateTrustRecord(ctx, tx, record); err != nil {
		return domain.TrustRecord{}, err
	}
	payload := events.EventPayload{"success": success, "trust_level": record.TrustLevel, "confidence": record.Confidence}
	if downgraded {
		payload["downgraded"] = true
	}
	if err := e.Events.Append(ctx, tx, "trust.outcome.recorded", websiteID, "trust_record", actionCategory, actorID, payload); err != nil {
		return domain.TrustRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TrustRecord{}, err
	}
	return record, nil
}

// confidenceFor derives confidence from the outcome history: the success rate
// scaled to 0-100, shrunk toward 50 while the sample is small.
func confidenceFor(t domain.TrustRecord) float64 {
	total := t.SuccessCount + t.FailureCount
	if total == 0 {
		return 50
	}
	rate := float64(t.SuccessCount) / float64(total)
	weight := float64(total) / float64(total+5)
	return (rate*weight + 0.5*(1-weight)) * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UpgradeEligible reports whether a record qualifies for promotion. Advisory
// only; promotion itself requires UpgradeTrust.
func (e Engine) UpgradeEligible(t domain.TrustRecord) bool {
	total := t.SuccessCount + t.FailureCount
	if t.SuccessCount < e.Config.Trust.UpgradeMinSuccesses || total == 0 {
		return false
	}
	return float64(t.SuccessCount)/float64(total) >= e.Config.Trust.UpgradeMinRate
}

// UpgradeTrust raises the trust level by one. It refuses when the record does
// not meet the upgrade criteria or is already autonomous.
func (e Engine) UpgradeTrust(ctx context.Context, websiteID, actionCategory, actorID string) (domain.TrustRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	defer tx.Rollback()

	record, err := e.Repo.GetTrustRecordTx(ctx, tx, websiteID, actionCategory)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	if !e.UpgradeEligible(record) {
		return record, fmt.Errorf("trust record not eligible for upgrade (successes=%d, failures=%d)", record.SuccessCount, record.FailureCount)
	}
	if record.TrustLevel >= domain.TrustAutonomous {
		return record, errors.New("already at autonomous trust level")
	}
	now := e.nowRFC()
	record.TrustLevel++
	record.LastReviewedAt = &now
	record.UpdatedAt = now
	if err := e.Repo.UpdateTrustRecord(ctx, tx, record); err != nil {
		return domain.TrustRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "trust.upgraded", websiteID, "trust_record", actionCategory, actorID, events.EventPayload{
		"trust_level": record.TrustLevel,
	}); err != nil {
		return domain.TrustRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TrustRecord{}, err
	}
	return record, nil
}

// SetTrustLevel is the manual override path. Out-of-range levels are rejected
// before any write.
func (e Engine) SetTrustLevel(ctx context.Context, websiteID, actionCategory string, level int, actorID, reason string) (domain.TrustRecord, error) {
	if level < domain.TrustObserve || level > domain.TrustAutonomous {
		return domain.TrustRecord{}, fmt.Errorf("trust level %d out of range", level)
	}
	if actorID == "" {
		return domain.TrustRecord{}, errors.New("actor required for manual trust override")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	defer tx.Rollback()

	record, err := e.Repo.GetTrustRecordTx(ctx, tx, websiteID, actionCategory)
	if err != nil {
		return domain.TrustRecord{}, err
	}
	now := e.nowRFC()
	record.TrustLevel = level
	record.LastReviewedAt = &now
	record.UpdatedAt = now
	if err := e.Repo.UpdateTrustRecord(ctx, tx, record); err != nil {
		return domain.TrustRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "trust.override", websiteID, "trust_record", actionCategory, actorID, events.EventPayload{
		"trust_level": level,
		"reason":      reason,
	}); err != nil {
		return domain.TrustRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TrustRecord{}, err
	}
	return record, nil
}
