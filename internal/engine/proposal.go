package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// Fingerprint identifies what a proposal is about, independent of its
// content. Two proposals targeting the same thing share a fingerprint;
// case and whitespace runs do not count as differences.
func Fingerprint(websiteID, serviceKey, proposalType, target string) string {
	norm := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	h := sha256.Sum256([]byte(norm(websiteID) + "|" + norm(serviceKey) + "|" + norm(proposalType) + "|" + norm(target)))
	return hex.EncodeToString(h[:])
}

// ProposalInput carries the content of a proposed change.
type ProposalInput struct {
	WebsiteID        string
	ServiceKey       string
	Type             string
	Target           string
	RiskLevel        string
	Title            string
	Description      string
	Rationale        string
	Evidence         []string
	ChangePlan       []string
	VerificationPlan []string
	RollbackPlan     []string
	Blocking         bool
	Tags             []string
}

func (in ProposalInput) validate() error {
	if in.WebsiteID == "" || in.ServiceKey == "" || in.Type == "" || in.Target == "" {
		return errors.New("website_id, service_key, type and target are required")
	}
	if in.Title == "" {
		return errors.New("title is required")
	}
	switch in.RiskLevel {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("invalid risk level %q", in.RiskLevel)
	}
	return nil
}

// CreateOrUpdateProposal upserts a proposal by fingerprint. An open proposal
// with the same fingerprint absorbs the new content instead of duplicating.
// Returns the proposal and whether a new row was created.
func (e Engine) CreateOrUpdateProposal(ctx context.Context, in ProposalInput, actorID string) (domain.ChangeProposal, bool, error) {
	if err := in.validate(); err != nil {
		return domain.ChangeProposal{}, false, err
	}
	if _, err := e.Repo.GetWebsite(ctx, in.WebsiteID); err != nil {
		return domain.ChangeProposal{}, false, err
	}
	fp := Fingerprint(in.WebsiteID, in.ServiceKey, in.Type, in.Target)
	actor := actorID
	if actor == "" {
		actor = "system"
	}

	p, isNew, err := e.upsertProposal(ctx, in, fp, actor)
	if err == nil {
		return p, isNew, nil
	}
	// Two writers can race past the lookup; the open-fingerprint unique
	// index rejects the loser, which retries as an update.
	if isUniqueConstraint(err) {
		return e.upsertProposal(ctx, in, fp, actor)
	}
	return domain.ChangeProposal{}, false, err
}

func (e Engine) upsertProposal(ctx context.Context, in ProposalInput, fp, actor string) (domain.ChangeProposal, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, false, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	existing, err := e.Repo.GetOpenProposalByFingerprint(ctx, tx, fp)
	switch {
	case err == nil:
		existing.RiskLevel = in.RiskLevel
		existing.Title = in.Title
		existing.Description = in.Description
		existing.Rationale = in.Rationale
		existing.Evidence = in.Evidence
		existing.ChangePlan = in.ChangePlan
		existing.VerificationPlan = in.VerificationPlan
		existing.RollbackPlan = in.RollbackPlan
		existing.Blocking = in.Blocking
		existing.Tags = in.Tags
		existing.UpdatedAt = now
		if err := e.Repo.UpdateProposalContent(ctx, tx, existing); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		if err := e.Repo.AppendProposalAction(ctx, tx, domain.ProposalAction{
			ProposalID: existing.ID, Actor: actor, Action: "updated", TS: now,
		}); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		return existing, false, nil
	case errors.Is(err, repo.ErrNotFound):
		p := domain.ChangeProposal{
			ID:               uuid.New().String(),
			Fingerprint:      fp,
			WebsiteID:        in.WebsiteID,
			ServiceKey:       in.ServiceKey,
			Type:             in.Type,
			Target:           in.Target,
			Status:           "open",
			RiskLevel:        in.RiskLevel,
			Title:            in.Title,
			Description:      in.Description,
			Rationale:        in.Rationale,
			Evidence:         in.Evidence,
			ChangePlan:       in.ChangePlan,
			VerificationPlan: in.VerificationPlan,
			RollbackPlan:     in.RollbackPlan,
			Blocking:         in.Blocking,
			Tags:             in.Tags,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		if err := e.Repo.AppendProposalAction(ctx, tx, domain.ProposalAction{
			ProposalID: p.ID, Actor: actor, Action: "opened", TS: now,
		}); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		if err := e.Events.Append(ctx, tx, "proposal.opened", p.WebsiteID, "proposal", p.ID, actor, events.EventPayload{
			"type": p.Type, "target": p.Target, "risk_level": p.RiskLevel,
		}); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ChangeProposal{}, false, err
		}
		return p, true, nil
	default:
		return domain.ChangeProposal{}, false, err
	}
}

var proposalTransitions = map[string][]string{
	"open":     {"approved", "rejected", "superseded"},
	"approved": {"applied", "superseded"},
}

func transitionAllowed(from, to string) bool {
	for _, s := range proposalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionProposal moves a proposal through its lifecycle and records who
// did it and why in the append-only action trail.
func (e Engine) TransitionProposal(ctx context.Context, proposalID, newStatus, actorID, reason string) (domain.ChangeProposal, error) {
	if actorID == "" {
		return domain.ChangeProposal{}, errors.New("actor is required")
	}
	switch newStatus {
	case "approved", "rejected", "applied", "superseded":
	default:
		return domain.ChangeProposal{}, fmt.Errorf("invalid proposal status %q", newStatus)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.ChangeProposal{}, err
	}
	if !transitionAllowed(p.Status, newStatus) {
		return domain.ChangeProposal{}, fmt.Errorf("cannot transition proposal from %s to %s", p.Status, newStatus)
	}
	now := e.nowRFC()
	if err := e.Repo.UpdateProposalStatus(ctx, tx, p.ID, newStatus, now); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := e.Repo.AppendProposalAction(ctx, tx, domain.ProposalAction{
		ProposalID: p.ID, Actor: actorID, Action: newStatus, Reason: reason, TS: now,
	}); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := e.Events.Append(ctx, tx, "proposal."+newStatus, p.WebsiteID, "proposal", p.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.ChangeProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChangeProposal{}, err
	}
	p.Status = newStatus
	p.UpdatedAt = now
	return p, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
