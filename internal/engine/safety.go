package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
)

const minReasonLength = 10

// SafetyCheckInput scopes a safety check. Zero fields skip the corresponding
// checks, so a read-only enrichment pass sets RequiresChanges=false and still
// runs during maintenance.
type SafetyCheckInput struct {
	ServiceName     string
	WebsiteID       string
	RequiresChanges bool
}

type SafetyCheckResult struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

func validateSafetyCommand(triggeredBy, reason string, reasonRequired bool) error {
	if strings.TrimSpace(triggeredBy) == "" {
		return errors.New("triggered_by identity required")
	}
	if reasonRequired && len(strings.TrimSpace(reason)) < minReasonLength {
		return fmt.Errorf("reason of at least %d characters required", minReasonLength)
	}
	return nil
}

func (e Engine) ActivateKillSwitch(ctx context.Context, reason, triggeredBy string) error {
	if err := validateSafetyCommand(triggeredBy, reason, true); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Repo.SetKillSwitch(ctx, tx, true, reason, triggeredBy, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.killswitch.activated", "", "safety", "kill_switch", triggeredBy, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DeactivateKillSwitch(ctx context.Context, reason, triggeredBy string) error {
	if err := validateSafetyCommand(triggeredBy, reason, false); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetKillSwitch(ctx, tx, false, "", "", e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.killswitch.deactivated", "", "safety", "kill_switch", triggeredBy, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) SetSystemMode(ctx context.Context, mode, reason, triggeredBy string) error {
	switch mode {
	case "normal", "maintenance", "emergency":
	default:
		return fmt.Errorf("invalid system mode %s", mode)
	}
	reasonRequired := mode != "normal"
	if err := validateSafetyCommand(triggeredBy, reason, reasonRequired); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSystemMode(ctx, tx, mode, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.mode.changed", "", "safety", "system_mode", triggeredBy, events.EventPayload{
		"mode":   mode,
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DisableService(ctx context.Context, name, reason, triggeredBy string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("service name required")
	}
	if err := validateSafetyCommand(triggeredBy, reason, true); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DisableService(ctx, tx, name, reason, triggeredBy, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.service.disabled", "", "service", name, triggeredBy, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) EnableService(ctx context.Context, name, triggeredBy string) error {
	if err := validateSafetyCommand(triggeredBy, "", false); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnableService(ctx, tx, name); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.service.enabled", "", "service", name, triggeredBy, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) PauseWebsite(ctx context.Context, websiteID, reason, triggeredBy string) error {
	if err := validateSafetyCommand(triggeredBy, reason, true); err != nil {
		return err
	}
	if _, err := e.Repo.GetWebsite(ctx, websiteID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.PauseWebsite(ctx, tx, websiteID, reason, triggeredBy, e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.website.paused", websiteID, "website", websiteID, triggeredBy, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ResumeWebsite(ctx context.Context, websiteID, triggeredBy string) error {
	if err := validateSafetyCommand(triggeredBy, "", false); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ResumeWebsite(ctx, tx, websiteID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "safety.website.resumed", websiteID, "website", websiteID, triggeredBy, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// PerformSafetyCheck aggregates the interlocks. It is consulted by the action
// runner immediately before implementation steps; it is deliberately not part
// of CanAutoExecute so read-only enrichment keeps working in maintenance mode.
func (e Engine) PerformSafetyCheck(ctx context.Context, in SafetyCheckInput) (SafetyCheckResult, error) {
	state, err := e.Repo.GetSafetyState(ctx)
	if err != nil {
		return SafetyCheckResult{}, err
	}
	var failures []string
	if state.KillSwitchActive {
		failures = append(failures, fmt.Sprintf("kill switch active: %s", state.KillSwitchReason))
	}
	if in.RequiresChanges && state.SystemMode != "normal" {
		failures = append(failures, fmt.Sprintf("system mode is %s; changes suspended", state.SystemMode))
	}
	if in.ServiceName != "" {
		disabled, err := e.Repo.IsServiceDisabled(ctx, in.ServiceName)
		if err != nil {
			return SafetyCheckResult{}, err
		}
		if disabled {
			failures = append(failures, fmt.Sprintf("service %s is disabled", in.ServiceName))
		}
	}
	if in.WebsiteID != "" {
		paused, err := e.Repo.IsWebsitePaused(ctx, in.WebsiteID)
		if err != nil {
			return SafetyCheckResult{}, err
		}
		if paused {
			failures = append(failures, fmt.Sprintf("website %s is paused", in.WebsiteID))
		}
	}
	return SafetyCheckResult{Passed: len(failures) == 0, Failures: failures}, nil
}

// SystemStatus is the operator-facing health summary.
type SystemStatus struct {
	Safety    domain.SafetyState `json:"safety"`
	Proposals map[string]int     `json:"proposals"`
	Runs      map[string]int     `json:"runs"`
	Websites  int                `json:"websites"`
}

func (e Engine) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	var status SystemStatus
	var err error
	if status.Safety, err = e.Repo.GetSafetyState(ctx); err != nil {
		return status, err
	}
	if status.Proposals, err = e.Repo.CountProposalsByStatus(ctx); err != nil {
		return status, err
	}
	if status.Runs, err = e.Repo.CountActionRunsByStatus(ctx); err != nil {
		return status, err
	}
	sites, err := e.Repo.ListWebsites(ctx)
	if err != nil {
		return status, err
	}
	status.Websites = len(sites)
	return status, nil
}
