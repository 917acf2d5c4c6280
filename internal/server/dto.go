package server

import (
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
)

// Request payloads

type OnboardWebsiteRequest struct {
	ID      *string `json:"id,omitempty"`
	BaseURL string  `json:"base_url"`
}

type SetTrustLevelRequest struct {
	Level  int    `json:"level" minimum:"0" maximum:"3"`
	Reason string `json:"reason"`
}

type RecordOutcomeRequest struct {
	Category string `json:"category"`
	Success  bool   `json:"success"`
}

type CreateProposalRequest struct {
	WebsiteID        string   `json:"website_id"`
	ServiceKey       string   `json:"service_key"`
	Type             string   `json:"type"`
	Target           string   `json:"target"`
	RiskLevel        string   `json:"risk_level" enum:"low,medium,high"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
	Evidence         []string `json:"evidence,omitempty"`
	ChangePlan       []string `json:"change_plan,omitempty"`
	VerificationPlan []string `json:"verification_plan,omitempty"`
	RollbackPlan     []string `json:"rollback_plan,omitempty"`
	Blocking         bool     `json:"blocking,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

type TransitionProposalRequest struct {
	Status string `json:"status" enum:"approved,rejected,applied,superseded"`
	Reason string `json:"reason,omitempty"`
}

type RunActionRequest struct {
	WebsiteID  string         `json:"website_id"`
	ActionCode string         `json:"action_code"`
	Anomaly    domain.Anomaly `json:"anomaly"`
}

type ExecutePlanRequest struct {
	WebsiteID string `json:"website_id"`
	Template  string `json:"template"`
}

type SafetyCommandRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SystemModeRequest struct {
	Mode   string `json:"mode" enum:"normal,maintenance,emergency"`
	Reason string `json:"reason,omitempty"`
}

type MetricWindowRequest struct {
	Window string             `json:"window"`
	Values map[string]float64 `json:"values"`
}

type DetectBreakagesRequest struct {
	Window       string             `json:"window,omitempty"`
	Current      map[string]float64 `json:"current"`
	Baseline     map[string]float64 `json:"baseline"`
	Intervention *InterventionBody  `json:"intervention,omitempty"`
}

type InterventionBody struct {
	ActionID       string  `json:"action_id,omitempty"`
	ActionCode     string  `json:"action_code"`
	ActionCategory string  `json:"action_category,omitempty"`
	Attribution    float64 `json:"attribution" minimum:"0" maximum:"1"`
}

type ClaimLockRequest struct {
	JobID string `json:"job_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type CreatedProposalResponse struct {
	Proposal domain.ChangeProposal `json:"proposal"`
	Created  bool                  `json:"created"`
}

type ProposalDetailResponse struct {
	Proposal domain.ChangeProposal   `json:"proposal"`
	Actions  []domain.ProposalAction `json:"actions"`
}

type LockStatusResponse struct {
	Lock *domain.JobLock `json:"lock,omitempty"`
	Held bool            `json:"held"`
}

type CreatedAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type DetectBreakagesResponse struct {
	Events []domain.OutcomeEvent `json:"events"`
}

func (b *InterventionBody) toEngine() *engine.Intervention {
	if b == nil {
		return nil
	}
	return &engine.Intervention{
		ActionID:       b.ActionID,
		ActionCode:     b.ActionCode,
		ActionCategory: b.ActionCategory,
		Attribution:    b.Attribution,
	}
}
