package domain

// Trust levels gate how much autonomy an action category has on a website.
const (
	TrustObserve    = 0
	TrustRecommend  = 1
	TrustAssisted   = 2
	TrustAutonomous = 3
)

type Website struct {
	ID        string `json:"id"`
	BaseURL   string `json:"base_url"`
	Status    string `json:"status" enum:"active,paused,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TrustRecord struct {
	WebsiteID      string  `json:"website_id"`
	ActionCategory string  `json:"action_category"`
	TrustLevel     int     `json:"trust_level" minimum:"0" maximum:"3"`
	Confidence     float64 `json:"confidence" minimum:"0" maximum:"100"`
	SuccessCount   int     `json:"success_count"`
	FailureCount   int     `json:"failure_count"`
	LastSuccessAt  *string `json:"last_success_at,omitempty" format:"date-time"`
	LastFailureAt  *string `json:"last_failure_at,omitempty" format:"date-time"`
	LastReviewedAt *string `json:"last_reviewed_at,omitempty" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// RiskProfile is the static catalog entry for an action code. Seeded from
// config, never written at runtime.
type RiskProfile struct {
	ActionCode       string `json:"action_code"`
	ActionCategory   string `json:"action_category"`
	RiskLevel        string `json:"risk_level" enum:"low,medium,high"`
	BlastRadius      string `json:"blast_radius" enum:"page,section,site"`
	RollbackPossible bool   `json:"rollback_possible"`
	MinTrustLevel    int    `json:"min_trust_level" minimum:"0" maximum:"3"`
	RequiresApproval bool   `json:"requires_approval"`
	Description      string `json:"description,omitempty"`
}

type ChangeProposal struct {
	ID               string   `json:"id"`
	Fingerprint      string   `json:"fingerprint"`
	WebsiteID        string   `json:"website_id"`
	ServiceKey       string   `json:"service_key"`
	Type             string   `json:"type"`
	Target           string   `json:"target"`
	Status           string   `json:"status" enum:"open,approved,rejected,applied,superseded"`
	RiskLevel        string   `json:"risk_level" enum:"low,medium,high"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
	Evidence         []string `json:"evidence,omitempty"`
	ChangePlan       []string `json:"change_plan,omitempty"`
	VerificationPlan []string `json:"verification_plan,omitempty"`
	RollbackPlan     []string `json:"rollback_plan,omitempty"`
	Blocking         bool     `json:"blocking"`
	Tags             []string `json:"tags,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// ProposalAction is one row of a proposal's append-only audit trail.
type ProposalAction struct {
	ID         int64  `json:"id"`
	ProposalID string `json:"proposal_id"`
	Actor      string `json:"actor"`
	Action     string `json:"action" enum:"opened,updated,approved,rejected,applied,superseded"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type PlanService struct {
	Service   string   `json:"service" yaml:"service"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	Required  bool     `json:"required" yaml:"required"`
	TimeoutMs int      `json:"timeout_ms" yaml:"timeout_ms"`
}

type RunPlan struct {
	PlanID           string        `json:"plan_id" yaml:"plan_id"`
	Services         []PlanService `json:"services" yaml:"services"`
	MaxRunDurationMs int           `json:"max_run_duration_ms" yaml:"max_run_duration_ms"`
}

// ServiceResult records one service's outcome within a plan execution.
type ServiceResult struct {
	Service    string `json:"service"`
	Status     string `json:"status" enum:"completed,failed,timed_out,skipped,aborted"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
}

type PlanExecution struct {
	ExecutionID string          `json:"execution_id"`
	PlanID      string          `json:"plan_id"`
	WebsiteID   string          `json:"website_id"`
	Status      string          `json:"status" enum:"completed,degraded,failed"`
	Results     []ServiceResult `json:"results"`
	StartedAt   string          `json:"started_at" format:"date-time"`
	FinishedAt  string          `json:"finished_at" format:"date-time"`
}

type Finding struct {
	Step     string `json:"step"`
	Severity string `json:"severity,omitempty" enum:"info,warning,urgent"`
	Summary  string `json:"summary"`
	Error    string `json:"error,omitempty"`
}

type ActionOutput struct {
	Findings  []Finding `json:"findings"`
	Changes   []string  `json:"changes,omitempty"`
	NextSteps []string  `json:"next_steps,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

type ActionRun struct {
	ID          string        `json:"id"`
	AnomalyID   string        `json:"anomaly_id"`
	WebsiteID   string        `json:"website_id"`
	ActionCode  string        `json:"action_code"`
	Status      string        `json:"status" enum:"running,completed,failed"`
	Plan        []string      `json:"plan,omitempty"`
	Output      *ActionOutput `json:"output,omitempty"`
	StartedAt   string        `json:"started_at" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
	ErrorText   *string       `json:"error_text,omitempty"`
}

// Anomaly is the triggering signal handed to the action runner by a caller.
type Anomaly struct {
	ID            string  `json:"id"`
	MetricKey     string  `json:"metric_key"`
	PercentChange float64 `json:"percent_change"`
	Window        string  `json:"window,omitempty"`
	DetectedAt    string  `json:"detected_at,omitempty" format:"date-time"`
}

type OutcomeEvent struct {
	ID        string         `json:"id"`
	SiteID    string         `json:"site_id"`
	MetricKey string         `json:"metric_key"`
	OldValue  float64        `json:"old_value"`
	NewValue  float64        `json:"new_value"`
	Delta     float64        `json:"delta"`
	PctChange float64        `json:"pct_change"`
	Severity  string         `json:"severity" enum:"low,medium,high"`
	EventType string         `json:"event_type" enum:"breakage,regression,improvement"`
	Window    string         `json:"window"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type KnowledgeEvidence struct {
	EventID       string  `json:"event_id"`
	ActionID      string  `json:"action_id,omitempty"`
	AttributionID string  `json:"attribution_id,omitempty"`
	BeforeValue   float64 `json:"before_value"`
	AfterValue    float64 `json:"after_value"`
}

type KnowledgeEntry struct {
	ID                string            `json:"id"`
	SourceEventID     string            `json:"source_event_id"`
	Status            string            `json:"status" enum:"draft,active"`
	Confidence        float64           `json:"confidence" minimum:"0" maximum:"1"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
	AvoidAction       string            `json:"avoid_action,omitempty"`
	Guardrail         string            `json:"guardrail,omitempty"`
	Evidence          KnowledgeEvidence `json:"evidence"`
	Tags              []string          `json:"tags,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

type MetricSnapshot struct {
	SiteID     string  `json:"site_id"`
	Window     string  `json:"window"`
	MetricKey  string  `json:"metric_key"`
	Value      float64 `json:"value"`
	CapturedAt string  `json:"captured_at" format:"date-time"`
}

type SafetyState struct {
	KillSwitchActive      bool     `json:"kill_switch_active"`
	KillSwitchReason      string   `json:"kill_switch_reason,omitempty"`
	KillSwitchTriggeredBy string   `json:"kill_switch_triggered_by,omitempty"`
	KillSwitchActivatedAt *string  `json:"kill_switch_activated_at,omitempty" format:"date-time"`
	SystemMode            string   `json:"system_mode" enum:"normal,maintenance,emergency"`
	DisabledServices      []string `json:"disabled_services"`
	PausedWebsites        []string `json:"paused_websites"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type JobLock struct {
	JobID      string `json:"job_id"`
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WebsiteID  string `json:"website_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
