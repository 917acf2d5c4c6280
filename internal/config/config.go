package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sitewarden/internal/domain"
)

// Config models sitewarden.yml: the risk catalog, trust and outcome thresholds,
// run plan templates, and lock/webhook settings for a website fleet.
type Config struct {
	Fleet struct {
		ID string `yaml:"id"`
	} `yaml:"fleet"`
	Categories []string                  `yaml:"categories"`
	Risk       map[string]RiskEntry      `yaml:"risk"`
	Trust      TrustConfig               `yaml:"trust"`
	Outcomes   OutcomeConfig             `yaml:"outcomes"`
	Plans      map[string]domain.RunPlan `yaml:"plans"`
	Locks      struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"locks"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RiskEntry struct {
	Category         string `yaml:"category"`
	RiskLevel        string `yaml:"risk_level"`
	BlastRadius      string `yaml:"blast_radius"`
	RollbackPossible bool   `yaml:"rollback_possible"`
	MinTrustLevel    int    `yaml:"min_trust_level"`
	RequiresApproval bool   `yaml:"requires_approval"`
	Description      string `yaml:"description"`
}

type TrustConfig struct {
	// Autonomous execution additionally requires this confidence floor.
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	// Auto-downgrade applies once this many outcomes exist.
	DowngradeMinActions int     `yaml:"downgrade_min_actions"`
	DowngradeBelowRate  float64 `yaml:"downgrade_below_rate"`
	UpgradeMinSuccesses int     `yaml:"upgrade_min_successes"`
	UpgradeMinRate      float64 `yaml:"upgrade_min_rate"`
}

type AbsoluteRule struct {
	Poor   float64 `yaml:"poor"`
	Severe float64 `yaml:"severe"`
}

type OutcomeConfig struct {
	// Absolute-threshold metrics (latency/stability style): regression when the
	// current value crosses Poor, high severity past Severe.
	Absolute map[string]AbsoluteRule `yaml:"absolute"`
	// Relative metrics: regression at -RegressPct% change, severity escalating
	// at the configured multiples of the base threshold.
	RegressPct       float64 `yaml:"regress_pct"`
	MediumMultiple   float64 `yaml:"medium_multiple"`
	HighMultiple     float64 `yaml:"high_multiple"`
	AttributionFloor float64 `yaml:"attribution_floor"`
	// Guardrail monitoring windows by metric speed.
	FastMetrics []string `yaml:"fast_metrics"`
	SlowMetrics []string `yaml:"slow_metrics"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sw fleet config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fleet.ID == "" {
		return fmt.Errorf("config.fleet.id is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories is required")
	}
	known := map[string]bool{}
	for _, cat := range c.Categories {
		if cat == "" {
			return fmt.Errorf("config.categories contains an empty entry")
		}
		known[cat] = true
	}
	if len(c.Risk) == 0 {
		return fmt.Errorf("config.risk catalog is required")
	}
	for code, entry := range c.Risk {
		if code == "" {
			return fmt.Errorf("config.risk contains an empty action code")
		}
		if !known[entry.Category] {
			return fmt.Errorf("risk entry %s references unknown category %s", code, entry.Category)
		}
		switch entry.RiskLevel {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("risk entry %s has invalid risk_level %s", code, entry.RiskLevel)
		}
		switch entry.BlastRadius {
		case "page", "section", "site":
		default:
			return fmt.Errorf("risk entry %s has invalid blast_radius %s", code, entry.BlastRadius)
		}
		if entry.MinTrustLevel < domain.TrustObserve || entry.MinTrustLevel > domain.TrustAutonomous {
			return fmt.Errorf("risk entry %s min_trust_level out of range", code)
		}
	}
	for name, plan := range c.Plans {
		if len(plan.Services) == 0 {
			return fmt.Errorf("plan %s has no services", name)
		}
		ids := map[string]bool{}
		for _, svc := range plan.Services {
			if svc.Service == "" {
				return fmt.Errorf("plan %s has a service without an id", name)
			}
			if ids[svc.Service] {
				return fmt.Errorf("plan %s lists service %s twice", name, svc.Service)
			}
			ids[svc.Service] = true
		}
		for _, svc := range plan.Services {
			for _, dep := range svc.DependsOn {
				if !ids[dep] {
					return fmt.Errorf("plan %s: service %s depends on unknown service %s", name, svc.Service, dep)
				}
			}
		}
	}
	if c.Outcomes.RegressPct <= 0 {
		return fmt.Errorf("config.outcomes.regress_pct must be positive")
	}
	for key, rule := range c.Outcomes.Absolute {
		if rule.Severe < rule.Poor {
			return fmt.Errorf("outcome rule %s: severe must be >= poor", key)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitewarden.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(fleetID string) string {
	return fmt.Sprintf(defaultTemplate, fleetID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a fleet.
func Default(fleetID string) *Config {
	var cfg Config
	cfg.Fleet.ID = fleetID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, fleetID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// RiskProfiles converts the catalog map into seedable rows.
func (c *Config) RiskProfiles() []domain.RiskProfile {
	profiles := make([]domain.RiskProfile, 0, len(c.Risk))
	for code, entry := range c.Risk {
		profiles = append(profiles, domain.RiskProfile{
			ActionCode:       code,
			ActionCategory:   entry.Category,
			RiskLevel:        entry.RiskLevel,
			BlastRadius:      entry.BlastRadius,
			RollbackPossible: entry.RollbackPossible,
			MinTrustLevel:    entry.MinTrustLevel,
			RequiresApproval: entry.RequiresApproval,
			Description:      entry.Description,
		})
	}
	return profiles
}

const defaultTemplate = `fleet:
  id: %s

categories:
  - metadata
  - indexing
  - content
  - structured_data
  - diagnostics

risk:
  update_meta_description:
    category: metadata
    risk_level: low
    blast_radius: page
    rollback_possible: true
    min_trust_level: 2
    requires_approval: false
    description: "Rewrite a page's meta description"
  update_title_tag:
    category: metadata
    risk_level: low
    blast_radius: page
    rollback_possible: true
    min_trust_level: 2
    requires_approval: false
    description: "Rewrite a page's title tag"
  resubmit_sitemap:
    category: indexing
    risk_level: low
    blast_radius: site
    rollback_possible: true
    min_trust_level: 1
    requires_approval: false
    description: "Resubmit the sitemap to search engines"
  fix_noindex_tag:
    category: indexing
    risk_level: high
    blast_radius: site
    rollback_possible: true
    min_trust_level: 3
    requires_approval: true
    description: "Remove an unintended noindex directive"
  update_robots_txt:
    category: indexing
    risk_level: high
    blast_radius: site
    rollback_possible: true
    min_trust_level: 3
    requires_approval: true
    description: "Edit robots.txt crawl rules"
  add_structured_data:
    category: structured_data
    risk_level: medium
    blast_radius: section
    rollback_possible: true
    min_trust_level: 2
    requires_approval: false
    description: "Inject schema.org structured data"
  update_internal_links:
    category: content
    risk_level: medium
    blast_radius: section
    rollback_possible: false
    min_trust_level: 2
    requires_approval: false
    description: "Rewire internal links between pages"
  investigate_traffic_drop:
    category: diagnostics
    risk_level: low
    blast_radius: page
    rollback_possible: true
    min_trust_level: 0
    requires_approval: false
    description: "Read-only investigation of a traffic anomaly"

trust:
  confidence_floor: 70
  downgrade_min_actions: 5
  downgrade_below_rate: 0.6
  upgrade_min_successes: 10
  upgrade_min_rate: 0.9

outcomes:
  absolute:
    lcp:
      poor: 2500
      severe: 4000
    cls:
      poor: 0.1
      severe: 0.25
    inp:
      poor: 200
      severe: 500
    ttfb:
      poor: 800
      severe: 1800
  regress_pct: 15
  medium_multiple: 2
  high_multiple: 3
  attribution_floor: 0.8
  fast_metrics: [lcp, cls, inp, ttfb, errors]
  slow_metrics: [position, backlinks, domain_authority]

plans:
  standard:
    plan_id: standard
    max_run_duration_ms: 120000
    services:
      - service: crawl
        required: true
        timeout_ms: 30000
      - service: gsc_metrics
        required: true
        timeout_ms: 20000
      - service: indexing_check
        depends_on: [crawl]
        required: true
        timeout_ms: 20000
      - service: sitemap_check
        depends_on: [crawl]
        required: false
        timeout_ms: 10000
      - service: vitals_check
        required: false
        timeout_ms: 15000
      - service: content_audit
        depends_on: [crawl, indexing_check]
        required: false
        timeout_ms: 30000
  quick:
    plan_id: quick
    max_run_duration_ms: 45000
    services:
      - service: crawl
        required: true
        timeout_ms: 20000
      - service: gsc_metrics
        required: true
        timeout_ms: 15000
  onboarding:
    plan_id: onboarding
    max_run_duration_ms: 90000
    services:
      - service: crawl
        required: true
        timeout_ms: 30000
      - service: sitemap_check
        depends_on: [crawl]
        required: false
        timeout_ms: 10000
      - service: gsc_metrics
        required: false
        timeout_ms: 20000
      - service: indexing_check
        depends_on: [crawl]
        required: true
        timeout_ms: 20000

locks:
  ttl_seconds: 300
`
