package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("fleet-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Fleet.ID != "fleet-1" {
		t.Fatalf("fleet id: %s", cfg.Fleet.ID)
	}
	if len(cfg.RiskProfiles()) != len(cfg.Risk) {
		t.Fatalf("risk profiles incomplete")
	}
	if _, ok := cfg.Plans["standard"]; !ok {
		t.Fatalf("expected standard plan template")
	}
}

func TestValidateRejectsUnknownCategory(t *testing.T) {
	cfg := Default("fleet-1")
	entry := cfg.Risk["update_meta_description"]
	entry.Category = "nonexistent"
	cfg.Risk["update_meta_description"] = entry
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Fatalf("expected category error, got %v", err)
	}
}

func TestValidateRejectsDanglingPlanDependency(t *testing.T) {
	cfg := Default("fleet-1")
	plan := cfg.Plans["quick"]
	plan.Services[0].DependsOn = []string{"missing"}
	cfg.Plans["quick"] = plan
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestFromYAMLRejectsBadRiskLevel(t *testing.T) {
	data := strings.Replace(GenerateDefault("fleet-1"), "risk_level: low", "risk_level: extreme", 1)
	if _, err := FromYAML([]byte(data)); err == nil {
		t.Fatalf("expected risk level rejection")
	}
}
