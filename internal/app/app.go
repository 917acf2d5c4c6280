package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitewarden/internal/config"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// ResolveFleetAndConfig picks the active fleet and ensures its config exists
// in the DB, seeding defaults when missing. Overrides win over the stored
// fleet config.
func ResolveFleetAndConfig(ctx context.Context, workspace, fleetOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	fleetID := fleetOverride
	if fleetID == "" && fileCfg != nil {
		fleetID = fileCfg.Fleet.ID
	}
	if fleetID == "" {
		fleetID = "default"
	}

	if fileCfg != nil {
		fileCfg.Fleet.ID = fleetID
		if err := r.UpsertFleetConfig(ctx, fleetID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store fleet config: %w", err)
		}
		return fleetID, fileCfg, nil
	}

	cfg, err := r.GetFleetConfig(ctx, fleetID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(fleetID)
		if err := r.UpsertFleetConfig(ctx, fleetID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed fleet config: %w", err)
		}
	}
	cfg.Fleet.ID = fleetID
	return fleetID, cfg, nil
}

const (
	onboardTrustLevel = domain.TrustObserve
	onboardConfidence = 50
)

// OnboardWebsite registers a website and seeds an observe-level trust record
// for every configured action category. Trust is earned afterwards through
// recorded outcomes.
func OnboardWebsite(ctx context.Context, e engine.Engine, id, baseURL, actorID string) (domain.Website, error) {
	if baseURL == "" {
		return domain.Website{}, errors.New("base_url is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	if actorID == "" {
		actorID = "system"
	}
	if _, err := e.Repo.GetWebsite(ctx, id); err == nil {
		return domain.Website{}, fmt.Errorf("website %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Website{}, err
	}

	now := e.Now().UTC().Format(time.RFC3339)
	site := domain.Website{
		ID:        id,
		BaseURL:   baseURL,
		Status:    "active",
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Website{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWebsite(ctx, tx, site); err != nil {
		return domain.Website{}, err
	}
	for _, category := range e.Config.Categories {
		if err := e.Repo.InsertTrustRecord(ctx, tx, domain.TrustRecord{
			WebsiteID:      id,
			ActionCategory: category,
			TrustLevel:     onboardTrustLevel,
			Confidence:     onboardConfidence,
			UpdatedAt:      now,
		}); err != nil {
			return domain.Website{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "website.onboarded", id, "website", id, actorID, events.EventPayload{
		"base_url":   baseURL,
		"categories": len(e.Config.Categories),
	}); err != nil {
		return domain.Website{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Website{}, err
	}
	return site, nil
}
