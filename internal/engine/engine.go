package engine

import (
	"context"
	"database/sql"
	"time"

	"sitewarden/internal/config"
	"sitewarden/internal/connector"
	"sitewarden/internal/events"
	"sitewarden/internal/repo"
)

// Engine wires the governance core: trust ledger, safety control plane, run
// plan scheduler, proposal lifecycle, action runner, and outcome feedback.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Connector connector.Connector
	Now       func() time.Time

	services Registry
	builders BuilderRegistry
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Connector: connector.NewHTTP(),
		Now:       time.Now,
	}
	e.services = defaultServices(&e)
	e.builders = defaultBuilders()
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SeedRiskCatalog loads the risk profiles from config into the registry
// table, replacing any previous catalog.
func (e Engine) SeedRiskCatalog(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SeedRiskProfiles(ctx, tx, e.Config.RiskProfiles()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "risk.catalog.seeded", "", "risk_catalog", "", "system", events.EventPayload{
		"entries": len(e.Config.Risk),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterService installs or overrides a plan service implementation.
func (e *Engine) RegisterService(name string, fn ServiceFunc) {
	if e.services == nil {
		e.services = Registry{}
	}
	e.services[name] = fn
}

// RegisterBuilder installs or overrides an enrichment plan builder for an
// action code.
func (e *Engine) RegisterBuilder(actionCode string, b EnrichmentPlanBuilder) {
	if e.builders == nil {
		e.builders = BuilderRegistry{}
	}
	e.builders[actionCode] = b
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
