package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
)

// EnrichmentStep gathers one piece of evidence for an action run. Steps are
// tolerant: an error becomes a finding and the run continues.
type EnrichmentStep struct {
	Name string
	Run  func(ctx context.Context, e Engine, site domain.Website, anomaly domain.Anomaly) (domain.Finding, error)
}

// EnrichmentPlanBuilder assembles the step sequence for one action code.
type EnrichmentPlanBuilder func(anomaly domain.Anomaly) []EnrichmentStep

type BuilderRegistry map[string]EnrichmentPlanBuilder

func fetchGSCQueriesStep() EnrichmentStep {
	return EnrichmentStep{
		Name: "fetch_gsc_queries",
		Run: func(ctx context.Context, e Engine, site domain.Website, anomaly domain.Anomaly) (domain.Finding, error) {
			window := anomaly.Window
			if window == "" {
				window = "7d"
			}
			volumes, err := e.Connector.FetchQueryVolumes(ctx, site.ID, window)
			if err != nil {
				return domain.Finding{}, err
			}
			return domain.Finding{
				Step:     "fetch_gsc_queries",
				Severity: "info",
				Summary:  fmt.Sprintf("fetched %d query volumes over %s", len(volumes), window),
			}, nil
		},
	}
}

func fetchTopPagesStep() EnrichmentStep {
	return EnrichmentStep{
		Name: "fetch_top_pages",
		Run: func(ctx context.Context, e Engine, site domain.Website, anomaly domain.Anomaly) (domain.Finding, error) {
			pages, err := e.Connector.FetchPageMetadata(ctx, site.BaseURL, 10)
			if err != nil {
				return domain.Finding{}, err
			}
			missing := 0
			for _, p := range pages {
				if p.MetaDescription == "" {
					missing++
				}
			}
			f := domain.Finding{
				Step:     "fetch_top_pages",
				Severity: "info",
				Summary:  fmt.Sprintf("inspected %d pages", len(pages)),
			}
			if missing > 0 {
				f.Severity = "warning"
				f.Summary = fmt.Sprintf("%d of %d pages are missing meta descriptions", missing, len(pages))
			}
			return f, nil
		},
	}
}

func checkIndexingStep() EnrichmentStep {
	return EnrichmentStep{
		Name: "check_indexing",
		Run: func(ctx context.Context, e Engine, site domain.Website, anomaly domain.Anomaly) (domain.Finding, error) {
			status, err := e.Connector.FetchIndexingStatus(ctx, site.BaseURL)
			if err != nil {
				return domain.Finding{}, err
			}
			f := domain.Finding{Step: "check_indexing", Severity: "info", Summary: "indexing signals look normal"}
			if status.NoindexDetected {
				f.Severity = "urgent"
				f.Summary = "noindex directive detected on the site"
			} else if status.RobotsDisallowed {
				f.Severity = "urgent"
				f.Summary = "robots.txt disallows crawling the site root"
			} else if !status.RobotsReachable {
				f.Severity = "warning"
				f.Summary = "robots.txt is not reachable"
			}
			return f, nil
		},
	}
}

func checkSitemapStep() EnrichmentStep {
	return EnrichmentStep{
		Name: "check_sitemap",
		Run: func(ctx context.Context, e Engine, site domain.Website, anomaly domain.Anomaly) (domain.Finding, error) {
			status, err := e.Connector.CheckSitemap(ctx, site.BaseURL)
			if err != nil {
				return domain.Finding{}, err
			}
			if !status.Reachable {
				return domain.Finding{
					Step:     "check_sitemap",
					Severity: "warning",
					Summary:  fmt.Sprintf("sitemap %s unreachable: %s", status.URL, status.Detail),
				}, nil
			}
			return domain.Finding{Step: "check_sitemap", Severity: "info", Summary: "sitemap reachable"}, nil
		},
	}
}

func defaultBuilders() BuilderRegistry {
	diagnostic := func(anomaly domain.Anomaly) []EnrichmentStep {
		return []EnrichmentStep{
			fetchGSCQueriesStep(),
			fetchTopPagesStep(),
			checkIndexingStep(),
			checkSitemapStep(),
		}
	}
	metadata := func(anomaly domain.Anomaly) []EnrichmentStep {
		return []EnrichmentStep{fetchTopPagesStep(), checkIndexingStep()}
	}
	indexing := func(anomaly domain.Anomaly) []EnrichmentStep {
		return []EnrichmentStep{checkIndexingStep(), checkSitemapStep()}
	}
	return BuilderRegistry{
		"investigate_traffic_drop": diagnostic,
		"update_meta_description":  metadata,
		"update_title_tag":         metadata,
		"resubmit_sitemap":         indexing,
		"fix_noindex_tag":          indexing,
		"update_robots_txt":        indexing,
	}
}

type RunActionInput struct {
	WebsiteID  string
	ActionCode string
	Anomaly    domain.Anomaly
	ActorID    string
}

// RunAction executes one enrichment action against a website under a job
// lease. The run row is visible as running for its whole duration and always
// reaches a terminal status, panics included.
func (e Engine) RunAction(ctx context.Context, in RunActionInput) (run domain.ActionRun, err error) {
	if in.WebsiteID == "" || in.ActionCode == "" || in.Anomaly.ID == "" {
		return domain.ActionRun{}, fmt.Errorf("website_id, action_code and anomaly id are required")
	}
	actor := in.ActorID
	if actor == "" {
		actor = "system"
	}

	site, err := e.Repo.GetWebsite(ctx, in.WebsiteID)
	if err != nil {
		return domain.ActionRun{}, err
	}
	if _, err := e.Repo.GetRiskProfile(ctx, in.ActionCode); err != nil {
		return domain.ActionRun{}, fmt.Errorf("action %s not in risk catalog: %w", in.ActionCode, err)
	}

	// Enrichment steps only read. Maintenance mode suspends changes, not
	// reads; kill switch and site pause still block.
	check, err := e.PerformSafetyCheck(ctx, SafetyCheckInput{
		WebsiteID:       in.WebsiteID,
		RequiresChanges: false,
	})
	if err != nil {
		return domain.ActionRun{}, err
	}
	if !check.Passed {
		return domain.ActionRun{}, fmt.Errorf("safety check failed: %s", strings.Join(check.Failures, "; "))
	}

	lockID := "action:" + in.Anomaly.ID
	if _, err := e.ClaimJobLock(ctx, lockID, actor); err != nil {
		return domain.ActionRun{}, err
	}
	defer func() {
		if rerr := e.ReleaseJobLock(context.WithoutCancel(ctx), lockID, actor); rerr != nil && err == nil {
			err = rerr
		}
	}()

	builder, ok := e.builders[in.ActionCode]
	if !ok {
		return domain.ActionRun{}, fmt.Errorf("no enrichment builder registered for action %s", in.ActionCode)
	}
	steps := builder(in.Anomaly)
	planNames := make([]string, 0, len(steps))
	for _, s := range steps {
		planNames = append(planNames, s.Name)
	}

	run = domain.ActionRun{
		ID:         uuid.New().String(),
		AnomalyID:  in.Anomaly.ID,
		WebsiteID:  in.WebsiteID,
		ActionCode: in.ActionCode,
		Status:     "running",
		Plan:       planNames,
		StartedAt:  e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionRun{}, err
	}
	if err = e.Repo.InsertActionRun(ctx, tx, run); err != nil {
		tx.Rollback()
		return domain.ActionRun{}, err
	}
	if err = e.Events.Append(ctx, tx, "action.started", in.WebsiteID, "action_run", run.ID, actor, events.EventPayload{
		"action_code": in.ActionCode, "anomaly_id": in.Anomaly.ID,
	}); err != nil {
		tx.Rollback()
		return domain.ActionRun{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.ActionRun{}, err
	}

	output := &domain.ActionOutput{}
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during %s: %v", in.ActionCode, r)
			run.Status = "failed"
			run.ErrorText = &msg
			run.Output = output
			if ferr := e.finishRun(context.WithoutCancel(ctx), &run, actor); ferr != nil && err == nil {
				err = ferr
			}
		}
	}()

	for _, step := range steps {
		finding, serr := step.Run(ctx, e, site, in.Anomaly)
		if serr != nil {
			output.Findings = append(output.Findings, domain.Finding{
				Step:     step.Name,
				Severity: "warning",
				Summary:  fmt.Sprintf("step %s did not complete", step.Name),
				Error:    serr.Error(),
			})
			continue
		}
		output.Findings = append(output.Findings, finding)
	}
	output.NextSteps = deriveNextSteps(output.Findings)
	output.Summary = summarizeRun(in.ActionCode, output)

	run.Status = "completed"
	run.Output = output
	if err = e.finishRun(ctx, &run, actor); err != nil {
		return domain.ActionRun{}, err
	}
	return run, nil
}

func (e Engine) finishRun(ctx context.Context, run *domain.ActionRun, actor string) error {
	now := e.nowRFC()
	run.CompletedAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteActionRun(ctx, tx, *run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "action."+run.Status, run.WebsiteID, "action_run", run.ID, actor, events.EventPayload{
		"action_code": run.ActionCode,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// deriveNextSteps turns findings into concrete follow-ups. Urgent indexing
// findings always surface first.
func deriveNextSteps(findings []domain.Finding) []string {
	var urgent, rest []string
	for _, f := range findings {
		switch {
		case f.Step == "check_indexing" && f.Severity == "urgent":
			urgent = append(urgent, "urgent: remove the blocking indexing directive ("+f.Summary+")")
		case f.Step == "fetch_top_pages" && f.Severity == "warning":
			rest = append(rest, "add meta descriptions to the pages missing them")
		case f.Step == "check_sitemap" && f.Severity == "warning":
			rest = append(rest, "restore sitemap availability and resubmit it")
		case f.Error != "":
			rest = append(rest, "retry step "+f.Step+" once its data source is reachable")
		}
	}
	return append(urgent, rest...)
}

func summarizeRun(actionCode string, out *domain.ActionOutput) string {
	warnings := 0
	for _, f := range out.Findings {
		if f.Severity == "warning" || f.Severity == "urgent" {
			warnings++
		}
	}
	if warnings == 0 {
		return fmt.Sprintf("%s completed: %d findings, nothing actionable", actionCode, len(out.Findings))
	}
	return fmt.Sprintf("%s completed: %d findings, %d need attention", actionCode, len(out.Findings), warnings)
}
