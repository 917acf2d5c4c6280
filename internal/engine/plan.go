package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitewarden/internal/domain"
	"sitewarden/internal/events"
)

// ServiceFunc is one diagnostic service within a run plan.
type ServiceFunc func(ctx context.Context, site domain.Website) error

type Registry map[string]ServiceFunc

func defaultServices(e *Engine) Registry {
	return Registry{
		"crawl": func(ctx context.Context, site domain.Website) error {
			_, err := e.Connector.FetchPageMetadata(ctx, site.BaseURL, 25)
			return err
		},
		"gsc_metrics": func(ctx context.Context, site domain.Website) error {
			_, err := e.Repo.MetricWindow(ctx, site.ID, "7d")
			return err
		},
		"indexing_check": func(ctx context.Context, site domain.Website) error {
			_, err := e.Connector.FetchIndexingStatus(ctx, site.BaseURL)
			return err
		},
		"sitemap_check": func(ctx context.Context, site domain.Website) error {
			status, err := e.Connector.CheckSitemap(ctx, site.BaseURL)
			if err != nil {
				return err
			}
			if !status.Reachable {
				return fmt.Errorf("sitemap unreachable: %s", status.Detail)
			}
			return nil
		},
		"vitals_check": func(ctx context.Context, site domain.Website) error {
			_, err := e.Repo.MetricWindow(ctx, site.ID, "24h")
			return err
		},
		"content_audit": func(ctx context.Context, site domain.Website) error {
			pages, err := e.Connector.FetchPageMetadata(ctx, site.BaseURL, 25)
			if err != nil {
				return err
			}
			if len(pages) == 0 {
				return errors.New("no pages to audit")
			}
			return nil
		},
	}
}

// ValidatePlan rejects plans whose dependency graph is cyclic or references
// unknown services. A rejected plan never reaches execution.
func ValidatePlan(plan domain.RunPlan) error {
	if len(plan.Services) == 0 {
		return fmt.Errorf("plan %s has no services", plan.PlanID)
	}
	index := make(map[string]domain.PlanService, len(plan.Services))
	for _, svc := range plan.Services {
		if _, dup := index[svc.Service]; dup {
			return fmt.Errorf("plan %s lists service %s twice", plan.PlanID, svc.Service)
		}
		index[svc.Service] = svc
	}
	for _, svc := range plan.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("plan %s: service %s depends on unknown service %s", plan.PlanID, svc.Service, dep)
			}
		}
	}
	// Depth-first traversal with a recursion stack detects cycles.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(index))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case inStack:
			return fmt.Errorf("plan %s: dependency cycle through service %s", plan.PlanID, name)
		case done:
			return nil
		}
		state[name] = inStack
		for _, dep := range index[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, svc := range plan.Services {
		if err := visit(svc.Service); err != nil {
			return err
		}
	}
	return nil
}

type serviceOutcome struct {
	name string
	err  error
}

// ExecutePlan runs a plan template against a website. Ready services are
// dispatched concurrently per frontier round, each under its own timeout.
// A required failure fails the plan; optional failures degrade it.
func (e Engine) ExecutePlan(ctx context.Context, templateName, websiteID, actorID string) (domain.PlanExecution, error) {
	plan, ok := e.Config.Plans[templateName]
	if !ok {
		return domain.PlanExecution{}, fmt.Errorf("plan template %s not found", templateName)
	}
	if err := ValidatePlan(plan); err != nil {
		return domain.PlanExecution{}, err
	}
	site, err := e.Repo.GetWebsite(ctx, websiteID)
	if err != nil {
		return domain.PlanExecution{}, err
	}

	exec := domain.PlanExecution{
		ExecutionID: uuid.New().String(),
		PlanID:      plan.PlanID,
		WebsiteID:   websiteID,
		StartedAt:   e.nowRFC(),
	}

	planCtx := ctx
	var cancel context.CancelFunc
	if plan.MaxRunDurationMs > 0 {
		planCtx, cancel = context.WithTimeout(ctx, time.Duration(plan.MaxRunDurationMs)*time.Millisecond)
		defer cancel()
	}

	index := make(map[string]domain.PlanService, len(plan.Services))
	for _, svc := range plan.Services {
		index[svc.Service] = svc
	}
	completed := map[string]bool{}
	failed := map[string]bool{}
	started := map[string]bool{}
	results := map[string]*domain.ServiceResult{}

	ready := func() []domain.PlanService {
		var out []domain.PlanService
		for _, svc := range plan.Services {
			if started[svc.Service] {
				continue
			}
			ok := true
			for _, dep := range svc.DependsOn {
				if !completed[dep] {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, svc)
			}
		}
		return out
	}

	// A service whose dependency failed never starts.
	markSkipped := func() {
		for changed := true; changed; {
			changed = false
			for _, svc := range plan.Services {
				if started[svc.Service] {
					continue
				}
				for _, dep := range svc.DependsOn {
					if failed[dep] {
						started[svc.Service] = true
						failed[svc.Service] = true
						results[svc.Service] = &domain.ServiceResult{Service: svc.Service, Status: "skipped", Error: fmt.Sprintf("dependency %s did not complete", dep)}
						changed = true
						break
					}
				}
			}
		}
	}

	ceilingHit := false
	for len(completed)+countFailed(failed, started) < len(plan.Services) {
		frontier := ready()
		if len(frontier) == 0 {
			break
		}
		outcomes := make(chan serviceOutcome, len(frontier))
		var wg sync.WaitGroup
		for _, svc := range frontier {
			started[svc.Service] = true
			results[svc.Service] = &domain.ServiceResult{Service: svc.Service, StartedAt: e.nowRFC()}
			wg.Add(1)
			go func(svc domain.PlanService) {
				defer wg.Done()
				outcomes <- serviceOutcome{name: svc.Service, err: e.runService(planCtx, svc, site)}
			}(svc)
		}
		wg.Wait()
		close(outcomes)

		for out := range outcomes {
			svc := index[out.name]
			res := results[out.name]
			res.FinishedAt = e.nowRFC()
			switch {
			case out.err == nil:
				res.Status = "completed"
				completed[out.name] = true
			case errors.Is(out.err, context.DeadlineExceeded) && planCtx.Err() != nil && !svc.Required:
				// Plan ceiling tripped mid-flight; optional work is abandoned.
				res.Status = "aborted"
				res.Error = "aborted at plan duration ceiling"
				failed[out.name] = true
				ceilingHit = true
			case errors.Is(out.err, context.DeadlineExceeded):
				res.Status = "timed_out"
				res.Error = fmt.Sprintf("timed out after %dms", svc.TimeoutMs)
				failed[out.name] = true
			default:
				res.Status = "failed"
				res.Error = out.err.Error()
				failed[out.name] = true
			}
		}
		markSkipped()
		if planCtx.Err() != nil {
			ceilingHit = true
			break
		}
	}

	// Anything never started when the loop ends is skipped.
	for _, svc := range plan.Services {
		if !started[svc.Service] {
			results[svc.Service] = &domain.ServiceResult{Service: svc.Service, Status: "skipped", Error: "not reached"}
			failed[svc.Service] = true
		}
	}

	requiredFailed := false
	optionalIncomplete := false
	for _, svc := range plan.Services {
		if completed[svc.Service] {
			continue
		}
		if svc.Required {
			requiredFailed = true
		} else {
			optionalIncomplete = true
		}
	}
	switch {
	case requiredFailed:
		exec.Status = "failed"
	case optionalIncomplete || ceilingHit:
		exec.Status = "degraded"
	default:
		exec.Status = "completed"
	}
	exec.FinishedAt = e.nowRFC()
	for _, svc := range plan.Services {
		exec.Results = append(exec.Results, *results[svc.Service])
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "plan.executed", websiteID, "plan_execution", exec.ExecutionID, actorID, events.EventPayload{
		"plan_id": exec.PlanID,
		"status":  exec.Status,
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

func (e Engine) runService(planCtx context.Context, svc domain.PlanService, site domain.Website) error {
	disabled, err := e.Repo.IsServiceDisabled(planCtx, svc.Service)
	if err != nil {
		return err
	}
	if disabled {
		return fmt.Errorf("service %s is disabled", svc.Service)
	}
	fn, ok := e.services[svc.Service]
	if !ok {
		return fmt.Errorf("no implementation registered for service %s", svc.Service)
	}
	ctx := planCtx
	var cancel context.CancelFunc
	if svc.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(planCtx, time.Duration(svc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx, site) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func countFailed(failed, started map[string]bool) int {
	n := 0
	for name := range failed {
		if started[name] {
			n++
		}
	}
	return n
}
