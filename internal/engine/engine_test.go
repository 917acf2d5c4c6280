package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sitewarden/internal/app"
	"sitewarden/internal/config"
	"sitewarden/internal/connector"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("default")
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if err := eng.SeedRiskCatalog(ctx); err != nil {
		t.Fatalf("seed risk catalog: %v", err)
	}
	if _, err := app.OnboardWebsite(ctx, eng, "site-1", "https://example.com", "tester"); err != nil {
		t.Fatalf("onboard website: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func TestEligibilityGate(t *testing.T) {
	env := newTestEnv(t)

	// fresh site starts at observe level, below the action's minimum
	res, err := env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "metadata")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed || !strings.Contains(res.Reason, "below required") {
		t.Fatalf("expected trust denial, got %+v", res)
	}

	// at the minimum trust level the action may run
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "metadata", 2, "tester", "test"); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	res, err = env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "metadata")
	if err != nil || !res.Allowed {
		t.Fatalf("expected allowed at level 2, got %+v (%v)", res, err)
	}

	// approval-gated actions never auto-execute, even at full trust
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "indexing", 3, "tester", "test"); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	res, _ = env.Engine.CanAutoExecute(env.Ctx, "site-1", "fix_noindex_tag", "indexing")
	if res.Allowed || !strings.Contains(res.Reason, "manual approval") {
		t.Fatalf("expected approval denial, got %+v", res)
	}

	// autonomous level additionally requires the confidence floor
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "metadata", 3, "tester", "test"); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	res, _ = env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "metadata")
	if res.Allowed || !strings.Contains(res.Reason, "confidence") {
		t.Fatalf("expected confidence denial, got %+v", res)
	}

	// unknown category means no trust record
	res, _ = env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "nonexistent")
	if res.Allowed || !strings.Contains(res.Reason, "no trust record") {
		t.Fatalf("expected missing record denial, got %+v", res)
	}
}

func TestRecentFailureBreaker(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "metadata", 2, "tester", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordActionOutcome(env.Ctx, "site-1", "metadata", true, "tester"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	if _, err := env.Engine.RecordActionOutcome(env.Ctx, "site-1", "metadata", false, "tester"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "metadata")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !strings.Contains(res.Reason, "recent failure") {
		t.Fatalf("expected failure breaker, got %+v", res)
	}

	// one new success clears the breaker
	env.advance(time.Minute)
	if _, err := env.Engine.RecordActionOutcome(env.Ctx, "site-1", "metadata", true, "tester"); err != nil {
		t.Fatal(err)
	}
	res, _ = env.Engine.CanAutoExecute(env.Ctx, "site-1", "update_meta_description", "metadata")
	if !res.Allowed {
		t.Fatalf("expected allowed after recovery, got %+v", res)
	}
}

func TestAutoDowngrade(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "content", 2, "tester", "test"); err != nil {
		t.Fatal(err)
	}
	outcomes := []bool{true, true, false, false}
	var record domain.TrustRecord
	var err error
	for _, ok := range outcomes {
		env.advance(time.Minute)
		record, err = env.Engine.RecordActionOutcome(env.Ctx, "site-1", "content", ok, "tester")
		if err != nil {
			t.Fatal(err)
		}
	}
	// 2/4 is below the success-rate threshold but under the action floor
	if record.TrustLevel != 2 {
		t.Fatalf("expected no downgrade at 4 actions, got %d", record.TrustLevel)
	}
	env.advance(time.Minute)
	record, err = env.Engine.RecordActionOutcome(env.Ctx, "site-1", "content", false, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// 2/5 success rate crosses the downgrade threshold
	if record.TrustLevel != 1 {
		t.Fatalf("expected downgrade to 1, got %d", record.TrustLevel)
	}
}

func TestTrustUpgrade(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpgradeTrust(env.Ctx, "site-1", "structured_data", "tester"); err == nil {
		t.Fatalf("expected not eligible error")
	}
	for i := 0; i < 10; i++ {
		env.advance(time.Minute)
		if _, err := env.Engine.RecordActionOutcome(env.Ctx, "site-1", "structured_data", true, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	record, err := env.Engine.UpgradeTrust(env.Ctx, "site-1", "structured_data", "tester")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if record.TrustLevel != 1 {
		t.Fatalf("expected level 1, got %d", record.TrustLevel)
	}
}

func TestValidatePlanRejectsCycles(t *testing.T) {
	plan := domain.RunPlan{
		PlanID: "cyclic",
		Services: []domain.PlanService{
			{Service: "a", DependsOn: []string{"b"}},
			{Service: "b", DependsOn: []string{"a"}},
		},
	}
	if err := engine.ValidatePlan(plan); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
	plan = domain.RunPlan{
		PlanID:   "dangling",
		Services: []domain.PlanService{{Service: "a", DependsOn: []string{"missing"}}},
	}
	if err := engine.ValidatePlan(plan); err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("expected unknown dep error, got %v", err)
	}
}

func registerMiniPlan(env *testEnv, alphaErr, gammaErr error) {
	env.Engine.Config.Plans["mini"] = domain.RunPlan{
		PlanID: "mini",
		Services: []domain.PlanService{
			{Service: "alpha", Required: true, TimeoutMs: 5000},
			{Service: "beta", DependsOn: []string{"alpha"}, Required: true, TimeoutMs: 5000},
			{Service: "gamma", Required: false, TimeoutMs: 5000},
		},
	}
	env.Engine.RegisterService("alpha", func(ctx context.Context, site domain.Website) error { return alphaErr })
	env.Engine.RegisterService("beta", func(ctx context.Context, site domain.Website) error { return nil })
	env.Engine.RegisterService("gamma", func(ctx context.Context, site domain.Website) error { return gammaErr })
}

func TestExecutePlanCompletes(t *testing.T) {
	env := newTestEnv(t)
	registerMiniPlan(env, nil, nil)
	exec, err := env.Engine.ExecutePlan(env.Ctx, "mini", "site-1", "tester")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != "completed" {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if len(exec.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(exec.Results))
	}
}

func TestExecutePlanSkipsDependentsOfFailures(t *testing.T) {
	env := newTestEnv(t)
	registerMiniPlan(env, errors.New("crawl blew up"), nil)
	exec, err := env.Engine.ExecutePlan(env.Ctx, "mini", "site-1", "tester")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != "failed" {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	byName := map[string]domain.ServiceResult{}
	for _, r := range exec.Results {
		byName[r.Service] = r
	}
	if byName["alpha"].Status != "failed" {
		t.Fatalf("alpha: %+v", byName["alpha"])
	}
	if byName["beta"].Status != "skipped" {
		t.Fatalf("beta should be skipped, got %+v", byName["beta"])
	}
	if byName["gamma"].Status != "completed" {
		t.Fatalf("gamma should still run, got %+v", byName["gamma"])
	}
}

func TestExecutePlanDegradedOnOptionalFailure(t *testing.T) {
	env := newTestEnv(t)
	registerMiniPlan(env, nil, errors.New("flaky"))
	exec, err := env.Engine.ExecutePlan(env.Ctx, "mini", "site-1", "tester")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", exec.Status)
	}
}

func TestProposalFingerprintDedup(t *testing.T) {
	env := newTestEnv(t)
	in := engine.ProposalInput{
		WebsiteID:  "site-1",
		ServiceKey: "content_audit",
		Type:       "update_meta_description",
		Target:     "/pricing",
		RiskLevel:  "low",
		Title:      "Add a meta description to /pricing",
	}
	first, created, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	in.Title = "Rewrite the meta description on /pricing"
	second, created, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected update of existing proposal, created=%v ids %s vs %s", created, first.ID, second.ID)
	}
	if second.Title != in.Title {
		t.Fatalf("content not absorbed: %s", second.Title)
	}

	// case and internal whitespace do not defeat the fingerprint
	in.Target = "Pricing  Page"
	third, created, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil || !created {
		t.Fatalf("third create: created=%v err=%v", created, err)
	}
	in.Target = "pricing page"
	fourth, created, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil {
		t.Fatalf("fourth create: %v", err)
	}
	if created || fourth.ID != third.ID {
		t.Fatalf("whitespace variant opened a duplicate: created=%v ids %s vs %s", created, third.ID, fourth.ID)
	}
}

func TestProposalTransitions(t *testing.T) {
	env := newTestEnv(t)
	in := engine.ProposalInput{
		WebsiteID:  "site-1",
		ServiceKey: "content_audit",
		Type:       "update_title_tag",
		Target:     "/features",
		RiskLevel:  "low",
		Title:      "Shorten the /features title",
	}
	p, _, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil {
		t.Fatal(err)
	}

	// open -> applied is not allowed without approval
	if _, err := env.Engine.TransitionProposal(env.Ctx, p.ID, "applied", "tester", ""); err == nil {
		t.Fatalf("expected transition error")
	}
	p, err = env.Engine.TransitionProposal(env.Ctx, p.ID, "approved", "tester", "looks good")
	if err != nil || p.Status != "approved" {
		t.Fatalf("approve: %v %s", err, p.Status)
	}
	p, err = env.Engine.TransitionProposal(env.Ctx, p.ID, "applied", "tester", "")
	if err != nil || p.Status != "applied" {
		t.Fatalf("apply: %v %s", err, p.Status)
	}
	// applied is terminal
	if _, err := env.Engine.TransitionProposal(env.Ctx, p.ID, "approved", "tester", ""); err == nil {
		t.Fatalf("expected terminal status error")
	}

	// rejection is terminal too
	in.Target = "/about"
	p2, _, err := env.Engine.CreateOrUpdateProposal(env.Ctx, in, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionProposal(env.Ctx, p2.ID, "rejected", "tester", "not worth it"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionProposal(env.Ctx, p2.ID, "approved", "tester", ""); err == nil {
		t.Fatalf("expected rejected to be terminal")
	}

	// transitions always name an actor
	if _, err := env.Engine.TransitionProposal(env.Ctx, p.ID, "superseded", "", ""); err == nil {
		t.Fatalf("expected actor required error")
	}

	actions, err := env.Engine.Repo.ListProposalActions(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) < 3 {
		t.Fatalf("expected audit trail entries, got %d", len(actions))
	}
}

func TestJobLockLease(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ClaimJobLock(env.Ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// live lease refuses other owners
	_, err := env.Engine.ClaimJobLock(env.Ctx, "job-1", "worker-b")
	if !errors.Is(err, engine.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	// the owner may extend
	if _, err := env.Engine.ClaimJobLock(env.Ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("extend: %v", err)
	}
	// only the owner may release
	if err := env.Engine.ReleaseJobLock(env.Ctx, "job-1", "worker-b"); err == nil {
		t.Fatalf("expected owner mismatch error")
	}

	// past the TTL the lease is reclaimable
	env.advance(time.Duration(env.Engine.Config.Locks.TTLSeconds+1) * time.Second)
	if _, err := env.Engine.ClaimJobLock(env.Ctx, "job-1", "worker-b"); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if err := env.Engine.ReleaseJobLock(env.Ctx, "job-1", "worker-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, held, err := env.Engine.GetJobLockStatus(env.Ctx, "job-1")
	if err != nil || held {
		t.Fatalf("expected released, held=%v err=%v", held, err)
	}
}

func TestRecoverExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ClaimJobLock(env.Ctx, "job-stale", "worker-a"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Duration(env.Engine.Config.Locks.TTLSeconds+1) * time.Second)
	n, err := env.Engine.RecoverExpiredLocks(env.Ctx, "sweeper")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	_, held, _ := env.Engine.GetJobLockStatus(env.Ctx, "job-stale")
	if held {
		t.Fatalf("lock should be gone")
	}
}

func TestDetectBreakagesAbsolute(t *testing.T) {
	env := newTestEnv(t)
	events, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"lcp": 4200}, map[string]float64{"lcp": 2000}, "7d", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "breakage" || events[0].Severity != "high" {
		t.Fatalf("expected high breakage, got %+v", events)
	}

	events, err = env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"lcp": 2600}, map[string]float64{"lcp": 2000}, "7d", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "regression" || events[0].Severity != "medium" {
		t.Fatalf("expected medium regression, got %+v", events)
	}

	// crossing back under the poor threshold is an improvement
	events, err = env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"lcp": 2000}, map[string]float64{"lcp": 2600}, "7d", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "improvement" {
		t.Fatalf("expected improvement, got %+v", events)
	}
}

func TestDetectBreakagesRelative(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		newVal    float64
		eventType string
		severity  string
	}{
		{50, "breakage", "high"},
		{70, "regression", "medium"},
		{80, "regression", "low"},
		{120, "improvement", "low"},
	}
	for _, tc := range cases {
		events, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
			map[string]float64{"clicks": tc.newVal}, map[string]float64{"clicks": 100}, "7d", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].EventType != tc.eventType || events[0].Severity != tc.severity {
			t.Fatalf("clicks 100->%v: expected %s/%s, got %+v", tc.newVal, tc.eventType, tc.severity, events)
		}
	}

	// a 10% dip is noise
	events, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"clicks": 90}, map[string]float64{"clicks": 100}, "7d", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestDetectBreakagesFeedsTrust(t *testing.T) {
	env := newTestEnv(t)
	intervention := &engine.Intervention{
		ActionID:       "run-1",
		ActionCode:     "update_meta_description",
		ActionCategory: "metadata",
		Attribution:    0.5,
	}
	// clean metrics count as a success
	if _, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"clicks": 100}, map[string]float64{"clicks": 100}, "7d", intervention); err != nil {
		t.Fatal(err)
	}
	record, err := env.Engine.Repo.GetTrustRecord(env.Ctx, "site-1", "metadata")
	if err != nil {
		t.Fatal(err)
	}
	if record.SuccessCount != 1 || record.FailureCount != 0 {
		t.Fatalf("expected 1 success, got %+v", record)
	}

	// a breakage counts as a failure
	env.advance(time.Minute)
	if _, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"clicks": 40}, map[string]float64{"clicks": 100}, "7d", intervention); err != nil {
		t.Fatal(err)
	}
	record, err = env.Engine.Repo.GetTrustRecord(env.Ctx, "site-1", "metadata")
	if err != nil {
		t.Fatal(err)
	}
	if record.FailureCount != 1 {
		t.Fatalf("expected 1 failure, got %+v", record)
	}
}

func TestKnowledgePromotion(t *testing.T) {
	env := newTestEnv(t)
	intervention := &engine.Intervention{
		ActionID:       "run-1",
		ActionCode:     "update_robots_txt",
		ActionCategory: "indexing",
		Attribution:    0.85,
	}
	if _, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"clicks": 40}, map[string]float64{"clicks": 100}, "7d", intervention); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListKnowledgeEntries(env.Ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Status != "draft" || entries[0].AvoidAction != "update_robots_txt" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[0].Guardrail == "" {
		t.Fatalf("expected a guardrail on a harmful lesson")
	}

	// a repeat observation corroborates instead of duplicating
	env.advance(time.Minute)
	intervention.ActionID = "run-2"
	intervention.Attribution = 1.0
	if _, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"clicks": 35}, map[string]float64{"clicks": 100}, "7d", intervention); err != nil {
		t.Fatal(err)
	}
	entries, err = env.Engine.Repo.ListKnowledgeEntries(env.Ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected corroboration, got %d entries", len(entries))
	}
	if entries[0].Confidence <= 0.85 {
		t.Fatalf("expected blended confidence above 0.85, got %f", entries[0].Confidence)
	}
	// the latest observation replaces the stored evidence
	if entries[0].Evidence.ActionID != "run-2" || entries[0].Evidence.AfterValue != 35 {
		t.Fatalf("evidence not refreshed: %+v", entries[0].Evidence)
	}

	// low attribution never reaches the knowledge base
	env.advance(time.Minute)
	weak := &engine.Intervention{ActionCode: "resubmit_sitemap", ActionCategory: "indexing", Attribution: 0.3}
	if _, err := env.Engine.DetectBreakages(env.Ctx, "site-1",
		map[string]float64{"impressions": 40}, map[string]float64{"impressions": 100}, "7d", weak); err != nil {
		t.Fatal(err)
	}
	entries, _ = env.Engine.Repo.ListKnowledgeEntries(env.Ctx, "", 10)
	if len(entries) != 1 {
		t.Fatalf("expected weak attribution to be ignored, got %d entries", len(entries))
	}
}

type stubConnector struct {
	queriesErr  error
	missingMeta bool
	noindex     bool
	sitemapOK   bool
}

func (s stubConnector) FetchPageMetadata(ctx context.Context, baseURL string, limit int) ([]connector.PageMetadata, error) {
	page := connector.PageMetadata{URL: baseURL, Title: "Home"}
	if !s.missingMeta {
		page.MetaDescription = "A fine page"
	}
	return []connector.PageMetadata{page}, nil
}

func (s stubConnector) FetchIndexingStatus(ctx context.Context, baseURL string) (connector.IndexingStatus, error) {
	return connector.IndexingStatus{NoindexDetected: s.noindex, RobotsReachable: true}, nil
}

func (s stubConnector) CheckSitemap(ctx context.Context, baseURL string) (connector.SitemapStatus, error) {
	return connector.SitemapStatus{Reachable: s.sitemapOK, URL: baseURL + "/sitemap.xml", Detail: "status 404"}, nil
}

func (s stubConnector) FetchQueryVolumes(ctx context.Context, siteID, window string) ([]connector.QueryVolume, error) {
	if s.queriesErr != nil {
		return nil, s.queriesErr
	}
	return []connector.QueryVolume{{Query: "example", Window: window, Clicks: 12}}, nil
}

func TestRunActionTolerantSteps(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Connector = stubConnector{
		queriesErr:  errors.New("gsc unavailable"),
		missingMeta: true,
		sitemapOK:   true,
	}
	run, err := env.Engine.RunAction(env.Ctx, engine.RunActionInput{
		WebsiteID:  "site-1",
		ActionCode: "investigate_traffic_drop",
		Anomaly:    domain.Anomaly{ID: "anom-1", MetricKey: "clicks", PercentChange: -40, Window: "7d"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != "completed" {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if len(run.Output.Findings) != 4 {
		t.Fatalf("expected 4 findings, got %d", len(run.Output.Findings))
	}
	var sawStepError, sawMetaWarning bool
	for _, f := range run.Output.Findings {
		if f.Step == "fetch_gsc_queries" && f.Error != "" {
			sawStepError = true
		}
		if f.Step == "fetch_top_pages" && f.Severity == "warning" {
			sawMetaWarning = true
		}
	}
	if !sawStepError || !sawMetaWarning {
		t.Fatalf("findings missing expected entries: %+v", run.Output.Findings)
	}
	var sawRetry bool
	for _, s := range run.Output.NextSteps {
		if strings.Contains(s, "retry step fetch_gsc_queries") {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Fatalf("expected retry next step, got %v", run.Output.NextSteps)
	}
	// the lease is released when the run finishes
	_, held, err := env.Engine.GetJobLockStatus(env.Ctx, "action:anom-1")
	if err != nil || held {
		t.Fatalf("lock should be released, held=%v err=%v", held, err)
	}
}

func TestRunActionLockConflict(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Connector = stubConnector{sitemapOK: true}
	if _, err := env.Engine.ClaimJobLock(env.Ctx, "action:anom-2", "other-worker"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.RunAction(env.Ctx, engine.RunActionInput{
		WebsiteID:  "site-1",
		ActionCode: "investigate_traffic_drop",
		Anomaly:    domain.Anomaly{ID: "anom-2"},
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestRunActionBlockedByKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Connector = stubConnector{sitemapOK: true}
	if err := env.Engine.ActivateKillSwitch(env.Ctx, "emergency stop for testing", "operator"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.RunAction(env.Ctx, engine.RunActionInput{
		WebsiteID:  "site-1",
		ActionCode: "investigate_traffic_drop",
		Anomaly:    domain.Anomaly{ID: "anom-3"},
		ActorID:    "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "safety check failed") {
		t.Fatalf("expected safety failure, got %v", err)
	}
}

func TestRunActionEnrichmentAllowedInMaintenance(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Connector = stubConnector{sitemapOK: true}
	if err := env.Engine.SetSystemMode(env.Ctx, "maintenance", "planned migration window", "operator"); err != nil {
		t.Fatal(err)
	}
	// maintenance suspends changes; read-only enrichment keeps going even
	// for a high-risk action code
	run, err := env.Engine.RunAction(env.Ctx, engine.RunActionInput{
		WebsiteID:  "site-1",
		ActionCode: "fix_noindex_tag",
		Anomaly:    domain.Anomaly{ID: "anom-4"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("enrichment in maintenance mode: %v", err)
	}
	if run.Status != "completed" {
		t.Fatalf("expected completed, got %s", run.Status)
	}
}

func TestSafetyCommandsRequireReason(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ActivateKillSwitch(env.Ctx, "no", "operator"); err == nil {
		t.Fatalf("expected short reason rejection")
	}
	if err := env.Engine.SetSystemMode(env.Ctx, "sideways", "because of testing", "operator"); err == nil {
		t.Fatalf("expected invalid mode rejection")
	}
	if err := env.Engine.SetSystemMode(env.Ctx, "maintenance", "planned migration window", "operator"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	check, err := env.Engine.PerformSafetyCheck(env.Ctx, engine.SafetyCheckInput{WebsiteID: "site-1", RequiresChanges: true})
	if err != nil {
		t.Fatal(err)
	}
	if check.Passed {
		t.Fatalf("changes should be suspended in maintenance mode")
	}
	// read-only work keeps going
	check, err = env.Engine.PerformSafetyCheck(env.Ctx, engine.SafetyCheckInput{WebsiteID: "site-1"})
	if err != nil || !check.Passed {
		t.Fatalf("read-only check should pass: %+v %v", check, err)
	}
}

func TestWebsitePauseBlocksActions(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.PauseWebsite(env.Ctx, "site-1", "migration", "operator"); err != nil {
		t.Fatal(err)
	}
	check, err := env.Engine.PerformSafetyCheck(env.Ctx, engine.SafetyCheckInput{WebsiteID: "site-1"})
	if err != nil {
		t.Fatal(err)
	}
	if check.Passed {
		t.Fatalf("paused site should fail the check")
	}
	if err := env.Engine.ResumeWebsite(env.Ctx, "site-1", "operator"); err != nil {
		t.Fatal(err)
	}
	check, _ = env.Engine.PerformSafetyCheck(env.Ctx, engine.SafetyCheckInput{WebsiteID: "site-1"})
	if !check.Passed {
		t.Fatalf("resumed site should pass")
	}
}

func TestMetricWindowRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RecordMetricWindow(env.Ctx, "site-1", "7d", map[string]float64{"clicks": 480, "lcp": 2100}); err != nil {
		t.Fatal(err)
	}
	values, err := env.Engine.Repo.MetricWindow(env.Ctx, "site-1", "7d")
	if err != nil {
		t.Fatal(err)
	}
	if values["clicks"] != 480 || values["lcp"] != 2100 {
		t.Fatalf("unexpected window %+v", values)
	}
}

func TestEventsAppendedOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetTrustLevel(env.Ctx, "site-1", "metadata", 1, "tester", "ramping up"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='trust.override'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected trust override event, got %d", count)
	}
}
