package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"sitewarden/internal/config"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("default")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.SeedRiskCatalog(context.Background()); err != nil {
		t.Fatalf("seed risk catalog: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{"X-Actor-Id": "tester"}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func onboardSite(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/websites", map[string]any{
		"id":       id,
		"base_url": "https://example.com",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// legacy actor header
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{"X-Actor-Id": "legacy"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header status %d", res.StatusCode)
	}

	// signed JWT
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "jwt-user"}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d", res.StatusCode)
	}

	// wrong secret
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "jwt-user"}).SignedString([]byte("wrong"))
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "ci-bot",
		"name":     "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created CreatedAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key in response")
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d", res.StatusCode)
	}

	// listed keys never expose the hash
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/api-keys", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d", res.StatusCode)
	}
	var keys []domain.APIKey
	_ = json.Unmarshal(data, &keys)
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("unexpected key listing: %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+created.ID, nil, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to fail, got %d", res.StatusCode)
	}
}

func TestOnboardingAndEligibility(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	onboardSite(t, srv, "site-1")

	// duplicate onboarding conflicts
	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/websites", map[string]any{
		"id": "site-1", "base_url": "https://example.com",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites/site-1/eligibility?action_code=update_meta_description", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("eligibility status %d: %s", res.StatusCode, string(data))
	}
	var verdict engine.EligibilityResult
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if verdict.Allowed {
		t.Fatalf("fresh site should not be eligible: %+v", verdict)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/websites/site-1/trust/metadata", map[string]any{
		"level": 2, "reason": "piloting metadata automation",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set trust status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites/site-1/eligibility?action_code=update_meta_description", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("eligibility status %d", res.StatusCode)
	}
	_ = json.Unmarshal(data, &verdict)
	if !verdict.Allowed {
		t.Fatalf("expected eligible after trust grant: %+v", verdict)
	}
}

func TestProposalLifecycleHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	onboardSite(t, srv, "site-1")

	body := map[string]any{
		"website_id":  "site-1",
		"service_key": "content_audit",
		"type":        "update_meta_description",
		"target":      "/pricing",
		"risk_level":  "low",
		"title":       "Add a meta description to /pricing",
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created CreatedProposalResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !created.Created {
		t.Fatalf("expected created=true")
	}

	// same fingerprint updates in place
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("re-create status %d: %s", res.StatusCode, string(data))
	}
	var second CreatedProposalResponse
	_ = json.Unmarshal(data, &second)
	if second.Created || second.Proposal.ID != created.Proposal.ID {
		t.Fatalf("expected dedup, got %+v", second)
	}

	// open -> applied is blocked
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.Proposal.ID+"/transition", map[string]any{
		"status": "applied",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+created.Proposal.ID+"/transition", map[string]any{
		"status": "approved", "reason": "looks good",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+created.Proposal.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", res.StatusCode)
	}
	var detail ProposalDetailResponse
	_ = json.Unmarshal(data, &detail)
	if detail.Proposal.Status != "approved" || len(detail.Actions) < 3 {
		t.Fatalf("unexpected detail %s", string(data))
	}
}

func TestLockConflictHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks/claim", map[string]any{
		"job_id": "job-1",
	}, map[string]string{"X-Actor-Id": "worker-a"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks/claim", map[string]any{
		"job_id": "job-1",
	}, map[string]string{"X-Actor-Id": "worker-b"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/locks/job-1", nil, map[string]string{"X-Actor-Id": "worker-a"})
	if res.StatusCode >= 300 {
		t.Fatalf("release status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locks/job-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var lockStatus LockStatusResponse
	_ = json.Unmarshal(data, &lockStatus)
	if lockStatus.Held {
		t.Fatalf("lock should be free: %s", string(data))
	}
}

func TestKillSwitchBlocksPlansHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	onboardSite(t, srv, "site-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/safety/kill-switch/activate", map[string]any{
		"reason": "incident response drill",
	}, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/safety/check", map[string]any{
		"website_id": "site-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d", res.StatusCode)
	}
	var check engine.SafetyCheckResult
	_ = json.Unmarshal(data, &check)
	if check.Passed {
		t.Fatalf("expected failing check: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/safety", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("safety state status %d", res.StatusCode)
	}
	var state domain.SafetyState
	_ = json.Unmarshal(data, &state)
	if !state.KillSwitchActive {
		t.Fatalf("expected kill switch active: %s", string(data))
	}
}

func TestMetricsAndOutcomesHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	onboardSite(t, srv, "site-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/websites/site-1/metrics", map[string]any{
		"window": "28d",
		"values": map[string]float64{"clicks": 100},
	}, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("record metrics status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/websites/site-1/outcomes/detect", map[string]any{
		"window":   "7d",
		"current":  map[string]float64{"clicks": 40},
		"baseline": map[string]float64{"clicks": 100},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detect status %d: %s", res.StatusCode, string(data))
	}
	var detected DetectBreakagesResponse
	if err := json.Unmarshal(data, &detected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(detected.Events) != 1 || detected.Events[0].EventType != "breakage" {
		t.Fatalf("expected breakage, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/websites/site-1/outcomes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list outcomes status %d", res.StatusCode)
	}
	var events []domain.OutcomeEvent
	_ = json.Unmarshal(data, &events)
	if len(events) != 1 {
		t.Fatalf("expected stored outcome event, got %s", string(data))
	}
}
