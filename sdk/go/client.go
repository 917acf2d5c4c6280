package sitewardensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sitewarden HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Website represents the API website model.
type Website struct {
	ID        string `json:"id"`
	BaseURL   string `json:"base_url"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Eligibility is the trust gate verdict for one action on one website.
type Eligibility struct {
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason"`
	CurrentTrustLevel  int     `json:"current_trust_level"`
	RequiredTrustLevel int     `json:"required_trust_level"`
	Confidence         float64 `json:"confidence"`
	RiskLevel          string  `json:"risk_level,omitempty"`
}

// Proposal represents a change proposal (partial).
type Proposal struct {
	ID        string `json:"id"`
	WebsiteID string `json:"website_id"`
	Type      string `json:"type"`
	Target    string `json:"target"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level"`
	Title     string `json:"title"`
}

// ActionRun represents an enrichment action run (partial).
type ActionRun struct {
	ID         string         `json:"id"`
	WebsiteID  string         `json:"website_id"`
	ActionCode string         `json:"action_code"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
}

// SafetyState mirrors the control plane state.
type SafetyState struct {
	KillSwitchActive bool     `json:"kill_switch_active"`
	SystemMode       string   `json:"system_mode"`
	DisabledServices []string `json:"disabled_services"`
	PausedWebsites   []string `json:"paused_websites"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OnboardWebsite registers a website.
func (c *Client) OnboardWebsite(ctx context.Context, id, baseURL string) (Website, error) {
	body := map[string]any{"base_url": baseURL}
	if id != "" {
		body["id"] = id
	}
	var resp Website
	err := c.do(ctx, http.MethodPost, "v0/websites", body, &resp)
	return resp, err
}

// CheckEligibility asks whether an action may auto-execute on a website.
func (c *Client) CheckEligibility(ctx context.Context, websiteID, actionCode string) (Eligibility, error) {
	var resp Eligibility
	endpoint := fmt.Sprintf("v0/websites/%s/eligibility?action_code=%s",
		url.PathEscape(websiteID), url.QueryEscape(actionCode))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateProposal opens or updates a change proposal.
func (c *Client) CreateProposal(ctx context.Context, body map[string]any) (Proposal, error) {
	var resp struct {
		Proposal Proposal `json:"proposal"`
		Created  bool     `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "v0/proposals", body, &resp)
	return resp.Proposal, err
}

// TransitionProposal moves a proposal through its lifecycle.
func (c *Client) TransitionProposal(ctx context.Context, proposalID, status, reason string) (Proposal, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/transition", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunAction triggers an enrichment action run.
func (c *Client) RunAction(ctx context.Context, websiteID, actionCode, anomalyID, metricKey string, pctChange float64) (ActionRun, error) {
	body := map[string]any{
		"website_id":  websiteID,
		"action_code": actionCode,
		"anomaly": map[string]any{
			"id":             anomalyID,
			"metric_key":     metricKey,
			"percent_change": pctChange,
		},
	}
	var resp ActionRun
	err := c.do(ctx, http.MethodPost, "v0/actions/run", body, &resp)
	return resp, err
}

// SafetyState returns the current control plane state.
func (c *Client) GetSafetyState(ctx context.Context) (SafetyState, error) {
	var resp SafetyState
	err := c.do(ctx, http.MethodGet, "v0/safety", nil, &resp)
	return resp, err
}

// ActivateKillSwitch halts all autonomous execution.
func (c *Client) ActivateKillSwitch(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "v0/safety/kill-switch/activate", map[string]any{"reason": reason}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
