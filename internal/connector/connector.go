// Package connector abstracts the external data sources consulted during
// enrichment: page metadata, indexing signals, sitemap reachability, and
// historical query volumes.
package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type PageMetadata struct {
	URL             string `json:"url"`
	Title           string `json:"title,omitempty"`
	MetaDescription string `json:"meta_description,omitempty"`
	Canonical       string `json:"canonical,omitempty"`
}

type IndexingStatus struct {
	NoindexDetected  bool   `json:"noindex_detected"`
	RobotsReachable  bool   `json:"robots_reachable"`
	RobotsDisallowed bool   `json:"robots_disallowed"`
	Detail           string `json:"detail,omitempty"`
}

type SitemapStatus struct {
	Reachable  bool   `json:"reachable"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type QueryVolume struct {
	Query       string  `json:"query"`
	Window      string  `json:"window"`
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
}

// Connector is implemented by the boundary; enrichment steps are its only
// consumers inside the core.
type Connector interface {
	FetchPageMetadata(ctx context.Context, baseURL string, limit int) ([]PageMetadata, error)
	FetchIndexingStatus(ctx context.Context, baseURL string) (IndexingStatus, error)
	CheckSitemap(ctx context.Context, baseURL string) (SitemapStatus, error)
	FetchQueryVolumes(ctx context.Context, siteID, window string) ([]QueryVolume, error)
}

// HTTPConnector checks live robots.txt and sitemap endpoints. Page metadata
// and query volumes come from the site's own surfaces when available; callers
// that need richer data plug in their own Connector.
type HTTPConnector struct {
	Client *http.Client
}

func NewHTTP() *HTTPConnector {
	return &HTTPConnector{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *HTTPConnector) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPConnector) fetchBody(ctx context.Context, url string, limit int64) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func (c *HTTPConnector) FetchPageMetadata(ctx context.Context, baseURL string, limit int) ([]PageMetadata, error) {
	body, code, err := c.fetchBody(ctx, strings.TrimRight(baseURL, "/")+"/", 256<<10)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", baseURL, code)
	}
	page := PageMetadata{URL: baseURL}
	page.Title = extractTag(body, "<title>", "</title>")
	page.MetaDescription = extractMetaContent(body, "description")
	return []PageMetadata{page}, nil
}

func (c *HTTPConnector) FetchIndexingStatus(ctx context.Context, baseURL string) (IndexingStatus, error) {
	var status IndexingStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/robots.txt", nil)
	if err != nil {
		return status, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	status.RobotsReachable = resp.StatusCode < 400
	if status.RobotsReachable {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		status.RobotsDisallowed = strings.Contains(string(body), "Disallow: /\n") || strings.HasSuffix(string(body), "Disallow: /")
	}
	// A robots noindex on the home page is the strongest signal we can read
	// without search console access.
	body, code, err := c.fetchBody(ctx, strings.TrimRight(baseURL, "/")+"/", 256<<10)
	if err == nil && code < 400 {
		robots := strings.ToLower(extractMetaContent(body, "robots"))
		status.NoindexDetected = strings.Contains(robots, "noindex")
		if status.NoindexDetected {
			status.Detail = "home page carries a robots noindex meta tag"
		}
	}
	return status, nil
}

func (c *HTTPConnector) CheckSitemap(ctx context.Context, baseURL string) (SitemapStatus, error) {
	url := strings.TrimRight(baseURL, "/") + "/sitemap.xml"
	status := SitemapStatus{URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	status.StatusCode = resp.StatusCode
	status.Reachable = resp.StatusCode < 400
	if !status.Reachable {
		status.Detail = fmt.Sprintf("sitemap returned status %d", resp.StatusCode)
	}
	return status, nil
}

func (c *HTTPConnector) FetchQueryVolumes(ctx context.Context, siteID, window string) ([]QueryVolume, error) {
	return nil, fmt.Errorf("query volumes require a search console connector")
}

func extractTag(body, open, close string) string {
	lower := strings.ToLower(body)
	start := strings.Index(lower, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(lower[start:], close)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[start : start+end])
}

func extractMetaContent(body, name string) string {
	lower := strings.ToLower(body)
	idx := strings.Index(lower, `name="`+name+`"`)
	if idx < 0 {
		return ""
	}
	rest := body[idx:]
	cIdx := strings.Index(strings.ToLower(rest), `content="`)
	if cIdx < 0 {
		return ""
	}
	rest = rest[cIdx+len(`content="`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
