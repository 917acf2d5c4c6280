package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveSite(t *testing.T, home, robots string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			w.Write([]byte(robots))
		case "/":
			w.Write([]byte(home))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchIndexingStatusDetectsNoindex(t *testing.T) {
	srv := serveSite(t,
		`<html><head><meta name="robots" content="noindex, nofollow"></head></html>`,
		"User-agent: *\nAllow: /\n")

	status, err := NewHTTP().FetchIndexingStatus(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !status.NoindexDetected {
		t.Fatalf("expected noindex detection, got %+v", status)
	}
	if !status.RobotsReachable || status.RobotsDisallowed {
		t.Fatalf("robots misread: %+v", status)
	}
}

func TestFetchIndexingStatusCleanSite(t *testing.T) {
	srv := serveSite(t,
		`<html><head><title>Home</title><meta name="robots" content="index, follow"></head></html>`,
		"User-agent: *\nAllow: /\n")

	status, err := NewHTTP().FetchIndexingStatus(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if status.NoindexDetected {
		t.Fatalf("false noindex on clean site: %+v", status)
	}
}

func TestFetchIndexingStatusRobotsDisallowAll(t *testing.T) {
	srv := serveSite(t,
		`<html><head><title>Home</title></head></html>`,
		"User-agent: *\nDisallow: /")

	status, err := NewHTTP().FetchIndexingStatus(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !status.RobotsDisallowed {
		t.Fatalf("expected blanket disallow detection, got %+v", status)
	}
}

func TestFetchPageMetadata(t *testing.T) {
	srv := serveSite(t,
		`<html><head><title> Acme Widgets </title><meta name="description" content="Widgets for everyone"></head></html>`,
		"")

	pages, err := NewHTTP().FetchPageMetadata(context.Background(), srv.URL, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected one page, got %d", len(pages))
	}
	if pages[0].Title != "Acme Widgets" || pages[0].MetaDescription != "Widgets for everyone" {
		t.Fatalf("metadata misread: %+v", pages[0])
	}
}
