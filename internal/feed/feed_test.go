package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herald/internal/config"
	"herald/pkg/logx"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Go Blog</title>
  <link>https://go.dev/blog</link>
  <item>
    <title>Go 1.25 is released</title>
    <link>https://go.dev/blog/go1.25</link>
    <pubDate>Tue, 12 Aug 2025 17:00:00 GMT</pubDate>
    <description>Release notes</description>
  </item>
  <item>
    <title>No date here</title>
    <link>https://go.dev/blog/undated</link>
  </item>
  <item>
    <title>Missing link</title>
    <pubDate>Tue, 12 Aug 2025 17:00:00 GMT</pubDate>
  </item>
  <item>
    <link>https://go.dev/blog/untitled</link>
  </item>
</channel>
</rss>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, rssBody)
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><body>not a feed</body></html>")
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchMapsItems(t *testing.T) {
	t.Parallel()
	srv := feedServer(t)
	f := NewFetcher(srv.Client(), time.Second, logx.Nop())

	items, err := f.Fetch(context.Background(), config.Feed{Name: "go", URL: srv.URL + "/rss", ChannelName: "golang"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (%+v)", len(items), items)
	}
	first := items[0]
	if first.Title != "Go 1.25 is released" || first.Link != "https://go.dev/blog/go1.25" || first.Channel != "golang" || first.Feed != "go" {
		t.Fatalf("first = %+v", first)
	}
	if first.Summary != "Release notes" || first.Published == Missing {
		t.Fatalf("first fields = %+v", first)
	}
	if items[1].Published != Missing || items[1].Summary != Missing {
		t.Fatalf("missing fields should default to %q: %+v", Missing, items[1])
	}
}

func TestFetchDistinguishesParseFromTransport(t *testing.T) {
	t.Parallel()
	srv := feedServer(t)
	f := NewFetcher(srv.Client(), time.Second, logx.Nop())

	_, err := f.Fetch(context.Background(), config.Feed{Name: "bad", URL: srv.URL + "/html", ChannelName: "c"})
	var perr *FeedParseError
	if !errors.As(err, &perr) || perr.Feed != "bad" {
		t.Fatalf("expected FeedParseError, got %v", err)
	}

	_, err = f.Fetch(context.Background(), config.Feed{Name: "down", URL: srv.URL + "/down", ChannelName: "c"})
	var ferr *FetchError
	if !errors.As(err, &ferr) || ferr.Status != http.StatusBadGateway {
		t.Fatalf("expected FetchError 502, got %v", err)
	}
	if errors.As(err, &perr) {
		t.Fatal("transport failure must not be a FeedParseError")
	}
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	t.Parallel()
	srv := feedServer(t)
	f := NewFetcher(srv.Client(), time.Second, logx.Nop())

	items, err := f.FetchAll(context.Background(), []config.Feed{
		{Name: "bad", URL: srv.URL + "/html", ChannelName: "c"},
		{Name: "go", URL: srv.URL + "/rss", ChannelName: "golang"},
		{Name: "down", URL: srv.URL + "/down", ChannelName: "c"},
	})
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	var perr *FeedParseError
	var ferr *FetchError
	if !errors.As(err, &perr) || !errors.As(err, &ferr) {
		t.Fatalf("joined error should carry both failures, got %v", err)
	}
}

func TestParsePublished(t *testing.T) {
	t.Parallel()
	aug12 := time.Date(2025, 8, 12, 17, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"Tue, 12 Aug 2025 17:00:00 GMT", true, aug12},
		{"Tue, 12 Aug 2025 17:00:00 +0000", true, aug12},
		{"Tue, 12 Aug 2025 19:00:00 +0200", true, aug12},
		{"Tue, 12 Aug 2025 17:00:00 UTC", true, aug12},
		{"2025-08-12T17:00:00Z", true, aug12},
		{"2025-08-12T12:00:00-05:00", true, aug12},
		{"2025-08-12T17:00:00 +0000", true, aug12},
		{"2025-01-10T08:00:00 GMT", true, time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)},
		{"Fri, 10 Jan 2025 23:30:00 EST", false, time.Time{}},
		{"Fri, 10 Jan 2025 23:30:00 PST", false, time.Time{}},
		{"not-a-date", false, time.Time{}},
		{"N/A", false, time.Time{}},
		{"yesterday", false, time.Time{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePublished(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("ParsePublished(%q) = %v, err = %v", tt.in, got, err)
			}
			if tt.ok && !got.Equal(tt.want) {
				t.Fatalf("ParsePublished(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterTodayUsesZoneDate(t *testing.T) {
	t.Parallel()
	// UTC+9: 2025-08-12 20:00 UTC is already the 13th.
	tokyo := time.FixedZone("JST", 9*3600)
	now := time.Date(2025, 8, 13, 10, 0, 0, 0, tokyo)

	items := []ContentItem{
		{Link: "a", Published: "Tue, 12 Aug 2025 20:00:00 GMT"}, // 13th in JST
		{Link: "b", Published: "Tue, 12 Aug 2025 10:00:00 GMT"}, // 12th in JST
		{Link: "c", Published: "2025-08-13T23:30:00+09:00"},
		{Link: "d", Published: Missing},
	}
	got := FilterToday(items, tokyo, now, logx.Nop())
	if len(got) != 2 || got[0].Link != "a" || got[1].Link != "c" {
		t.Fatalf("FilterToday = %+v", got)
	}

	// Same items judged in UTC, where now is still the 13th at 01:00.
	got = FilterToday(items, time.UTC, now, logx.Nop())
	if len(got) != 1 || got[0].Link != "c" {
		t.Fatalf("FilterToday(UTC) = %+v", got)
	}

	batch := []ContentItem{
		{Link: "gmt", Published: "2025-01-10T08:00:00 GMT"},
		{Link: "junk", Published: "not-a-date"},
	}
	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC), 1},
		{time.Date(2025, 1, 11, 12, 0, 0, 0, time.UTC), 0},
	}
	for _, c := range cases {
		got := FilterToday(batch, time.UTC, c.now, logx.Nop())
		if len(got) != c.want || (c.want == 1 && got[0].Link != "gmt") {
			t.Fatalf("FilterToday(now=%s) = %+v, want %d item(s)", c.now.Format(time.DateOnly), got, c.want)
		}
	}
}
