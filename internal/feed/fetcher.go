package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"herald/internal/config"
	"herald/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Second
	maxFeedBytes   = 8 << 20
	userAgent      = "herald/1.0 (+feed fetcher)"
)

type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	log     logx.Logger
}

func NewFetcher(client *http.Client, timeout time.Duration, log logx.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{client: client, timeout: timeout, log: log}
}

// Fetch downloads and parses one feed. Items without a title or link are
// dropped; a missing published date or summary becomes Missing.
func (f *Fetcher) Fetch(ctx context.Context, src config.Feed) ([]ContentItem, error) {
	body, err := f.get(ctx, src)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FeedParseError{Feed: src.Name, URL: src.URL, Err: err}
	}

	items := make([]ContentItem, 0, len(parsed.Items))
	skipped := 0
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		title := strings.TrimSpace(it.Title)
		link := strings.TrimSpace(it.Link)
		if title == "" || link == "" {
			skipped++
			continue
		}
		items = append(items, ContentItem{
			Feed:      src.Name,
			Title:     title,
			Link:      link,
			Published: orMissing(it.Published),
			Summary:   orMissing(it.Description),
			Channel:   src.ChannelName,
		})
	}
	if skipped > 0 {
		f.log.Debug("feed items without title or link dropped", logx.String("feed", src.Name), logx.Int("count", skipped))
	}
	return items, nil
}

func (f *Fetcher) get(ctx context.Context, src config.Feed) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &FetchError{Feed: src.Name, URL: src.URL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Feed: src.Name, URL: src.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Feed: src.Name, URL: src.URL, Status: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &FetchError{Feed: src.Name, URL: src.URL, Err: err}
	}
	return b, nil
}

// FetchAll fetches every feed in order. A failing feed is logged and
// skipped; the joined failures are returned alongside the items that did
// arrive.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []config.Feed) ([]ContentItem, error) {
	var (
		all  []ContentItem
		errs []error
	)
	for _, src := range feeds {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		items, err := f.Fetch(ctx, src)
		if err != nil {
			var perr *FeedParseError
			kind := "fetch"
			if errors.As(err, &perr) {
				kind = "parse"
			}
			f.log.Warn("feed skipped", logx.String("feed", src.Name), logx.String("kind", kind), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		all = append(all, items...)
	}
	return all, errors.Join(errs...)
}

func orMissing(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Missing
	}
	return s
}
