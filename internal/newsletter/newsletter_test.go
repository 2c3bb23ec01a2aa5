package newsletter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/discord"
	"herald/internal/eventbus"
	"herald/internal/feed"
	"herald/internal/ledger"
	"herald/pkg/logx"
)

var now = time.Date(2025, 8, 12, 18, 0, 0, 0, time.UTC)

const today = "Tue, 12 Aug 2025 09:00:00 GMT"

type fakeDest struct {
	mu       sync.Mutex
	channels map[string]string   // name -> id
	history  map[string][]string // id -> contents
	posts    []string            // "id|content"
	postErr  error
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		channels: map[string]string{"golang": "100", "infra": "200"},
		history:  map[string][]string{},
	}
}

func (d *fakeDest) ChannelID(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.channels[name]
	if !ok {
		return "", discord.ErrNotFound
	}
	return id, nil
}

func (d *fakeDest) RecentContents(_ context.Context, id string, limit int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history[id]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]string(nil), h...), nil
}

func (d *fakeDest) PostMessage(_ context.Context, id, content string) (discord.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.postErr != nil {
		return discord.Message{}, d.postErr
	}
	d.posts = append(d.posts, id+"|"+content)
	d.history[id] = append(d.history[id], content)
	return discord.Message{ID: "m", ChannelID: id, Content: content}, nil
}

type fakeSource struct {
	items []feed.ContentItem
	err   error
}

func (s fakeSource) FetchAll(context.Context, []config.Feed) ([]feed.ContentItem, error) {
	return s.items, s.err
}

func item(ch, link, published string) feed.ContentItem {
	return feed.ContentItem{Feed: "f", Title: "t " + link, Link: link, Published: published, Summary: feed.Missing, Channel: ch}
}

func newService(dst Destination, src Source, l ledger.Ledger, bus eventbus.Bus) *Service {
	s := New(dst, src, l, bus, logx.Nop(), Options{FeedsFile: "feeds.yaml", HistoryLimit: 50, TTL: 24 * time.Hour})
	s.loadFeeds = func(string) (*config.Feeds, error) {
		return &config.Feeds{Feeds: []config.Feed{{Name: "f", URL: "https://x.test/rss", ChannelName: "golang"}}}, nil
	}
	return s
}

func TestFilterUnseen(t *testing.T) {
	t.Parallel()
	history := []string{"https://go.dev/blog/a", "hello"}
	got := FilterUnseen([]string{
		"https://go.dev/blog/a",
		"https://go.dev/blog/A",
		"https://go.dev/blog/a/",
		"https://go.dev/blog/b",
		"https://go.dev/blog/b",
	}, history)
	want := []string{"https://go.dev/blog/A", "https://go.dev/blog/a/", "https://go.dev/blog/b"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("FilterUnseen = %v, want %v", got, want)
	}
	if got := FilterUnseen(nil, history); len(got) != 0 {
		t.Fatalf("FilterUnseen(nil) = %v", got)
	}
}

func TestPlanCycleGroupsFreshItems(t *testing.T) {
	t.Parallel()
	items := []feed.ContentItem{
		item("golang", "a", today),
		item("infra", "b", today),
		item("golang", "a", today), // second feed, same link
		item("golang", "old", "Mon, 11 Aug 2025 09:00:00 GMT"),
		item("golang", "undated", feed.Missing),
		item("infra", "a", today), // same link, other channel
	}
	batches := PlanCycle(now, time.UTC, items, logx.Nop())
	if len(batches) != 2 || batches[0].Channel != "golang" || batches[1].Channel != "infra" {
		t.Fatalf("batches = %+v", batches)
	}
	if len(batches[0].Items) != 1 || batches[0].Items[0].Link != "a" {
		t.Fatalf("golang batch = %+v", batches[0].Items)
	}
	if len(batches[1].Items) != 2 {
		t.Fatalf("infra batch = %+v", batches[1].Items)
	}
}

func TestRunCyclePostsOnce(t *testing.T) {
	t.Parallel()
	dst := newFakeDest()
	src := fakeSource{items: []feed.ContentItem{item("golang", "https://a", today), item("infra", "https://b", today)}}
	l := ledger.NewMemory("t")
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix("delivery.", 16)
	defer unsub()
	s := newService(dst, src, l, bus)

	res, err := s.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Sent != 2 || res.Skipped != 0 || res.RunID == "" {
		t.Fatalf("first cycle = %+v", res)
	}
	if got := strings.Join(dst.posts, ","); got != "100|https://a,200|https://b" {
		t.Fatalf("posts = %s", got)
	}
	if sent, _ := l.HasSent(context.Background(), ledger.Key{Subject: "https://a", Recipient: "golang", Class: Class}); !sent {
		t.Fatal("ledger should record the post")
	}

	res, err = s.RunCycle(context.Background(), now.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if res.Sent != 0 || res.Skipped != 2 || len(dst.posts) != 2 {
		t.Fatalf("second cycle = %+v posts=%v", res, dst.posts)
	}
	if got := len(events); got != 4 {
		t.Fatalf("delivery events = %d, want 4", got)
	}
}

func TestRunCycleSkipsItemsAlreadyInChannel(t *testing.T) {
	t.Parallel()
	dst := newFakeDest()
	dst.history["100"] = []string{"https://a"}
	l := ledger.NewMemory("t")
	s := newService(dst, fakeSource{items: []feed.ContentItem{item("golang", "https://a", today), item("golang", "https://a2", today)}}, l, nil)

	res, err := s.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(dst.posts) != 1 || dst.posts[0] != "100|https://a2" {
		t.Fatalf("posts = %v", dst.posts)
	}
	// The destination hit is backfilled into the ledger.
	if sent, _ := l.HasSent(context.Background(), ledger.Key{Subject: "https://a", Recipient: "golang", Class: Class}); !sent {
		t.Fatal("expected ledger backfill")
	}
}

func TestRunCycleLedgerOutageDoesNotPost(t *testing.T) {
	t.Parallel()
	dst := newFakeDest()
	l := ledger.NewMemory("t")
	_ = l.Close()
	s := newService(dst, fakeSource{items: []feed.ContentItem{item("golang", "https://a", today)}}, l, nil)

	res, err := s.RunCycle(context.Background(), now)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if res.Failed != 1 || len(dst.posts) != 0 {
		t.Fatalf("result=%+v posts=%v", res, dst.posts)
	}
}

func TestRunCycleIsolatesChannelAndFeedFailures(t *testing.T) {
	t.Parallel()
	dst := newFakeDest()
	parseErr := &feed.FeedParseError{Feed: "broken", URL: "https://x.test", Err: errors.New("bad xml")}
	src := fakeSource{
		items: []feed.ContentItem{item("missing", "https://m", today), item("infra", "https://b", today)},
		err:   parseErr,
	}
	s := newService(dst, src, ledger.NewMemory("t"), nil)

	res, err := s.RunCycle(context.Background(), now)
	if !errors.Is(err, discord.ErrNotFound) {
		t.Fatalf("expected channel not found in joined error, got %v", err)
	}
	var perr *feed.FeedParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected feed parse error in joined error, got %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 || dst.posts[0] != "200|https://b" {
		t.Fatalf("result=%+v posts=%v", res, dst.posts)
	}
}

func TestRunCyclePostFailureLeavesLedgerUnset(t *testing.T) {
	t.Parallel()
	dst := newFakeDest()
	dst.postErr = discord.ErrRetriesExhausted
	l := ledger.NewMemory("t")
	s := newService(dst, fakeSource{items: []feed.ContentItem{item("golang", "https://a", today)}}, l, nil)

	if _, err := s.RunCycle(context.Background(), now); !errors.Is(err, discord.ErrRetriesExhausted) {
		t.Fatalf("expected post failure, got %v", err)
	}
	if sent, _ := l.HasSent(context.Background(), ledger.Key{Subject: "https://a", Recipient: "golang", Class: Class}); sent {
		t.Fatal("a failed post must not be recorded")
	}
}
