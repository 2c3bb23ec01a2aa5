package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"herald/pkg/logx"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// conformance runs the behavior every backend must share. advance moves the
// backend's notion of time forward.
func conformance(t *testing.T, l Ledger, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	k := Key{Subject: "https://go.dev/blog/x", Recipient: "golang", Class: "newsletter"}

	sent, err := l.HasSent(ctx, k)
	if err != nil || sent {
		t.Fatalf("HasSent before mark = %v, %v", sent, err)
	}
	if err := l.MarkSent(ctx, k, "v1", 24*time.Hour); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if sent, err := l.HasSent(ctx, k); err != nil || !sent {
		t.Fatalf("HasSent after mark = %v, %v", sent, err)
	}
	if v, ok, err := l.Lookup(ctx, k); err != nil || !ok || v != "v1" {
		t.Fatalf("Lookup = %q, %v, %v", v, ok, err)
	}

	other := Key{Subject: k.Subject, Recipient: "infra", Class: "newsletter"}
	if sent, _ := l.HasSent(ctx, other); sent {
		t.Fatal("keys differing by recipient must be independent")
	}

	forever := Key{Subject: "event1", Recipient: "1001", Class: "1h"}
	if err := l.MarkSent(ctx, forever, "2025-03-01T18:00:00Z", 0); err != nil {
		t.Fatalf("MarkSent forever: %v", err)
	}

	advance(25 * time.Hour)
	if sent, err := l.HasSent(ctx, k); err != nil || sent {
		t.Fatalf("HasSent after ttl = %v, %v", sent, err)
	}
	if sent, err := l.HasSent(ctx, forever); err != nil || !sent {
		t.Fatalf("ttl 0 record expired: %v, %v", sent, err)
	}

	if _, err := l.HasSent(ctx, Key{Subject: "x"}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestKeyString(t *testing.T) {
	t.Parallel()
	k := Key{Subject: "e1", Recipient: "u1", Class: "1h"}
	if k.String() != "e1:u1:1h" {
		t.Fatalf("String = %s", k.String())
	}
	if namespaced("herald", k) != "herald:e1:u1:1h" {
		t.Fatalf("namespaced = %s", namespaced("herald", k))
	}
}

func TestMemoryLedger(t *testing.T) {
	t.Parallel()
	clk := &fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemory("herald")
	l.SetClock(clk.now)
	conformance(t, l, clk.advance)

	_ = l.Close()
	if _, err := l.HasSent(context.Background(), Key{Subject: "a", Recipient: "b", Class: "c"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("closed ledger should be unavailable, got %v", err)
	}
}

func TestRedisLedger(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, "herald", logx.Nop())
	conformance(t, l, mr.FastForward)

	if !mr.Exists("herald:event1:1001:1h") {
		t.Fatal("expected namespaced key in redis")
	}
}

func TestRedisLedgerOutageIsUnavailable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedis(client, "herald", logx.Nop())

	mr.Close()
	k := Key{Subject: "e", Recipient: "u", Class: "1h"}
	sent, err := l.HasSent(context.Background(), k)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if sent {
		t.Fatal("an outage must not report sent")
	}
	if err := l.MarkSent(context.Background(), k, "x", time.Hour); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("MarkSent during outage: %v", err)
	}
}

func TestOpenRedisByURL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	l, err := Open(context.Background(), Config{Driver: "redis", Namespace: "h", Redis: RedisOptions{URL: "redis://" + mr.Addr() + "/0"}}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if err := l.MarkSent(context.Background(), Key{Subject: "a", Recipient: "b", Class: "c"}, "v", time.Minute); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if got, _ := mr.Get("h:a:b:c"); got != "v" {
		t.Fatalf("stored value = %q", got)
	}
}

func TestSQLiteLedger(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenSQLite(context.Background(), path, time.Second, "herald", logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer l.Close()
	clk := &fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clk.now
	conformance(t, l, clk.advance)
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	k := Key{Subject: "e", Recipient: "u", Class: "1h"}

	l, err := OpenSQLite(ctx, path, 0, "herald", logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := l.MarkSent(ctx, k, "ts", 0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	_ = l.Close()

	l, err = OpenSQLite(ctx, path, 0, "herald", logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if sent, err := l.HasSent(ctx, k); err != nil || !sent {
		t.Fatalf("HasSent after reopen = %v, %v", sent, err)
	}
}

func TestFileLedger(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "herald.ledger")
	l, err := OpenFile(path, "herald", logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer l.Close()
	clk := &fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clk.now
	conformance(t, l, clk.advance)
}

func TestFileLedgerReplaysJournalAndSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "herald.ledger")
	ctx := context.Background()
	a := Key{Subject: "a", Recipient: "r", Class: "c"}
	b := Key{Subject: "b", Recipient: "r", Class: "c"}

	l, err := OpenFile(path, "", logx.Nop())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	l.compactEvery = 1
	if err := l.MarkSent(ctx, a, "1", time.Hour); err != nil {
		t.Fatalf("MarkSent a: %v", err)
	}
	l.compactEvery = 1000
	if err := l.MarkSent(ctx, b, "2", time.Hour); err != nil {
		t.Fatalf("MarkSent b: %v", err)
	}
	// Simulate a crash: drop the handle without compacting.
	_ = l.journal.Close()

	l2, err := OpenFile(path, "", logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	for _, k := range []Key{a, b} {
		if sent, err := l2.HasSent(ctx, k); err != nil || !sent {
			t.Fatalf("HasSent(%s) after reopen = %v, %v", k, sent, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
