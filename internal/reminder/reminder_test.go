package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"herald/internal/discord"
	"herald/internal/ledger"
	"herald/pkg/logx"
)

var t0 = time.Date(2025, 8, 15, 20, 0, 0, 0, time.UTC)

type fakePlatform struct {
	mu      sync.Mutex
	events  []discord.ScheduledEvent
	users   map[string][]discord.User
	dms     []string // "user|content"
	dmErr   map[string]error
	listErr error
}

func (p *fakePlatform) ScheduledEvents(context.Context) ([]discord.ScheduledEvent, error) {
	return p.events, p.listErr
}

func (p *fakePlatform) EventUsers(_ context.Context, id string, _ int) ([]discord.User, error) {
	return p.users[id], nil
}

func (p *fakePlatform) SendDM(_ context.Context, userID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dmErr[userID]; err != nil {
		return err
	}
	p.dms = append(p.dms, userID+"|"+content)
	return nil
}

func (p *fakePlatform) EventLink(id string) string { return "https://discord.com/events/42/" + id }

func (p *fakePlatform) dmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dms)
}

func TestDueWindowIsExclusive(t *testing.T) {
	t.Parallel()
	events := []discord.ScheduledEvent{
		{ID: "exact", Start: t0.Add(time.Hour)},
		{ID: "early-edge", Start: t0.Add(time.Hour - time.Minute)},
		{ID: "late-edge", Start: t0.Add(time.Hour + time.Minute)},
		{ID: "inside", Start: t0.Add(time.Hour + 59*time.Second)},
		{ID: "far", Start: t0.Add(3 * time.Hour)},
		{ID: "past", Start: t0.Add(-time.Hour)},
		{ID: "no-start"},
	}
	got := Due(t0, events, time.Hour, time.Minute)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if strings.Join(ids, ",") != "exact,inside" {
		t.Fatalf("Due = %v", ids)
	}
}

func TestMessageWording(t *testing.T) {
	t.Parallel()
	msg := Message(discord.ScheduledEvent{Name: "Go Meetup"}, "1001", "https://discord.com/events/42/e1", time.Hour)
	for _, want := range []string{"<@1001>", "**Go Meetup**", "starting in an hour", "\nhttps://discord.com/events/42/e1"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if got := Message(discord.ScheduledEvent{Name: "x"}, "1", "l", 30*time.Minute); !strings.Contains(got, "30 minutes") {
		t.Fatalf("message = %q", got)
	}
}

// Scanning every minute for an hour must DM each attendee exactly once,
// even though the event is inside the due window on two consecutive scans.
func TestMinuteScansNeverDuplicate(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{
		events: []discord.ScheduledEvent{
			{ID: "e1", Name: "Go Meetup", Start: t0.Add(90*time.Minute + 30*time.Second)},
			{ID: "e2", Name: "Later", Start: t0.Add(5 * time.Hour)},
		},
		users: map[string][]discord.User{
			"e1": {{ID: "1001", Username: "a"}, {ID: "1002", Username: "b"}},
			"e2": {{ID: "1003", Username: "c"}},
		},
	}
	l := ledger.NewMemory("t")
	s := New(p, l, nil, logx.Nop(), Options{LeadTime: time.Hour, Tolerance: time.Minute, Class: "1h", TTL: 168 * time.Hour})

	var sent, skipped int
	for i := 0; i < 60; i++ {
		res, err := s.RunCycle(context.Background(), t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		sent += res.Sent
		skipped += res.Skipped
	}
	if p.dmCount() != 2 || sent != 2 {
		t.Fatalf("dms=%d sent=%d, want 2", p.dmCount(), sent)
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2 (second due scan)", skipped)
	}
	v, ok, err := l.Lookup(context.Background(), ledger.Key{Subject: "e1", Recipient: "1001", Class: "1h"})
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		t.Fatalf("ledger value %q is not a timestamp: %v", v, err)
	}
}

func TestLedgerOutageSkipsRecipientLoudly(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{
		events: []discord.ScheduledEvent{{ID: "e1", Name: "x", Start: t0.Add(time.Hour)}},
		users:  map[string][]discord.User{"e1": {{ID: "1001"}}},
	}
	l := ledger.NewMemory("t")
	_ = l.Close()
	s := New(p, l, nil, logx.Nop(), Options{})

	res, err := s.RunCycle(context.Background(), t0)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if p.dmCount() != 0 || res.Failed != 1 {
		t.Fatalf("dms=%d result=%+v", p.dmCount(), res)
	}
}

func TestDMFailureDoesNotStopOtherRecipients(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{
		events: []discord.ScheduledEvent{{ID: "e1", Name: "x", Start: t0.Add(time.Hour)}},
		users:  map[string][]discord.User{"e1": {{ID: "1001"}, {ID: "1002"}}},
		dmErr:  map[string]error{"1001": discord.ErrRetriesExhausted},
	}
	l := ledger.NewMemory("t")
	s := New(p, l, nil, logx.Nop(), Options{})

	res, err := s.RunCycle(context.Background(), t0)
	if !errors.Is(err, discord.ErrRetriesExhausted) {
		t.Fatalf("expected DM failure, got %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if sent, _ := l.HasSent(context.Background(), ledger.Key{Subject: "e1", Recipient: "1001", Class: DefaultClass}); sent {
		t.Fatal("failed DM must not be recorded")
	}

	// The failed recipient is retried on the next scan.
	p.dmErr = nil
	res, err = s.RunCycle(context.Background(), t0.Add(30*time.Second))
	if err != nil || res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("retry scan = %+v, %v", res, err)
	}
}

func TestListFailureFailsCycle(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{listErr: discord.ErrRetriesExhausted}
	s := New(p, ledger.NewMemory("t"), nil, logx.Nop(), Options{})
	if _, err := s.RunCycle(context.Background(), t0); !errors.Is(err, discord.ErrRetriesExhausted) {
		t.Fatalf("expected list error, got %v", err)
	}
}
