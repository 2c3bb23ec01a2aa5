package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"herald/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  Kind
		every time.Duration
		cron  string
	}{
		{in: "15m", kind: KindInterval, every: 15 * time.Minute},
		{in: "00:15", kind: KindInterval, every: 15 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 150 * time.Minute},
		{in: "every: 1h", kind: KindInterval, every: time.Hour},
		{in: "@every 90s", kind: KindInterval, every: 90 * time.Second},
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "0 30 9 * * *", kind: KindCron, cron: "0 30 9 * * *"},
		{in: "@hourly", kind: KindCron, cron: "@hourly"},
		{in: "cron:@daily", kind: KindCron, cron: "@daily"},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
			t.Fatalf("Parse(%q) = %+v", tc.in, got)
		}
	}

	for _, bad := range []string{"", "soon", "00:00", "1ms", "-5m", "61 * * * *", "cron:", "12:75"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) should fail", bad)
		}
	}
}

func TestTriggerString(t *testing.T) {
	t.Parallel()
	tr, _ := Parse("00:15")
	if tr.String() != "@every 15m0s" {
		t.Fatalf("String = %q", tr.String())
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := withSpread(time.Minute, now, "reminders")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if !first.Equal(now.Add(time.Minute + jitter)) {
		t.Fatalf("first = %v", first)
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run %v after first", second.Sub(first))
	}
	_, capped := withSpread(time.Hour, now, "calendar")
	if capped >= maxStartupSpread {
		t.Fatalf("spread %v exceeds cap", capped)
	}
}

func TestRunNowRecordsStatus(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	boom := errors.New("boom")
	calls := 0
	if err := s.Add("newsletter", "15m", time.Second, func(context.Context) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.RunNow(context.Background(), "newsletter"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.RunNow(context.Background(), "newsletter"); !errors.Is(err, boom) {
		t.Fatalf("second run: %v", err)
	}
	st := s.Snapshot()
	if len(st) != 1 || st[0].Runs != 2 || st[0].Failures != 1 || st[0].LastErr != "boom" {
		t.Fatalf("snapshot = %+v", st)
	}
	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job: %v", err)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Add("calendar", "1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "calendar") }()
	<-started

	if err := s.RunNow(context.Background(), "calendar"); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping run = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	st := s.Snapshot()[0]
	if st.Runs != 1 || st.Skipped != 1 || st.Running {
		t.Fatalf("status = %+v", st)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	_ = s.Add("reminders", "1m", 0, func(context.Context) error { panic("nil map") })
	err := s.RunNow(context.Background(), "reminders")
	if err == nil || !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("err = %v", err)
	}
	// The job is runnable again after a panic.
	if err := s.RunNow(context.Background(), "reminders"); errors.Is(err, ErrBusy) {
		t.Fatal("job stuck in running state after panic")
	}
}

func TestTimeoutBoundsRun(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	_ = s.Add("slow", "1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartTriggersAndStopWaits(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var runs atomic.Int32
	_ = s.Add("tick", "@every 1s", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if st := s.Snapshot(); st[0].Next.IsZero() {
		t.Fatalf("next run not scheduled: %+v", st[0])
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() == 0 {
		t.Fatal("job never triggered")
	}
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	_ = s.Add("job", "1m", 0, func(context.Context) error { return nil })
	_ = s.Add("job", "5m", 0, func(context.Context) error { return nil })
	st := s.Snapshot()
	if len(st) != 1 || st[0].Schedule != "@every 5m0s" {
		t.Fatalf("snapshot = %+v", st)
	}
	if !s.Remove("job") || len(s.Jobs()) != 0 {
		t.Fatal("Remove failed")
	}
}

func TestReAddSameTriggerKeepsNextRun(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var second atomic.Bool
	_ = s.Add("calendar", "1h", time.Minute, func(context.Context) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	before := s.Snapshot()[0].Next
	s.mu.Lock()
	id := s.jobs["calendar"].entryID
	s.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if err := s.Add("calendar", "60m", time.Minute, func(context.Context) error { second.Store(true); return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.mu.Lock()
	sameID := s.jobs["calendar"].entryID == id
	s.mu.Unlock()
	if after := s.Snapshot()[0].Next; !sameID || !after.Equal(before) {
		t.Fatalf("entry replaced: same id %v, next %s -> %s", sameID, before, after)
	}
	if err := s.RunNow(ctx, "calendar"); err != nil || !second.Load() {
		t.Fatalf("new func not used: %v", err)
	}

	if err := s.Add("calendar", "1h", 2*time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if st := s.Snapshot()[0]; st.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %s", st.Timeout)
	}
}

func TestSetLocationWhileJobRuns(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = s.Add("slow", "cron:* * * * * *", 0, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		close(release)
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	})

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never triggered")
	}

	done := make(chan struct{})
	go func() {
		s.SetLocation(time.FixedZone("UTC+9", 9*3600))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetLocation blocked on the running job")
	}

	snap := make(chan []JobStatus, 1)
	go func() { snap <- s.Snapshot() }()
	select {
	case st := <-snap:
		if len(st) != 1 || !st[0].Running {
			t.Fatalf("snapshot = %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked after SetLocation")
	}
}
