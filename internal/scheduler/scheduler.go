// Package scheduler triggers the polling jobs on cron or interval schedules.
// A job never overlaps itself: a trigger that fires while the previous run is
// still going is skipped and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"herald/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrBusy       = errors.New("scheduler: job already running")
)

type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	trigger Trigger
	timeout time.Duration
	fn      JobFunc
	entryID cron.EntryID
	spread  time.Duration

	running atomic.Bool

	mu        sync.Mutex
	runs      int
	failures  int
	skipped   int
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Timeout   time.Duration `json:"timeout"`
	Next      time.Time     `json:"next,omitzero"`
	Prev      time.Time     `json:"prev,omitzero"`
	Running   bool          `json:"running"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	LastStart time.Time     `json:"last_start,omitzero"`
	LastTook  time.Duration `json:"last_took"`
	LastErr   string        `json:"last_error,omitempty"`
}

type Scheduler struct {
	log logx.Logger

	mu   sync.Mutex
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job

	wg sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{log: log.With(logx.Component("scheduler")), loc: loc, jobs: map[string]*job{}}
}

// Add registers or replaces the job called name. Replacing keeps the run
// counters; re-adding with the same trigger and timeout only swaps fn. A timeout <= 0 leaves the run bounded only by the parent context.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: job name required")
	}
	if fn == nil {
		return errors.New("scheduler: job func required")
	}
	tr, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[name]
	if j != nil {
		j.mu.Lock()
		same := j.trigger.String() == tr.String() && j.timeout == timeout
		if same {
			j.fn = fn
		}
		j.mu.Unlock()
		// An unchanged trigger keeps its cron entry and next run time.
		if same && (s.c == nil || j.entryID != 0) {
			return nil
		}
	}
	if j == nil {
		j = &job{name: name}
		s.jobs[name] = j
	} else if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
		j.entryID = 0
	}
	j.mu.Lock()
	j.trigger, j.timeout, j.fn = tr, timeout, fn
	j.mu.Unlock()
	if s.c != nil {
		s.registerLocked(j)
	}
	return nil
}

// Remove unregisters a job. A run in progress is not interrupted.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	s.log.Debug("job removed", logx.Job(name))
	return true
}

// Start begins triggering. Runs derive their context from ctx, so cancelling
// it aborts in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) startLocked() {
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.registerLocked(j)
	}
	s.c.Start()
}

func (s *Scheduler) registerLocked(j *job) {
	cj := cron.FuncJob(func() { s.trigger(j) })
	args := []logx.Field{logx.Job(j.name), logx.String("schedule", j.trigger.String()), logx.Duration("timeout", j.timeout)}
	if j.trigger.Kind == KindInterval {
		sched, spread := withSpread(j.trigger.Every, time.Now().In(s.loc), j.name)
		j.spread = spread
		j.entryID = s.c.Schedule(sched, cj)
		args = append(args, logx.Duration("startup_spread", spread))
	} else {
		id, err := s.c.AddJob(j.trigger.Cron, cj)
		if err != nil {
			// Parse already accepted the spec, so this is unexpected.
			s.log.Error("job register failed", append(args, logx.Err(err))...)
			return
		}
		j.entryID = id
	}
	s.log.Debug("job registered", args...)
}

// SetLocation changes the timezone cron expressions are evaluated in.
// Runs already in progress keep going; the old cron is stopped without
// waiting for them (Stop does that through s.wg).
func (s *Scheduler) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	old := s.c
	if old != nil {
		s.startLocked()
	}
	s.mu.Unlock()
	if old == nil {
		return
	}
	old.Stop()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()))
}

// Stop halts triggering and waits for in-flight runs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs running")
		return ctx.Err()
	}
}

func (s *Scheduler) trigger(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.run(ctx, j); errors.Is(err, ErrBusy) {
		s.log.Warn("previous run still in progress; trigger skipped", logx.Job(j.name))
	}
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		return ErrBusy
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)

	j.mu.Lock()
	fn, timeout := j.fn, j.timeout
	j.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.Job(j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		took := time.Since(started)
		j.mu.Lock()
		j.runs++
		j.lastStart, j.lastTook = started, took
		j.lastErr = ""
		if err != nil {
			j.failures++
			j.lastErr = err.Error()
		}
		j.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.Job(j.name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job finished", logx.Job(j.name), logx.Duration("took", took))
		}
	}()
	return fn(runCtx)
}

// Snapshot reports every job ordered by name.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:      j.name,
			Schedule:  j.trigger.String(),
			Timeout:   j.timeout,
			Running:   j.running.Load(),
			Runs:      j.runs,
			Failures:  j.failures,
			Skipped:   j.skipped,
			LastStart: j.lastStart,
			LastTook:  j.lastTook,
			LastErr:   j.lastErr,
		}
		j.mu.Unlock()
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			st.Next, st.Prev = e.Next, e.Prev
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
