// Package supervisor runs the daemon's long-lived goroutines under one
// context: panics are recovered, loops can be restarted with backoff, and
// shutdown waits for everything to return.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"herald/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	wg          sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	stats    map[string]*stat
}

type stat struct {
	active   int
	starts   int
	panics   int
	lastErr  string
	lastStop time.Time
}

// Status is the health view of one named goroutine.
type Status struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Starts   int       `json:"starts"`
	Panics   int       `json:"panics"`
	LastErr  string    `json:"last_error,omitempty"`
	LastStop time.Time `json:"last_stop,omitzero"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every goroutine once any Go func fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*stat{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. A non-nil error other than cancellation is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runOnce(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.fail(fmt.Errorf("%s: %w", name, err))
	}()
}

// GoRestart runs fn and starts it again after an error or panic, backing
// off between minWait and maxWait, until the supervisor is cancelled. A nil
// return ends the loop.
func (s *Supervisor) GoRestart(name string, minWait, maxWait time.Duration, fn func(ctx context.Context) error) {
	if minWait <= 0 {
		minWait = 250 * time.Millisecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	policy := retrypolicy.NewBuilder[any]().
		WithMaxRetries(-1).
		WithBackoff(minWait, maxWait).
		WithJitterFactor(0.2).
		HandleIf(func(_ any, err error) bool {
			return err != nil && s.ctx.Err() == nil && !errors.Is(err, context.Canceled)
		}).
		Build()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		attempt := 0
		err := failsafe.With[any](policy).WithContext(s.ctx).Run(func() error {
			attempt++
			if attempt > 1 {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Int("attempt", attempt))
			}
			err := s.runOnce(name, fn)
			if err != nil && s.ctx.Err() == nil {
				s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
			}
			return err
		})
		if err != nil && s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	s.note(name, func(st *stat) { st.active++; st.starts++ })
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.note(name, func(st *stat) { st.panics++ })
		}
		s.note(name, func(st *stat) {
			st.active--
			st.lastStop = time.Now()
			if err != nil && !errors.Is(err, context.Canceled) {
				st.lastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

func (s *Supervisor) note(name string, f func(*stat)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &stat{}
		s.stats[name] = st
	}
	f(st)
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists goroutine health ordered by name.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.stats))
	for name, st := range s.stats {
		out = append(out, Status{Name: name, Active: st.active, Starts: st.starts, Panics: st.panics, LastErr: st.lastErr, LastStop: st.lastStop})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels every goroutine and waits for them or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
