// Package calendar mirrors the guild's scheduled events into an external
// calendar. Each pass creates missing events and updates drifted ones; it
// never deletes.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/discord"
	"herald/internal/eventbus"
	"herald/pkg/logx"
)

const Job = "calendar"

// Source lists the events to mirror.
type Source interface {
	ScheduledEvents(ctx context.Context) ([]discord.ScheduledEvent, error)
}

type Result struct {
	RunID     string
	Source    int
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

type Syncer struct {
	src   Source
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.RWMutex
	opts Options
}

func NewSyncer(src Source, store Store, bus eventbus.Bus, log logx.Logger, opts Options) *Syncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Syncer{src: src, store: store, bus: bus, log: log.With(logx.Component(Job))}
	s.Configure(opts)
	return s
}

func (s *Syncer) Configure(opts Options) {
	s.mu.Lock()
	s.opts = opts.withDefaults()
	s.mu.Unlock()
}

func (s *Syncer) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Plan computes what a pass would do without touching the mirror.
func (s *Syncer) Plan(ctx context.Context) (Plan, []discord.ScheduledEvent, error) {
	opts := s.options()
	source, err := s.src.ScheduledEvents(ctx)
	if err != nil {
		return Plan{}, nil, fmt.Errorf("list scheduled events: %w", err)
	}
	lookup, err := s.prefetch(ctx, source, opts)
	if err != nil {
		return Plan{}, source, err
	}
	return Reconcile(source, lookup, opts), source, nil
}

// prefetch lists the mirror once over the union of every source window and
// serves each source its own window from memory.
func (s *Syncer) prefetch(ctx context.Context, source []discord.ScheduledEvent, opts Options) (MirrorLookup, error) {
	if len(source) == 0 {
		return func(discord.ScheduledEvent) []Event { return nil }, nil
	}
	var lo, hi time.Time
	for i, src := range source {
		from, to := opts.Window(src.Start)
		if i == 0 || from.Before(lo) {
			lo = from
		}
		if i == 0 || to.After(hi) {
			hi = to
		}
	}
	mirror, err := s.store.List(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list mirror events: %w", err)
	}
	return func(src discord.ScheduledEvent) []Event {
		from, to := opts.Window(src.Start)
		var out []Event
		for _, e := range mirror {
			if e.Start.Before(from) || e.Start.After(to) {
				continue
			}
			out = append(out, e)
		}
		return out
	}, nil
}

// RunCycle performs one reconciliation pass. A failed create or update is
// logged and counted; the rest of the plan is still applied.
func (s *Syncer) RunCycle(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := s.log.With(logx.RunID(res.RunID))
	started := time.Now()

	plan, source, err := s.Plan(ctx)
	res.Source = len(source)
	if err != nil {
		return res, s.finish(log, res, started, err)
	}
	res.Unchanged = len(plan.Noop)
	log.Debug("calendar plan",
		logx.Int("source", res.Source), logx.Int("create", len(plan.Create)),
		logx.Int("update", len(plan.Update)), logx.Int("noop", res.Unchanged))

	var errs []error
	for _, d := range plan.Create {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ev, err := s.store.Insert(ctx, d.Event())
		if err != nil {
			res.Failed++
			log.Error("could not create mirror event", logx.String("event", d.Summary), logx.Err(err))
			s.publish("create", d.SourceID, "", d.Summary, res.RunID, err)
			errs = append(errs, fmt.Errorf("create %q: %w", d.Summary, err))
			continue
		}
		res.Created++
		log.Info("mirror event created", logx.String("event", d.Summary), logx.String("mirror_id", ev.ID), logx.Time("start", d.Start))
		s.publish("create", d.SourceID, ev.ID, d.Summary, res.RunID, nil)
	}
	for _, u := range plan.Update {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := s.store.Update(ctx, u.MirrorID, u.Desired.Event()); err != nil {
			res.Failed++
			log.Error("could not update mirror event", logx.String("event", u.Desired.Summary), logx.String("mirror_id", u.MirrorID), logx.Err(err))
			s.publish("update", u.Desired.SourceID, u.MirrorID, u.Desired.Summary, res.RunID, err)
			errs = append(errs, fmt.Errorf("update %q: %w", u.Desired.Summary, err))
			continue
		}
		res.Updated++
		log.Info("mirror event updated",
			logx.String("event", u.Desired.Summary), logx.String("mirror_id", u.MirrorID),
			logx.String("changed", strings.Join(u.Changed, ",")))
		s.publish("update", u.Desired.SourceID, u.MirrorID, u.Desired.Summary, res.RunID, nil)
	}
	return res, s.finish(log, res, started, errors.Join(errs...))
}

func (s *Syncer) publish(action, sourceID, mirrorID, summary, runID string, err error) {
	if s.bus == nil {
		return
	}
	a := eventbus.CalendarAction{Action: action, SourceID: sourceID, MirrorID: mirrorID, Summary: summary, RunID: runID}
	if err != nil {
		a.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CalendarApplied, Data: a})
}

func (s *Syncer) finish(log logx.Logger, res Result, started time.Time, err error) error {
	took := time.Since(started)
	if err != nil {
		log.Warn("calendar sync finished with errors",
			logx.Int("created", res.Created), logx.Int("updated", res.Updated), logx.Int("failed", res.Failed), logx.Err(err))
	} else {
		log.Info("calendar sync finished",
			logx.Int("created", res.Created), logx.Int("updated", res.Updated),
			logx.Int("unchanged", res.Unchanged), logx.Duration("took", took))
	}
	if s.bus != nil {
		c := eventbus.Cycle{
			Job: Job, RunID: res.RunID,
			Sent: res.Created + res.Updated, Skipped: res.Unchanged, Failed: res.Failed,
			Duration: took,
		}
		if err != nil {
			c.Err = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: c})
	}
	return err
}

// Upcoming lists mirror events from now through the lookahead.
func (s *Syncer) Upcoming(ctx context.Context, now time.Time) ([]Event, error) {
	opts := s.options()
	return s.store.List(ctx, now, now.Add(opts.Lookahead))
}

// Delete removes one mirror event by id.
func (s *Syncer) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("calendar: event id required")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("mirror event deleted", logx.String("mirror_id", id))
	return nil
}
