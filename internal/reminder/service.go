// Package reminder DMs every interested user shortly before a scheduled
// event starts, once per user, event and reminder class.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/discord"
	"herald/internal/eventbus"
	"herald/internal/ledger"
	"herald/pkg/logx"
)

const (
	Job = "reminders"

	DefaultLeadTime      = time.Hour
	DefaultTolerance     = time.Minute
	DefaultClass         = "1h"
	DefaultAttendeeLimit = 100
)

// Platform is the subset of the chat API the scan needs.
type Platform interface {
	ScheduledEvents(ctx context.Context) ([]discord.ScheduledEvent, error)
	EventUsers(ctx context.Context, eventID string, limit int) ([]discord.User, error)
	SendDM(ctx context.Context, userID, content string) error
	EventLink(eventID string) string
}

type Options struct {
	LeadTime      time.Duration
	Tolerance     time.Duration
	Class         string
	AttendeeLimit int
	// TTL of each ledger record; 0 keeps records forever.
	TTL time.Duration
}

type Result struct {
	RunID   string
	Events  int
	Due     int
	Sent    int
	Skipped int
	Failed  int
}

type Service struct {
	platform Platform
	ledger   ledger.Ledger
	bus      eventbus.Bus
	log      logx.Logger

	mu   sync.RWMutex
	opts Options
}

func New(p Platform, l ledger.Ledger, bus eventbus.Bus, log logx.Logger, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{platform: p, ledger: l, bus: bus, log: log.With(logx.Component(Job))}
	s.Configure(opts)
	return s
}

func (s *Service) Configure(opts Options) {
	if opts.LeadTime <= 0 {
		opts.LeadTime = DefaultLeadTime
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Class == "" {
		opts.Class = DefaultClass
	}
	if opts.AttendeeLimit <= 0 || opts.AttendeeLimit > 100 {
		opts.AttendeeLimit = DefaultAttendeeLimit
	}
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// RunCycle scans scheduled events once and reminds attendees of the ones
// that are due. Failures for one event or recipient do not stop the scan.
func (s *Service) RunCycle(ctx context.Context, now time.Time) (Result, error) {
	opts := s.options()
	res := Result{RunID: uuid.NewString()}
	log := s.log.With(logx.RunID(res.RunID))
	started := time.Now()

	events, err := s.platform.ScheduledEvents(ctx)
	if err != nil {
		return res, s.finish(log, res, started, fmt.Errorf("list scheduled events: %w", err))
	}
	res.Events = len(events)
	due := Due(now, events, opts.LeadTime, opts.Tolerance)
	res.Due = len(due)
	log.Debug("reminder scan", logx.Int("events", res.Events), logx.Int("due", res.Due), logx.Time("now", now))

	var errs []error
	for _, e := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.remindEvent(ctx, log, opts, e, &res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, s.finish(log, res, started, errors.Join(errs...))
}

func (s *Service) remindEvent(ctx context.Context, log logx.Logger, opts Options, e discord.ScheduledEvent, res *Result) error {
	log = log.With(logx.String("event_id", e.ID), logx.String("event", e.Name))
	users, err := s.platform.EventUsers(ctx, e.ID, opts.AttendeeLimit)
	if err != nil {
		log.Error("listing attendees failed", logx.Err(err))
		return fmt.Errorf("event %s attendees: %w", e.ID, err)
	}
	link := s.platform.EventLink(e.ID)
	log.Info("event due for reminders", logx.Int("attendees", len(users)), logx.String("link", link))

	var errs []error
	for _, u := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.remindUser(ctx, log, opts, e, u, link, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) remindUser(ctx context.Context, log logx.Logger, opts Options, e discord.ScheduledEvent, u discord.User, link string, res *Result) error {
	key := ledger.Key{Subject: e.ID, Recipient: u.ID, Class: opts.Class}
	log = log.With(logx.String("user_id", u.ID))
	started := time.Now()

	sent, err := s.ledger.HasSent(ctx, key)
	if err != nil {
		res.Failed++
		log.Error("ledger unavailable; reminder not sent", logx.Err(err))
		s.publish(eventbus.DeliveryFailed, key, u.ID, err.Error(), res.RunID, started)
		return fmt.Errorf("reminder %s: %w", key, err)
	}
	if sent {
		res.Skipped++
		s.publish(eventbus.DeliverySkipped, key, u.ID, "ledger", res.RunID, started)
		return nil
	}

	if err := s.platform.SendDM(ctx, u.ID, Message(e, u.ID, link, opts.LeadTime)); err != nil {
		res.Failed++
		log.Error("could not DM user", logx.String("username", u.Username), logx.Err(err))
		s.publish(eventbus.DeliveryFailed, key, u.ID, err.Error(), res.RunID, started)
		return fmt.Errorf("reminder %s: %w", key, err)
	}
	res.Sent++
	s.publish(eventbus.DeliverySent, key, u.ID, "", res.RunID, started)

	if err := s.ledger.MarkSent(ctx, key, time.Now().UTC().Format(time.RFC3339), opts.TTL); err != nil {
		log.Error("reminder sent but ledger write failed", logx.Err(err))
		return fmt.Errorf("reminder %s: mark sent: %w", key, err)
	}
	log.Info("reminder sent")
	return nil
}

func (s *Service) publish(typ string, key ledger.Key, target, reason, runID string, started time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Delivery{
		Job:     Job,
		Key:     key.String(),
		Target:  target,
		Reason:  reason,
		RunID:   runID,
		Elapsed: time.Since(started),
	}})
}

func (s *Service) finish(log logx.Logger, res Result, started time.Time, err error) error {
	took := time.Since(started)
	if err != nil {
		log.Warn("reminder scan finished with errors",
			logx.Int("sent", res.Sent), logx.Int("skipped", res.Skipped), logx.Int("failed", res.Failed), logx.Err(err))
	} else if res.Due > 0 {
		log.Info("reminder scan finished",
			logx.Int("sent", res.Sent), logx.Int("skipped", res.Skipped), logx.Duration("took", took))
	}
	if s.bus != nil {
		c := eventbus.Cycle{Job: Job, RunID: res.RunID, Sent: res.Sent, Skipped: res.Skipped, Failed: res.Failed, Duration: took}
		if err != nil {
			c.Err = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: c})
	}
	return err
}
