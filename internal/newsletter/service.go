// Package newsletter posts fresh feed items to their channels at most once.
//
// Two layers guard against duplicates: the idempotency ledger, and the
// channel's own recent history which is re-read immediately before each
// post.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/config"
	"herald/internal/discord"
	"herald/internal/eventbus"
	"herald/internal/feed"
	"herald/internal/ledger"
	"herald/pkg/logx"
)

const (
	Job   = "newsletter"
	Class = "newsletter"

	DefaultHistoryLimit = 50
	DefaultTTL          = 24 * time.Hour
)

// Destination is the chat surface items are posted to.
type Destination interface {
	ChannelID(ctx context.Context, name string) (string, error)
	RecentContents(ctx context.Context, channelID string, limit int) ([]string, error)
	PostMessage(ctx context.Context, channelID, content string) (discord.Message, error)
}

// Source fetches items for a set of feeds.
type Source interface {
	FetchAll(ctx context.Context, feeds []config.Feed) ([]feed.ContentItem, error)
}

type Options struct {
	FeedsFile    string
	Location     *time.Location
	HistoryLimit int
	TTL          time.Duration
}

// Result counts one cycle's outcomes.
type Result struct {
	RunID   string
	Fetched int
	Fresh   int
	Sent    int
	Skipped int
	Failed  int
}

type Service struct {
	dst    Destination
	src    Source
	ledger ledger.Ledger
	bus    eventbus.Bus
	log    logx.Logger

	mu   sync.RWMutex
	opts Options

	loadFeeds func(path string) (*config.Feeds, error)
}

func New(dst Destination, src Source, l ledger.Ledger, bus eventbus.Bus, log logx.Logger, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		dst:       dst,
		src:       src,
		ledger:    l,
		bus:       bus,
		log:       log.With(logx.Component(Job)),
		loadFeeds: config.LoadFeeds,
	}
	s.Configure(opts)
	return s
}

// Configure replaces the options used by subsequent cycles.
func (s *Service) Configure(opts Options) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
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

// RunCycle fetches every configured feed and posts today's unseen items.
// Per-feed, per-channel and per-item failures are logged and the cycle
// continues; they are returned joined so the caller can record the run as
// failed.
func (s *Service) RunCycle(ctx context.Context, now time.Time) (Result, error) {
	opts := s.options()
	res := Result{RunID: uuid.NewString()}
	log := s.log.With(logx.RunID(res.RunID))
	started := time.Now()

	feeds, err := s.loadFeeds(opts.FeedsFile)
	if err != nil {
		return res, s.finish(log, res, started, err)
	}

	items, fetchErr := s.src.FetchAll(ctx, feeds.Feeds)
	res.Fetched = len(items)
	var errs []error
	if fetchErr != nil {
		errs = append(errs, fetchErr)
	}

	batches := PlanCycle(now, opts.Location, items, log)
	for _, b := range batches {
		res.Fresh += len(b.Items)
	}
	log.Info("newsletter planned",
		logx.Int("feeds", len(feeds.Feeds)),
		logx.Int("fetched", res.Fetched),
		logx.Int("fresh", res.Fresh),
		logx.Int("channels", len(batches)),
	)

	for _, b := range batches {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		channelID, err := s.dst.ChannelID(ctx, b.Channel)
		if err != nil {
			log.Error("channel unresolved; skipping its items", logx.String("channel", b.Channel), logx.Int("items", len(b.Items)), logx.Err(err))
			res.Failed += len(b.Items)
			errs = append(errs, fmt.Errorf("channel %s: %w", b.Channel, err))
			continue
		}
		for _, it := range b.Items {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.deliver(ctx, log, opts, res.RunID, channelID, it, &res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return res, s.finish(log, res, started, errors.Join(errs...))
}

func (s *Service) deliver(ctx context.Context, log logx.Logger, opts Options, runID, channelID string, it feed.ContentItem, res *Result) error {
	key := ledger.Key{Subject: it.Link, Recipient: it.Channel, Class: Class}
	log = log.With(logx.String("channel", it.Channel), logx.String("link", it.Link))
	started := time.Now()

	fail := func(stage string, err error) error {
		res.Failed++
		log.Error("newsletter item failed", logx.String("stage", stage), logx.Err(err))
		s.publish(eventbus.DeliveryFailed, key, it.Channel, err.Error(), runID, started)
		return fmt.Errorf("%s %s: %s: %w", it.Channel, it.Link, stage, err)
	}
	skip := func(reason string) {
		res.Skipped++
		log.Debug("newsletter item skipped", logx.String("reason", reason))
		s.publish(eventbus.DeliverySkipped, key, it.Channel, reason, runID, started)
	}

	sent, err := s.ledger.HasSent(ctx, key)
	if err != nil {
		return fail("ledger", err)
	}
	if sent {
		skip("ledger")
		return nil
	}

	history, err := s.dst.RecentContents(ctx, channelID, opts.HistoryLimit)
	if err != nil {
		return fail("history", err)
	}
	if len(FilterUnseen([]string{it.Link}, history)) == 0 {
		// Posted before the ledger knew about it; record it now.
		if err := s.ledger.MarkSent(ctx, key, it.Link, opts.TTL); err != nil {
			log.Warn("ledger backfill failed", logx.Err(err))
		}
		skip("destination")
		return nil
	}

	if _, err := s.dst.PostMessage(ctx, channelID, it.Link); err != nil {
		return fail("post", err)
	}
	res.Sent++
	log.Info("newsletter item posted", logx.String("title", it.Title))
	s.publish(eventbus.DeliverySent, key, it.Channel, "", runID, started)

	if err := s.ledger.MarkSent(ctx, key, it.Link, opts.TTL); err != nil {
		log.Error("posted but ledger write failed", logx.Err(err))
		return fmt.Errorf("%s %s: mark sent: %w", it.Channel, it.Link, err)
	}
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
	fields := []logx.Field{
		logx.Int("sent", res.Sent),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
		logx.Duration("took", took),
	}
	if err != nil {
		log.Warn("newsletter cycle finished with errors", append(fields, logx.Err(err))...)
	} else {
		log.Info("newsletter cycle finished", fields...)
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
