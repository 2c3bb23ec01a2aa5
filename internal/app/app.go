// Package app wires configuration, the chat client, the ledger and the three
// jobs into one daemon, and keeps them in step with config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"herald/internal/calendar"
	"herald/internal/config"
	"herald/internal/discord"
	"herald/internal/eventbus"
	"herald/internal/feed"
	"herald/internal/ledger"
	"herald/internal/metrics"
	"herald/internal/newsletter"
	"herald/internal/observability/ops"
	"herald/internal/reminder"
	"herald/internal/runtime/supervisor"
	"herald/internal/scheduler"
	"herald/pkg/logx"
	"herald/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopOnce       StopReason = "once"
)

type App struct {
	cfgm    *config.Manager
	version string

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	ledger     ledger.Ledger
	discord    *discord.Client
	fetcher    *feed.Fetcher
	newsletter *newsletter.Service
	reminders  *reminder.Service
	calendar   *calendar.Syncer

	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	ops     *ops.Server
	notify  *systemd.Notifier
	sup     *supervisor.Supervisor
}

// Prepare parses cfgPath, applies defaults and resolves secrets without
// validating. Used by the validate command and by New.
func Prepare(cfgPath string) (*config.Manager, *config.Config, error) {
	m := config.NewManager(cfgPath)
	m.SetPrepare(func(cfg *config.Config) error {
		config.ApplyDefaults(cfg)
		return config.ResolveSecrets(cfg, config.NewSecrets(cfg.Secrets.Dir))
	})
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// Check validates a prepared config including job schedules.
func Check(cfg *config.Config) error { return validate(cfg) }

// New builds every component from the config file. Nothing runs until Start.
func New(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm, cfg, err := Prepare(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)
	a := &App{cfgm: cfgm, version: version, logs: logs, root: log, log: log.With(logx.Component("app")), bus: eventbus.New()}
	a.metrics = metrics.New()
	a.metrics.RegisterDropped(a.bus)

	dopts, _ := mapDiscord(cfg)
	dopts.Bus = a.bus
	dopts.Logger = log
	if a.discord, err = discord.New(dopts); err != nil {
		return nil, a.fail(err)
	}
	logs.SetPoster(func(ctx context.Context, channelID, content string) error {
		_, err := a.discord.PostMessage(ctx, channelID, content)
		return err
	})

	lcfg, _ := mapLedger(cfg)
	if a.ledger, err = ledger.Open(ctx, lcfg, log.With(logx.Component("ledger"))); err != nil {
		return nil, a.fail(err)
	}

	nopts, fetchTimeout, _ := mapNewsletter(cfg)
	a.fetcher = feed.NewFetcher(&http.Client{}, fetchTimeout, log)
	a.newsletter = newsletter.New(a.discord, a.fetcher, a.ledger, a.bus, log, nopts)

	ropts, _ := mapReminders(cfg)
	a.reminders = reminder.New(a.discord, a.ledger, a.bus, log, ropts)

	if cfg.Calendar.IsEnabled() {
		if err := a.openCalendar(ctx, cfg); err != nil {
			return nil, a.fail(err)
		}
	}

	loc, _ := loadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	a.sched = scheduler.New(loc, log)
	if err := a.registerJobs(cfg); err != nil {
		return nil, a.fail(err)
	}

	a.notify = systemd.New(log)
	return a, nil
}

func (a *App) openCalendar(ctx context.Context, cfg *config.Config) error {
	copts, gopts, _ := mapCalendar(cfg)
	store, err := calendar.NewGoogleStore(ctx, gopts, a.root.With(logx.Component(calendar.Job)))
	if err != nil {
		return err
	}
	a.calendar = calendar.NewSyncer(a.discord, store, a.bus, a.root, copts)
	return nil
}

// fail releases what New opened so far.
func (a *App) fail(err error) error {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) registerJobs(cfg *config.Config) error {
	specs, timeout, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	for _, s := range specs {
		fn := a.jobFunc(s.name)
		if !s.enabled || fn == nil {
			if a.sched.Remove(s.name) {
				a.log.Info("job disabled", logx.Job(s.name))
			}
			continue
		}
		if err := a.sched.Add(s.name, s.schedule, timeout, fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) jobFunc(name string) scheduler.JobFunc {
	switch name {
	case newsletter.Job:
		return func(ctx context.Context) error {
			_, err := a.newsletter.RunCycle(ctx, time.Now())
			return err
		}
	case reminder.Job:
		return func(ctx context.Context) error {
			_, err := a.reminders.RunCycle(ctx, time.Now())
			return err
		}
	case calendar.Job:
		if a.calendar == nil {
			return nil
		}
		return func(ctx context.Context) error {
			_, err := a.calendar.RunCycle(ctx)
			return err
		}
	}
	return nil
}

// Jobs lists the registered job names.
func (a *App) Jobs() []string { return a.sched.Jobs() }

// RunOnce runs one job to completion without starting the scheduler.
func (a *App) RunOnce(ctx context.Context, job string) error {
	return a.sched.RunNow(ctx, job)
}

// Calendar returns the syncer, or an error when calendar mirroring is off.
func (a *App) Calendar() (*calendar.Syncer, error) {
	if a.calendar == nil {
		return nil, errors.New("calendar mirroring is disabled")
	}
	return a.calendar, nil
}

// Done is closed when the app stops, including after a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the scheduler, metrics, ops server, config watcher and
// watchdog under one supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.root), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.root.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	a.ops = ops.New(ops.Deps{Jobs: a.sched, Gatherer: a.metrics.Registry, Supervisor: a.sup, Version: a.version}, a.root)
	ocfg, _ := mapOps(cfg)
	if err := a.ops.Apply(a.sup.Context(), ocfg); err != nil {
		// The ops surface is optional; jobs still run without it.
		a.log.Error("ops server not started", logx.Err(err))
	}

	a.sup.Go("metrics", func(c context.Context) error {
		a.metrics.Run(c, a.bus)
		return nil
	})
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)
	a.sup.Go("config.apply", a.applyLoop)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; jobs run only on demand")
	}

	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("%d jobs scheduled", len(a.sched.Jobs())))
	a.log.Info("herald started", logx.String("version", a.version), logx.Strings("jobs", a.sched.Jobs()))
	return nil
}

func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.notify.Reloading()
			a.apply(ctx, last, next)
			last = next
			a.notify.Ready()
		}
	}
}

// apply pushes a validated config into the running components. Sections
// that need a restart are reported and left as they were.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))

	if o, _, err := mapNewsletter(next); err == nil {
		a.newsletter.Configure(o)
	}
	if o, err := mapReminders(next); err == nil {
		a.reminders.Configure(o)
	}
	if a.calendar != nil {
		if o, _, err := mapCalendar(next); err == nil {
			a.calendar.Configure(o)
		}
	}
	if loc, err := loadLocation("scheduler.timezone", next.Scheduler.Timezone); err == nil {
		a.sched.SetLocation(loc)
	}
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("job schedules not updated", logx.Err(err))
	}
	if prev.Scheduler.Enabled != next.Scheduler.Enabled {
		if next.Scheduler.Enabled {
			a.sched.Start(a.sup.Context())
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = a.sched.Stop(stopCtx)
			cancel()
		}
	}
	if o, err := mapOps(next); err == nil {
		if err := a.ops.Apply(ctx, o); err != nil {
			a.log.Error("ops server reconfigure failed", logx.Err(err))
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that apply on restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify != nil {
		a.notify.Stopping()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 10*time.Second, a.sched.Stop)
	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.ops != nil {
		step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	}
	if a.sup != nil {
		step("supervisor", 3*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	step("ledger", 2*time.Second, func(context.Context) error { return a.ledger.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
