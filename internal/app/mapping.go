package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/calendar"
	"herald/internal/config"
	"herald/internal/discord"
	"herald/internal/ledger"
	"herald/internal/newsletter"
	"herald/internal/observability/ops"
	"herald/internal/reminder"
	"herald/internal/scheduler"
	"herald/pkg/logx"
)

// Job schedule defaults.
const (
	defaultNewsletterEvery = "15m"
	defaultRemindersEvery  = "1m"
	defaultCalendarEvery   = "60m"
	defaultCycleTimeout    = 10 * time.Minute
	defaultFetchTimeout    = 10 * time.Second
)

func mapDiscord(cfg *config.Config) (discord.Options, error) {
	d := cfg.Discord
	timeout, err := config.ParseDurationOrDefault("discord.request_timeout", d.RequestTimeout, discord.DefaultRequestTimeout)
	if err != nil {
		return discord.Options{}, err
	}
	base, err := config.ParseDurationOrDefault("discord.retry_base", d.RetryBase, discord.DefaultRetryBase)
	if err != nil {
		return discord.Options{}, err
	}
	// An explicit "0s" disables the send delay.
	delay, err := config.ParseDurationUnlessEmpty("discord.send_delay", d.SendDelay, discord.DefaultSendDelay)
	if err != nil {
		return discord.Options{}, err
	}
	return discord.Options{
		BaseURL:        d.APIBase,
		Token:          d.Token,
		GuildID:        d.GuildID,
		RequestTimeout: timeout,
		MaxAttempts:    d.MaxAttempts,
		RetryBase:      base,
		SendDelay:      delay,
		RatePerSec:     d.RatePerSec,
	}, nil
}

func mapLedger(cfg *config.Config) (ledger.Config, error) {
	l := cfg.Ledger
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", l.BusyTimeout, time.Second)
	if err != nil {
		return ledger.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(l.Driver))
	if (driver == "sqlite" || driver == "file") && strings.TrimSpace(l.Path) == "" {
		return ledger.Config{}, fmt.Errorf("ledger.path is required when ledger.driver=%s", driver)
	}
	return ledger.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(l.Path),
		BusyTimeout: busy,
		Namespace:   l.Namespace,
		Redis: ledger.RedisOptions{
			URL:        l.Redis.URL,
			Addrs:      l.Redis.Addrs,
			MasterName: l.Redis.MasterName,
			Username:   l.Redis.Username,
			Password:   l.Redis.Password,
			DB:         l.Redis.DB,
		},
	}, nil
}

func loadLocation(path, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown timezone %q: %w", path, tz, err)
	}
	return loc, nil
}

func mapNewsletter(cfg *config.Config) (newsletter.Options, time.Duration, error) {
	n := cfg.Newsletter
	loc, err := loadLocation("newsletter.timezone", n.Timezone)
	if err != nil {
		return newsletter.Options{}, 0, err
	}
	ttl, err := config.ParseDurationOrDefault("ledger.newsletter_ttl", cfg.Ledger.NewsletterTTL, newsletter.DefaultTTL)
	if err != nil {
		return newsletter.Options{}, 0, err
	}
	fetch, err := config.ParseDurationOrDefault("newsletter.fetch_timeout", n.FetchTimeout, defaultFetchTimeout)
	if err != nil {
		return newsletter.Options{}, 0, err
	}
	return newsletter.Options{
		FeedsFile:    n.FeedsFile,
		Location:     loc,
		HistoryLimit: cfg.Discord.HistoryLimit,
		TTL:          ttl,
	}, fetch, nil
}

func mapReminders(cfg *config.Config) (reminder.Options, error) {
	r := cfg.Reminders
	lead, err := config.ParseDurationOrDefault("reminders.lead_time", r.LeadTime, reminder.DefaultLeadTime)
	if err != nil {
		return reminder.Options{}, err
	}
	tol, err := config.ParseDurationOrDefault("reminders.tolerance", r.Tolerance, reminder.DefaultTolerance)
	if err != nil {
		return reminder.Options{}, err
	}
	// "0s" keeps reminder records forever.
	ttl, err := config.ParseDurationUnlessEmpty("ledger.reminder_ttl", cfg.Ledger.ReminderTTL, 168*time.Hour)
	if err != nil {
		return reminder.Options{}, err
	}
	return reminder.Options{
		LeadTime:      lead,
		Tolerance:     tol,
		Class:         r.Class,
		AttendeeLimit: r.AttendeeLimit,
		TTL:           ttl,
	}, nil
}

func mapCalendar(cfg *config.Config) (calendar.Options, calendar.GoogleOptions, error) {
	c := cfg.Calendar
	buf, err := config.ParseDurationOrDefault("calendar.match_buffer", c.MatchBuffer, calendar.DefaultMatchBuffer)
	if err != nil {
		return calendar.Options{}, calendar.GoogleOptions{}, err
	}
	ahead, err := config.ParseDurationOrDefault("calendar.lookahead", c.Lookahead, calendar.DefaultLookahead)
	if err != nil {
		return calendar.Options{}, calendar.GoogleOptions{}, err
	}
	dur, err := config.ParseDurationOrDefault("calendar.event_duration", c.EventDuration, calendar.DefaultEventDuration)
	if err != nil {
		return calendar.Options{}, calendar.GoogleOptions{}, err
	}
	return calendar.Options{MatchBuffer: buf, Lookahead: ahead, EventDuration: dur},
		calendar.GoogleOptions{
			CalendarID:      c.CalendarID,
			CredentialsFile: c.CredentialsFile,
			CredentialsJSON: c.CredentialsJSON,
			MaxRetries:      c.RetryMax,
		}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var out ops.Config
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	out.Enabled = o.Enabled
	out.Addr = o.Addr
	out.Prefix = o.Prefix
	out.Token = o.Token
	out.AllowInsecure = o.AllowInsecure
	out.MutexProfileFraction = o.MutexProfileFraction
	out.BlockProfileRate = o.BlockProfileRate
	return out, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    l.Channel.Enabled,
			ChannelID:  l.Channel.ChannelID,
			MinLevel:   l.Channel.MinLevel,
			RatePerSec: l.Channel.RatePerSec,
		},
	}
}

// jobSpec is one scheduled job as configured.
type jobSpec struct {
	name     string
	schedule string
	enabled  bool
}

func mapJobs(cfg *config.Config) ([]jobSpec, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("jobs.cycle_timeout", cfg.Jobs.CycleTimeout, defaultCycleTimeout)
	if err != nil {
		return nil, 0, err
	}
	or := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	specs := []jobSpec{
		{name: newsletter.Job, schedule: or(cfg.Jobs.Newsletter, defaultNewsletterEvery), enabled: cfg.Newsletter.IsEnabled()},
		{name: reminder.Job, schedule: or(cfg.Jobs.Reminders, defaultRemindersEvery), enabled: cfg.Reminders.IsEnabled()},
		{name: calendar.Job, schedule: or(cfg.Jobs.Calendar, defaultCalendarEvery), enabled: cfg.Calendar.IsEnabled()},
	}
	for _, s := range specs {
		if _, err := scheduler.Parse(s.schedule); err != nil {
			return nil, 0, &config.ConfigurationError{Field: "jobs." + s.name, Reason: err.Error(), Err: err}
		}
	}
	return specs, timeout, nil
}

// validate runs the static checks plus every mapping, so a reload that
// would fail to apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapDiscord(cfg); err != nil {
		return err
	}
	if _, err := mapLedger(cfg); err != nil {
		return err
	}
	if _, _, err := mapNewsletter(cfg); err != nil {
		return err
	}
	if _, err := mapReminders(cfg); err != nil {
		return err
	}
	if _, _, err := mapCalendar(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	if _, err := loadLocation("scheduler.timezone", cfg.Scheduler.Timezone); err != nil {
		return err
	}
	_, _, err := mapJobs(cfg)
	return err
}
