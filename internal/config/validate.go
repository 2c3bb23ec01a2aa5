package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/pkg/logx"
)

// Validate checks required credentials and the syntax of every duration,
// timezone and enum. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigurationError{Reason: "config is nil"}
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		add(missing("discord.token"))
	}
	if strings.TrimSpace(cfg.Discord.GuildID) == "" {
		add(missing("discord.guild_id"))
	}
	if cfg.Discord.MaxAttempts < 0 || cfg.Discord.MaxAttempts > 10 {
		add(&ConfigurationError{Field: "discord.max_attempts", Reason: "must be within 0..10 (0 = default 5)"})
	}
	if cfg.Discord.HistoryLimit < 0 || cfg.Discord.HistoryLimit > 100 {
		add(&ConfigurationError{Field: "discord.history_limit", Reason: "must be within 0..100"})
	}
	if cfg.Reminders.AttendeeLimit < 0 || cfg.Reminders.AttendeeLimit > 100 {
		add(&ConfigurationError{Field: "reminders.attendee_limit", Reason: "must be within 0..100"})
	}

	durations := map[string]string{
		"discord.request_timeout":  cfg.Discord.RequestTimeout,
		"discord.retry_base":       cfg.Discord.RetryBase,
		"discord.send_delay":       cfg.Discord.SendDelay,
		"newsletter.fetch_timeout": cfg.Newsletter.FetchTimeout,
		"reminders.lead_time":      cfg.Reminders.LeadTime,
		"reminders.tolerance":      cfg.Reminders.Tolerance,
		"calendar.match_buffer":    cfg.Calendar.MatchBuffer,
		"calendar.lookahead":       cfg.Calendar.Lookahead,
		"calendar.event_duration":  cfg.Calendar.EventDuration,
		"ledger.busy_timeout":      cfg.Ledger.BusyTimeout,
		"ledger.newsletter_ttl":    cfg.Ledger.NewsletterTTL,
		"ledger.reminder_ttl":      cfg.Ledger.ReminderTTL,
		"jobs.cycle_timeout":       cfg.Jobs.CycleTimeout,
		"ops.read_timeout":         cfg.Ops.ReadTimeout,
		"ops.write_timeout":        cfg.Ops.WriteTimeout,
		"ops.idle_timeout":         cfg.Ops.IdleTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for path, tz := range map[string]string{
		"newsletter.timezone": cfg.Newsletter.Timezone,
		"scheduler.timezone":  cfg.Scheduler.Timezone,
	} {
		if tz = strings.TrimSpace(tz); tz == "" {
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			add(&ConfigurationError{Field: path, Reason: fmt.Sprintf("unknown timezone %q", tz), Err: err})
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Ledger.Redis.URL) == "" && len(cfg.Ledger.Redis.Addrs) == 0 {
			add(missing("ledger.redis.url or ledger.redis.addrs"))
		}
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			add(missing("ledger.path"))
		}
	default:
		add(&ConfigurationError{Field: "ledger.driver", Reason: fmt.Sprintf("unknown driver %q", d)})
	}

	if cfg.Calendar.IsEnabled() && strings.TrimSpace(cfg.Calendar.CredentialsFile) == "" && strings.TrimSpace(cfg.Calendar.CredentialsJSON) == "" {
		add(missing("calendar.credentials_file"))
	}
	if cfg.Newsletter.IsEnabled() && strings.TrimSpace(cfg.Newsletter.FeedsFile) == "" {
		add(missing("newsletter.feeds_file"))
	}

	for path, lvl := range map[string]string{
		"logging.level":             cfg.Logging.Level,
		"logging.channel.min_level": cfg.Logging.Channel.MinLevel,
	} {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(&ConfigurationError{Field: path, Reason: fmt.Sprintf("unknown level %q", lvl)})
		}
	}
	if cfg.Logging.Channel.Enabled && strings.TrimSpace(cfg.Logging.Channel.ChannelID) == "" {
		add(missing("logging.channel.channel_id"))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills the fields whose zero value would be ambiguous.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Newsletter.FeedsFile) == "" {
		cfg.Newsletter.FeedsFile = "./feeds.yaml"
	}
	if strings.TrimSpace(cfg.Calendar.CalendarID) == "" {
		cfg.Calendar.CalendarID = "primary"
	}
	if strings.TrimSpace(cfg.Reminders.Class) == "" {
		cfg.Reminders.Class = "1h"
	}
	if strings.TrimSpace(cfg.Ledger.Namespace) == "" {
		cfg.Ledger.Namespace = "herald"
	}
}
