package config

import (
	"reflect"
	"strings"

	"herald/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attributes for logging. Tokens and passwords are reduced to
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	od, nd := oldCfg.Discord, newCfg.Discord
	od.Token, nd.Token = "", ""
	if od != nd || oldCfg.Discord.Token != newCfg.Discord.Token {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.String("discord.guild_id", nd.GuildID),
			logx.Bool("discord.token_set", set(newCfg.Discord.Token)),
			logx.Int("discord.max_attempts", nd.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Newsletter, newCfg.Newsletter) {
		changed = append(changed, "newsletter")
		attrs = append(attrs,
			logx.Bool("newsletter.enabled", newCfg.Newsletter.IsEnabled()),
			logx.String("newsletter.feeds_file", newCfg.Newsletter.FeedsFile),
			logx.String("newsletter.timezone", newCfg.Newsletter.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", newCfg.Reminders.IsEnabled()),
			logx.String("reminders.lead_time", newCfg.Reminders.LeadTime),
			logx.String("reminders.tolerance", newCfg.Reminders.Tolerance),
		)
	}

	oc, nc := oldCfg.Calendar, newCfg.Calendar
	oc.CredentialsJSON, nc.CredentialsJSON = "", ""
	if !reflect.DeepEqual(oc, nc) || oldCfg.Calendar.CredentialsJSON != newCfg.Calendar.CredentialsJSON {
		changed = append(changed, "calendar")
		attrs = append(attrs,
			logx.Bool("calendar.enabled", nc.IsEnabled()),
			logx.String("calendar.calendar_id", nc.CalendarID),
			logx.Bool("calendar.credentials_set", set(nc.CredentialsFile) || set(newCfg.Calendar.CredentialsJSON)),
		)
	}

	ol, nl := oldCfg.Ledger, newCfg.Ledger
	ol.Redis.Password, nl.Redis.Password = "", ""
	ol.Redis.URL, nl.Redis.URL = "", ""
	if !reflect.DeepEqual(ol, nl) || oldCfg.Ledger.Redis.Password != newCfg.Ledger.Redis.Password || oldCfg.Ledger.Redis.URL != newCfg.Ledger.Redis.URL {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", nl.Driver),
			logx.String("ledger.newsletter_ttl", nl.NewsletterTTL),
			logx.String("ledger.reminder_ttl", nl.ReminderTTL),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.newsletter", newCfg.Jobs.Newsletter),
			logx.String("jobs.reminders", newCfg.Jobs.Reminders),
			logx.String("jobs.calendar", newCfg.Jobs.Calendar),
			logx.String("jobs.cycle_timeout", newCfg.Jobs.CycleTimeout),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if oo != no || oldCfg.Ops.Token != newCfg.Ops.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
		)
	}

	if oldCfg.Secrets != newCfg.Secrets {
		changed = append(changed, "secrets")
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "discord", "ledger", "calendar", "secrets":
			out = append(out, s)
		}
	}
	return out
}
