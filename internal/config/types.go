package config

// Config is the process configuration. Every duration is a Go duration string
// ("500ms", "10s", "1h"); empty values fall back to the documented defaults.
type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Newsletter NewsletterConfig `json:"newsletter"`
	Reminders  ReminderConfig   `json:"reminders"`
	Calendar   CalendarConfig   `json:"calendar"`
	Ledger     LedgerConfig     `json:"ledger"`
	Jobs       JobsConfig       `json:"jobs"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Logging    LoggingConfig    `json:"logging"`
	Ops        OpsConfig        `json:"ops,omitempty"`
	Secrets    SecretsConfig    `json:"secrets,omitempty"`
}

// DiscordConfig configures the chat platform REST client.
//
// Token and GuildID are usually supplied through the secrets directory or the
// environment rather than the file (see ResolveSecrets).
type DiscordConfig struct {
	Token          string `json:"token,omitempty"` // never logged
	GuildID        string `json:"guild_id,omitempty"`
	APIBase        string `json:"api_base,omitempty"`        // default: https://discord.com/api/v10
	RequestTimeout string `json:"request_timeout,omitempty"` // default: 10s
	MaxAttempts    int    `json:"max_attempts,omitempty"`    // default: 5
	RetryBase      string `json:"retry_base,omitempty"`      // default: 1s
	SendDelay      string `json:"send_delay,omitempty"`      // default: 3s
	HistoryLimit   int    `json:"history_limit,omitempty"`   // default: 50
	RatePerSec     int    `json:"rate_per_sec,omitempty"`    // 0 disables proactive pacing
}

type NewsletterConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`       // default: true
	FeedsFile    string `json:"feeds_file,omitempty"`    // default: ./feeds.yaml
	Timezone     string `json:"timezone,omitempty"`      // default: UTC
	FetchTimeout string `json:"fetch_timeout,omitempty"` // default: 10s
}

type ReminderConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`        // default: true
	LeadTime      string `json:"lead_time,omitempty"`      // default: 1h
	Tolerance     string `json:"tolerance,omitempty"`      // default: 1m
	Class         string `json:"class,omitempty"`          // default: "1h"
	AttendeeLimit int    `json:"attendee_limit,omitempty"` // default: 100
}

type CalendarConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`     // default: true
	CalendarID      string `json:"calendar_id,omitempty"` // default: primary
	CredentialsFile string `json:"credentials_file,omitempty"`
	CredentialsJSON string `json:"-"` // secrets only
	MatchBuffer     string `json:"match_buffer,omitempty"`   // default: 5m
	Lookahead       string `json:"lookahead,omitempty"`      // default: 2160h
	EventDuration   string `json:"event_duration,omitempty"` // default: 1h
	RetryMax        int    `json:"retry_max,omitempty"`      // default: 3
}

// LedgerConfig selects the idempotency ledger backend.
//
// Driver values: "redis", "sqlite", "file", "memory" (default).
type LedgerConfig struct {
	Driver        string      `json:"driver,omitempty"`
	Path          string      `json:"path,omitempty"` // sqlite/file
	BusyTimeout   string      `json:"busy_timeout,omitempty"`
	Namespace     string      `json:"namespace,omitempty"`      // default: herald
	NewsletterTTL string      `json:"newsletter_ttl,omitempty"` // default: 24h
	ReminderTTL   string      `json:"reminder_ttl,omitempty"`   // default: 168h; "0s" keeps forever
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	URL        string   `json:"url,omitempty"`
	Addrs      []string `json:"addrs,omitempty"`
	MasterName string   `json:"master_name,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"` // never logged
	DB         int      `json:"db,omitempty"`
}

// JobsConfig holds the polling trigger for each job. Values accept the
// scheduler's formats: "15m", "01:00", "*/5 * * * *", "@hourly".
type JobsConfig struct {
	Newsletter   string `json:"newsletter,omitempty"`    // default: 15m
	Reminders    string `json:"reminders,omitempty"`     // default: 1m
	Calendar     string `json:"calendar,omitempty"`      // default: 60m
	CycleTimeout string `json:"cycle_timeout,omitempty"` // default: 10m
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the operator HTTP server (health, jobs, metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"` // default: /debug/pprof/
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SecretsConfig struct {
	Dir string `json:"dir,omitempty"` // default: /vault/secrets
}

func enabledOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c NewsletterConfig) IsEnabled() bool { return enabledOr(c.Enabled, true) }
func (c ReminderConfig) IsEnabled() bool   { return enabledOr(c.Enabled, true) }
func (c CalendarConfig) IsEnabled() bool   { return enabledOr(c.Enabled, true) }
