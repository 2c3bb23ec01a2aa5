package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
discord:
  token: "abc"
  guild_id: "123"
  max_attempts: 5
newsletter:
  feeds_file: ./feeds.yaml
  timezone: UTC
reminders:
  lead_time: 1h
  tolerance: 1m
calendar:
  enabled: false
ledger:
  driver: sqlite
  path: ./data/herald.db
jobs:
  newsletter: 15m
scheduler:
  enabled: true
logging:
  level: info
  console: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.GuildID != "123" || cfg.Ledger.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Calendar.IsEnabled() {
		t.Fatal("calendar should be disabled")
	}
	if !cfg.Newsletter.IsEnabled() {
		t.Fatal("newsletter should default to enabled")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML+"\nbogus: true\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestManagerRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"discord":{}} {"discord":{}}`)
	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestValidateReportsMissingCredentials(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Calendar.Enabled = new(bool)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	for _, field := range []string{"discord.token", "discord.guild_id"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q does not mention %s", err, field)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"duration", func(c *Config) { c.Reminders.LeadTime = "soon" }, "reminders.lead_time"},
		{"timezone", func(c *Config) { c.Newsletter.Timezone = "Mars/Olympus" }, "newsletter.timezone"},
		{"driver", func(c *Config) { c.Ledger.Driver = "etcd" }, "ledger.driver"},
		{"redis", func(c *Config) { c.Ledger.Driver = "redis" }, "ledger.redis"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"attempts", func(c *Config) { c.Discord.MaxAttempts = 40 }, "discord.max_attempts"},
		{"negative attempts", func(c *Config) { c.Discord.MaxAttempts = -1 }, "discord.max_attempts"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Discord: DiscordConfig{Token: "t", GuildID: "1"}}
			cfg.Calendar.Enabled = new(bool)
			ApplyDefaults(cfg)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadFeeds(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "feeds.yaml", `
feeds:
  - name: go-blog
    url: https://go.dev/blog/feed.atom
    channel_name: golang
  - name: k8s
    url: https://kubernetes.io/feed.xml
    channel_name: infra
  - name: gopher-weekly
    url: http://example.com/rss
    channel_name: golang
`)
	feeds, err := LoadFeeds(path)
	if err != nil {
		t.Fatalf("LoadFeeds: %v", err)
	}
	if got := len(feeds.ByChannel("golang")); got != 2 {
		t.Fatalf("ByChannel(golang) = %d, want 2", got)
	}
	if f, ok := feeds.ByName("k8s"); !ok || f.ChannelName != "infra" {
		t.Fatalf("ByName(k8s) = %+v, %v", f, ok)
	}
	if _, ok := feeds.ByName("missing"); ok {
		t.Fatal("ByName(missing) should not match")
	}
	if got := strings.Join(feeds.ChannelNames(), ","); got != "golang,infra" {
		t.Fatalf("ChannelNames = %s", got)
	}
}

func TestFeedsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		feed Feed
		ok   bool
	}{
		{"valid", Feed{Name: "a", URL: "https://x.test/rss", ChannelName: "c"}, true},
		{"no name", Feed{URL: "https://x.test/rss", ChannelName: "c"}, false},
		{"no channel", Feed{Name: "a", URL: "https://x.test/rss"}, false},
		{"ftp", Feed{Name: "a", URL: "ftp://x.test/rss", ChannelName: "c"}, false},
		{"relative", Feed{Name: "a", URL: "/rss", ChannelName: "c"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := (&Feeds{Feeds: []Feed{tt.feed}}).Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSecretsLookupOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, SecretDiscordToken, "file-token\n")
	writeFile(t, dir, SecretRedisPass, "REDIS_PASSWORD=hunter2\nOTHER=x\n")
	writeFile(t, dir, SecretGoogleCreds, `{"type":"service_account","k":"a=b"}`)

	env := map[string]string{"DISCORD_TOKEN": "env-token", "DISCORD_GUILD_ID": "999"}
	s := Secrets{Dir: dir, Getenv: func(k string) string { return env[k] }}

	cases := map[string]string{
		SecretDiscordToken: "file-token",
		SecretGuildID:      "999",
		SecretRedisPass:    "hunter2",
		SecretGoogleCreds:  `{"type":"service_account","k":"a=b"}`,
		SecretOpsToken:     "",
	}
	for name, want := range cases {
		got, err := s.Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		if got != want {
			t.Fatalf("Lookup(%s) = %q, want %q", name, got, want)
		}
	}

	cfg := &Config{Discord: DiscordConfig{Token: "explicit"}}
	if err := ResolveSecrets(cfg, s); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Discord.Token != "explicit" || cfg.Discord.GuildID != "999" || cfg.Ledger.Redis.Password != "hunter2" {
		t.Fatalf("unexpected resolution: %+v", cfg.Discord)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Discord: DiscordConfig{Token: "one", GuildID: "1"}, Jobs: JobsConfig{Newsletter: "15m"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "two", GuildID: "1"}, Jobs: JobsConfig{Newsletter: "5m"}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(sections, ","); got != "discord,jobs" {
		t.Fatalf("sections = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "discord" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	deadline := time.After(5 * time.Second)
	next := strings.Replace(sampleYAML, "newsletter: 15m", "newsletter: 5m", 1)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Jobs.Newsletter != "5m" {
				t.Fatalf("published jobs.newsletter = %q", cfg.Jobs.Newsletter)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees the change.
			writeFile(t, dir, "config.yaml", next)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
