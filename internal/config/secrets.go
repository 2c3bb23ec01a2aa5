package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const DefaultSecretsDir = "/vault/secrets"

// Secret names looked up in the secrets directory, with their environment fallbacks.
const (
	SecretDiscordToken = "discord-token"
	SecretGuildID      = "discord-guild-id"
	SecretGoogleCreds  = "google-credentials"
	SecretRedisURL     = "redis-url"
	SecretRedisPass    = "redis-password"
	SecretOpsToken     = "ops-token"
)

var secretEnv = map[string]string{
	SecretDiscordToken: "DISCORD_TOKEN",
	SecretGuildID:      "DISCORD_GUILD_ID",
	SecretGoogleCreds:  "GOOGLE_CREDENTIALS",
	SecretRedisURL:     "REDIS_URL",
	SecretRedisPass:    "REDIS_PASSWORD",
	SecretOpsToken:     "HERALD_OPS_TOKEN",
}

// Secrets resolves credentials from a mounted secrets directory first, then
// the environment. A secret file holding KEY=VALUE lines is read as dotenv and
// the entry named after the environment variable is used.
type Secrets struct {
	Dir    string
	Getenv func(string) string
}

func NewSecrets(dir string) Secrets {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultSecretsDir
	}
	return Secrets{Dir: dir, Getenv: os.Getenv}
}

// Lookup returns the secret value or "" when neither source has it.
func (s Secrets) Lookup(name string) (string, error) {
	envKey := secretEnv[name]
	b, err := os.ReadFile(filepath.Join(s.Dir, name))
	switch {
	case err == nil:
		raw := strings.TrimSpace(string(b))
		if looksLikeDotenv(raw) {
			vals, perr := godotenv.Unmarshal(raw)
			if perr != nil {
				return "", &ConfigurationError{Field: "secrets." + name, Reason: "unparseable", Err: perr}
			}
			if v, ok := vals[envKey]; ok {
				return strings.TrimSpace(v), nil
			}
		} else if raw != "" {
			return raw, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", &ConfigurationError{Field: "secrets." + name, Reason: "unreadable", Err: err}
	}

	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if envKey == "" {
		return "", nil
	}
	return strings.TrimSpace(getenv(envKey)), nil
}

// looksLikeDotenv is true for KEY=VALUE documents but not for JSON blobs.
func looksLikeDotenv(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "{") {
		return false
	}
	first, _, _ := strings.Cut(raw, "\n")
	k, _, ok := strings.Cut(first, "=")
	return ok && k != "" && !strings.ContainsAny(k, " \t")
}

// ResolveSecrets fills credentials the file left empty.
func ResolveSecrets(cfg *Config, s Secrets) error {
	fill := func(dst *string, name string) error {
		if strings.TrimSpace(*dst) != "" {
			return nil
		}
		v, err := s.Lookup(name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	steps := []struct {
		dst  *string
		name string
	}{
		{&cfg.Discord.Token, SecretDiscordToken},
		{&cfg.Discord.GuildID, SecretGuildID},
		{&cfg.Calendar.CredentialsJSON, SecretGoogleCreds},
		{&cfg.Ledger.Redis.URL, SecretRedisURL},
		{&cfg.Ledger.Redis.Password, SecretRedisPass},
		{&cfg.Ops.Token, SecretOpsToken},
	}
	for _, st := range steps {
		if err := fill(st.dst, st.name); err != nil {
			return err
		}
	}
	return nil
}
