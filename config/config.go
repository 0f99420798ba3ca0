// Package config loads environment variables into a typed Config.
// Defaults let the daemon start locally with only the Twitch app credentials set.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/onnwee/autocat/apperr"
)

type Config struct {
	// Twitch
	TwitchClientID     string   `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string   `env:"TWITCH_CLIENT_SECRET"`
	TwitchBroadcaster  string   `env:"TWITCH_BROADCASTER"`
	TwitchRedirectURI  string   `env:"TWITCH_REDIRECT_URI" default:"http://localhost:17563/auth/twitch/callback"`
	TwitchScopes       []string `env:"TWITCH_SCOPES" default:"channel:manage:broadcast"`

	// Storage
	DataDir       string `env:"DATA_DIR" default:"data"`
	DBDsn         string `env:"DB_DSN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Monitor
	MonitorInterval  time.Duration `env:"MONITOR_INTERVAL" default:"60s"`
	MonitorAutostart bool          `env:"MONITOR_AUTOSTART" default:"true"`
	DefaultCategory  string        `env:"DEFAULT_CATEGORY" default:"Just Chatting"`

	// Name database
	DetectableURL string        `env:"DETECTABLE_URL" default:"https://discord.com/api/v9/applications/detectable"`
	DetectableTTL time.Duration `env:"DETECTABLE_TTL" default:"24h"`
	DetectableOS  string        `env:"DETECTABLE_OS" default:"win32"`

	// HTTP
	HTTPAddr   string `env:"HTTP_ADDR" default:"127.0.0.1:17563"`
	AdminToken string `env:"ADMIN_TOKEN"`
	TrustProxy bool   `env:"TRUST_PROXY" default:"false"`

	ChatAnnounce bool `env:"CHAT_ANNOUNCE" default:"false"`

	// Observability
	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// OTLPInsecure skips TLS to the collector, which usually runs on the same host.
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" default:"1"`
}

// LoadDotEnv loads the given .env files if present. Missing files are not an error.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			slog.Debug("loaded env file", slog.String("path", p))
		}
	}
}

// Load reads the environment. It does not require Twitch credentials; use
// ValidateTwitch before starting the authorization flow.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, apperr.Config("load config", err.Error())
	}
	cfg.TwitchBroadcaster = strings.ToLower(strings.TrimSpace(cfg.TwitchBroadcaster))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MonitorInterval < time.Second {
		return apperr.Config("load config", fmt.Sprintf("MONITOR_INTERVAL must be at least 1s, got %s", c.MonitorInterval))
	}
	if c.DetectableTTL <= 0 {
		return apperr.Config("load config", "DETECTABLE_TTL must be positive")
	}
	if strings.TrimSpace(c.DefaultCategory) == "" {
		return apperr.Config("load config", "DEFAULT_CATEGORY must not be blank")
	}
	if c.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
		if err != nil {
			return apperr.Config("load config", "ENCRYPTION_KEY must be base64: "+err.Error())
		}
		if len(key) != 32 {
			return apperr.Config("load config", fmt.Sprintf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key)))
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return apperr.Config("load config", fmt.Sprintf("OTEL_TRACES_SAMPLER_ARG must be within [0,1], got %g", c.TraceSampleRatio))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return apperr.Config("load config", "LOG_FORMAT must be text or json")
	}
	return nil
}

// ValidateTwitch checks the settings the authorization flow and channel updates need.
func (c *Config) ValidateTwitch() error {
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}
	if c.TwitchBroadcaster == "" {
		missing = append(missing, "TWITCH_BROADCASTER")
	}
	if len(missing) > 0 {
		return apperr.Config("validate twitch config", "missing "+strings.Join(missing, ", "))
	}
	return nil
}

// Scopes returns the requested OAuth scopes. Chat announcements need chat:edit.
func (c *Config) Scopes() []string {
	out := append([]string(nil), c.TwitchScopes...)
	if c.ChatAnnounce && !contains(out, "chat:edit") {
		out = append(out, "chat:edit")
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Config) MappingsPath() string { return filepath.Join(c.DataDir, "mappings.json") }
func (c *Config) NameCachePath() string { return filepath.Join(c.DataDir, "detectable_cache.json") }
func (c *Config) TokensPath() string { return filepath.Join(c.DataDir, "tokens.json") }

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
