package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/pauljones0/itchclaim/internal/crawler"
	"github.com/pauljones0/itchclaim/internal/validator"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

const (
	StoreDisk      = "disk"
	StoreFirestore = "firestore"
)

type Config struct {
	DataDir  string `validate:"required"`
	Username string
	Password string
	TOTP     string

	BaseURL string `validate:"required,url"`
	// HomeURL is where the origin redirects a rejected claim.
	HomeURL         string `validate:"required,url"`
	ActiveFeedURL   string `validate:"omitempty,url"`
	UpcomingFeedURL string `validate:"omitempty,url"`
	Categories      []string

	Schedule         string
	ScheduleInterval time.Duration `validate:"gt=0"`

	MaxAttempts       int           `validate:"gt=0"`
	RateLimitDelay    time.Duration `validate:"gte=0"`
	RequestTimeout    time.Duration `validate:"gt=0"`
	RequestsPerSecond float64       `validate:"gte=0"`
	BrowserTLS        bool

	SessionPassphrase string
	DiscordWebhookURL string `validate:"omitempty,url"`

	Store     string `validate:"oneof=disk firestore"`
	ProjectID string `validate:"required_if=Store firestore"`
	Port      string

	SelectorsPath string
	LogLevel      string `validate:"omitempty,oneof=debug info warn error"`
}

// source resolves a setting from the environment first, then the TOML file.
type source struct {
	file map[string]any
}

func (s source) get(env, key string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if v, ok := s.file[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func (s source) getOr(env, key, def string) string {
	if v := s.get(env, key); v != "" {
		return v
	}
	return def
}

// Load reads .env, then the optional TOML file named by ITCHCLAIM_CONFIG (default
// <data dir>/config.toml), then environment variables, which win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	dataDir := os.Getenv("ITCHCLAIM_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	path := os.Getenv("ITCHCLAIM_CONFIG")
	if path == "" {
		path = filepath.Join(dataDir, "config.toml")
	}

	src := source{file: map[string]any{}}
	if _, err := toml.DecodeFile(path, &src.file); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	} else {
		slog.Debug("Loaded config file", "path", path)
	}

	cfg := &Config{
		DataDir:           src.getOr("ITCHCLAIM_DATA_DIR", "data_dir", dataDir),
		Username:          src.get("ITCH_USERNAME", "username"),
		Password:          src.get("ITCH_PASSWORD", "password"),
		TOTP:              src.get("ITCH_TOTP", "totp"),
		BaseURL:           strings.TrimRight(src.getOr("ITCHCLAIM_BASE_URL", "base_url", "https://itch.io"), "/"),
		HomeURL:           src.getOr("ITCHCLAIM_HOME_URL", "home_url", "https://itch.io/"),
		ActiveFeedURL:     src.get("ITCHCLAIM_ACTIVE_FEED", "active_feed"),
		UpcomingFeedURL:   src.get("ITCHCLAIM_UPCOMING_FEED", "upcoming_feed"),
		Schedule:          src.get("ITCHCLAIM_SCHEDULE", "schedule"),
		SessionPassphrase: src.get("ITCHCLAIM_SESSION_PASSPHRASE", "session_passphrase"),
		DiscordWebhookURL: src.get("DISCORD_WEBHOOK_URL", "discord_webhook_url"),
		Store:             src.getOr("ITCHCLAIM_STORE", "store", StoreDisk),
		ProjectID:         src.get("GOOGLE_CLOUD_PROJECT", "project_id"),
		Port:              src.getOr("PORT", "port", "8080"),
		SelectorsPath:     src.get("SELECTORS_CONFIG_PATH", "selectors_config_path"),
		LogLevel:          strings.ToLower(src.get("LOG_LEVEL", "log_level")),
		Categories:        crawler.DefaultCategories,
	}

	if v := src.get("ITCHCLAIM_CATEGORIES", "categories"); v != "" {
		cfg.Categories = splitList(v)
	}

	var err error
	if cfg.ScheduleInterval, err = parseDuration(src, "ITCHCLAIM_SCHEDULE_INTERVAL", "schedule_interval", "60s"); err != nil {
		return nil, err
	}
	if cfg.RateLimitDelay, err = parseDuration(src, "ITCHCLAIM_RATE_LIMIT_DELAY", "rate_limit_delay", "10ms"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = parseDuration(src, "ITCHCLAIM_REQUEST_TIMEOUT", "request_timeout", "10s"); err != nil {
		return nil, err
	}

	maxAttempts := src.getOr("ITCHCLAIM_MAX_ATTEMPTS", "max_attempts", "100")
	if cfg.MaxAttempts, err = strconv.Atoi(maxAttempts); err != nil {
		return nil, fmt.Errorf("invalid ITCHCLAIM_MAX_ATTEMPTS %q: %w", maxAttempts, err)
	}
	rps := src.getOr("ITCHCLAIM_REQUESTS_PER_SECOND", "requests_per_second", "0")
	if cfg.RequestsPerSecond, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, fmt.Errorf("invalid ITCHCLAIM_REQUESTS_PER_SECOND %q: %w", rps, err)
	}
	if v := src.get("ITCHCLAIM_BROWSER_TLS", "browser_tls"); v != "" {
		if cfg.BrowserTLS, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid ITCHCLAIM_BROWSER_TLS %q: %w", v, err)
		}
	}

	if err := validator.New().ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration (%s): %w", strings.Join(validator.Fields(err), ", "), err)
	}

	if cfg.DiscordWebhookURL == "" {
		slog.Debug("DISCORD_WEBHOOK_URL not set, Discord notifications will be skipped")
	}
	return cfg, nil
}

func parseDuration(src source, env, key, def string) (time.Duration, error) {
	raw := src.getOr(env, key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", env, raw, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "itchclaim")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "itchclaim")
	}
	return "itchclaim-data"
}

// CacheDir holds games/, sales/ and the resume index.
func (c *Config) CacheDir() string {
	return c.DataDir
}

func (c *Config) SessionDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

func (c *Config) ExportDir() string {
	return filepath.Join(c.DataDir, "api")
}

// WebClient returns the HTTP retry client settings.
func (c *Config) WebClient() webclient.Config {
	wc := webclient.DefaultConfig()
	wc.MaxAttempts = c.MaxAttempts
	wc.RateLimitDelay = c.RateLimitDelay
	wc.Timeout = c.RequestTimeout
	wc.RequestsPerSecond = c.RequestsPerSecond
	wc.BrowserTLS = c.BrowserTLS
	return wc
}
