// Package config loads the POSSE bridge's single YAML configuration
// document, resolving any `*_file` key to the stripped contents of the
// file it points at (the Docker-secrets convention) and validating the
// configured timezone against the OS tzdata, falling back to UTC with a
// warning rather than failing startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultTimezone = "UTC"

// Config is the root of the YAML document. Missing config is not fatal:
// a Config zero value plus defaults applied by Load is a usable config
// with every optional subsystem disabled.
type Config struct {
	Timezone string `yaml:"timezone"`

	CORS struct {
		Enabled bool     `yaml:"enabled"`
		Origins []string `yaml:"origins"`
	} `yaml:"cors"`

	Security SecurityConfig `yaml:"security"`

	Pushover struct {
		Enabled       bool   `yaml:"enabled"`
		AppTokenFile  string `yaml:"app_token_file"`
		UserKeyFile   string `yaml:"user_key_file"`
		appToken      string
		userKey       string
	} `yaml:"pushover"`

	Mastodon struct {
		Accounts []AccountConfig `yaml:"accounts"`
	} `yaml:"mastodon"`

	Bluesky struct {
		Accounts []AccountConfig `yaml:"accounts"`
	} `yaml:"bluesky"`

	LLM struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Port    int    `yaml:"port"`
		Timeout int    `yaml:"timeout"`
	} `yaml:"llm"`

	Interactions struct {
		Enabled             bool   `yaml:"enabled"`
		SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
		MaxPostAgeDays      int    `yaml:"max_post_age_days"`
		CacheDirectory      string `yaml:"cache_directory"`
	} `yaml:"interactions"`

	Webmention struct {
		ReceiverEnabled bool                `yaml:"receiver_enabled"`
		Targets         []WebmentionTarget  `yaml:"targets"`
	} `yaml:"webmention"`

	WebmentionReply WebmentionReplyConfig `yaml:"webmention_reply"`

	Ghost struct {
		ContentAPI struct {
			URL      string `yaml:"url"`
			Key      string `yaml:"key"`
			KeyFile  string `yaml:"key_file"`
			Version  string `yaml:"version"`
			Timeout  int    `yaml:"timeout"`
		} `yaml:"content_api"`
	} `yaml:"ghost"`

	StorageRoot string `yaml:"storage_root"`
	ListenAddr  string `yaml:"listen_addr"`
	BaseURL     string `yaml:"base_url"`
}

// SecurityConfig groups the HTTP surface's auth and rate-limit settings.
// An unset internal API token makes the endpoints it guards fail closed
// (503); an unset webhook secret leaves the Ghost webhook unauthenticated.
type SecurityConfig struct {
	WebhookSecret         string   `yaml:"webhook_secret"`
	InternalAPIToken      string   `yaml:"internal_api_token"`
	AllowedReferrers      []string `yaml:"allowed_referrers"`
	RateLimitPerMinute    int      `yaml:"rate_limit_per_minute"`
	DiscoveryRateLimit    int      `yaml:"discovery_rate_limit_per_minute"`
	DiscoveryCooldownSecs int      `yaml:"discovery_cooldown_seconds"`
}

// AccountConfig is one configured social account, shared shape for both
// platforms; Bluesky-only fields are ignored by the Mastodon loader.
type AccountConfig struct {
	Name                 string   `yaml:"name"`
	InstanceURL          string   `yaml:"instance_url"`
	Handle               string   `yaml:"handle"`
	AccessTokenFile      string   `yaml:"access_token_file"`
	AppPasswordFile      string   `yaml:"app_password_file"`
	Tags                 []string `yaml:"tags"`
	MaxPostLength        int      `yaml:"max_post_length"`
	SplitMultiImagePosts bool     `yaml:"split_multi_image_posts"`

	// Resolved secrets, populated by Load via readSecretFile.
	AccessToken string `yaml:"-"`
	AppPassword string `yaml:"-"`
}

type WebmentionTarget struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Target   string `yaml:"target"`
	Tag      string `yaml:"tag"`
	Timeout  int    `yaml:"timeout"`
}

// WebmentionReplyConfig governs the public reply form endpoint (§4.M):
// which target origins it will accept replies against, how aggressively
// it rate-limits submitters, and its optional Turnstile challenge.
type WebmentionReplyConfig struct {
	Enabled              bool     `yaml:"enabled"`
	BlogName             string   `yaml:"blog_name"`
	AllowedTargetOrigins []string `yaml:"allowed_target_origins"`
	RateLimit            int      `yaml:"rate_limit"`
	RateLimitWindowSecs  int      `yaml:"rate_limit_window_seconds"`
	TurnstileSiteKey     string   `yaml:"turnstile_site_key"`
	TurnstileSecretKey   string   `yaml:"turnstile_secret_key"`
	turnstileSecretFile  string
}

// Load reads the YAML document at path, or returns defaults if the file
// is absent. A malformed file is reported but also falls back to
// defaults — configuration errors must never prevent the process from
// serving /health.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config file not found, using defaults", slog.String("path", path))
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Error("invalid config YAML, using defaults", slog.String("path", path), slog.String("error", err.Error()))
		fresh := &Config{}
		fresh.applyDefaults()
		return fresh, nil
	}

	cfg.applyDefaults()

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	cfg.Timezone = validateTimezone(cfg.Timezone)

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Interactions.SyncIntervalMinutes == 0 {
		c.Interactions.SyncIntervalMinutes = 30
	}
	if c.Interactions.MaxPostAgeDays == 0 {
		c.Interactions.MaxPostAgeDays = 30
	}
	if c.Interactions.CacheDirectory == "" {
		c.Interactions.CacheDirectory = "./data"
	}
	if c.StorageRoot == "" {
		c.StorageRoot = "./data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Security.RateLimitPerMinute == 0 {
		c.Security.RateLimitPerMinute = 60
	}
	if c.Security.DiscoveryRateLimit == 0 {
		c.Security.DiscoveryRateLimit = 10
	}
	if c.Security.DiscoveryCooldownSecs == 0 {
		c.Security.DiscoveryCooldownSecs = 300
	}
	if c.WebmentionReply.RateLimit == 0 {
		c.WebmentionReply.RateLimit = 5
	}
	if c.WebmentionReply.RateLimitWindowSecs == 0 {
		c.WebmentionReply.RateLimitWindowSecs = 3600
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Pushover.AppTokenFile != "" {
		if c.Pushover.appToken, err = readSecretFile(c.Pushover.AppTokenFile); err != nil {
			slog.Warn("pushover app_token_file unreadable", slog.String("error", err.Error()))
		}
	}
	if c.Pushover.UserKeyFile != "" {
		if c.Pushover.userKey, err = readSecretFile(c.Pushover.UserKeyFile); err != nil {
			slog.Warn("pushover user_key_file unreadable", slog.String("error", err.Error()))
		}
	}

	for i := range c.Mastodon.Accounts {
		a := &c.Mastodon.Accounts[i]
		if a.AccessTokenFile != "" {
			if a.AccessToken, err = readSecretFile(a.AccessTokenFile); err != nil {
				slog.Warn("mastodon access_token_file unreadable", slog.String("account", a.Name), slog.String("error", err.Error()))
			}
		}
	}
	for i := range c.Bluesky.Accounts {
		a := &c.Bluesky.Accounts[i]
		if a.AppPasswordFile != "" {
			if a.AppPassword, err = readSecretFile(a.AppPasswordFile); err != nil {
				slog.Warn("bluesky app_password_file unreadable", slog.String("account", a.Name), slog.String("error", err.Error()))
			}
		} else if a.AccessTokenFile != "" {
			if a.AppPassword, err = readSecretFile(a.AccessTokenFile); err != nil {
				slog.Warn("bluesky access_token_file unreadable", slog.String("account", a.Name), slog.String("error", err.Error()))
			}
		}
	}

	if c.Ghost.ContentAPI.KeyFile != "" {
		if key, err := readSecretFile(c.Ghost.ContentAPI.KeyFile); err == nil {
			c.Ghost.ContentAPI.Key = key
		} else {
			slog.Warn("ghost content_api.key_file unreadable", slog.String("error", err.Error()))
		}
	}

	return nil
}

// PushoverCreds returns the resolved app token and user key.
func (c *Config) PushoverCreds() (appToken, userKey string) {
	return c.Pushover.appToken, c.Pushover.userKey
}

// Location returns the validated *time.Location for rendering timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// readSecretFile reads a file's contents stripped of surrounding
// whitespace, the `foo_file: /path` convention used throughout §4.A/§6.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// validateTimezone checks tz against the OS tzdata, falling back to UTC
// with a logged warning rather than failing config load.
func validateTimezone(tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return DefaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		slog.Warn("unknown timezone, falling back to UTC", slog.String("timezone", tz))
		return DefaultTimezone
	}
	return tz
}
