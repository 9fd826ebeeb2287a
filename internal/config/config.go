// Package config handles application configuration from environment
// variables and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"socialrelay/internal/platform"
)

// FileEnv names the environment variable holding the optional config file path.
const FileEnv = "RELAY_CONFIG"

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64
	AdminChatID      int64

	HistorySize int
	FetchCount  int
	Backfill    int
	SilentStart bool

	Retry   RetryConfig
	Bluesky BlueskyConfig
	YouTube YouTubeConfig
	Twitch  TwitchConfig
	Webhook WebhookConfig
}

// RetryConfig configures the upstream call wrapper.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	QuotaCooldown time.Duration
}

// BlueskyConfig configures the Bluesky adapter.
type BlueskyConfig struct {
	Enabled      bool
	Identifier   string
	AppPassword  string
	BaseURL      string
	PollInterval time.Duration
}

// YouTubeConfig configures the YouTube adapters.
type YouTubeConfig struct {
	APIKey         string
	DailyQuota     int
	QuotaBuffer    float64
	MinInterval    time.Duration
	MembersEnabled bool
}

// Enabled reports whether an API key is configured.
func (c YouTubeConfig) Enabled() bool {
	return c.APIKey != ""
}

// TwitchConfig configures the Twitch adapter.
type TwitchConfig struct {
	ClientID     string
	ClientSecret string
	PollInterval time.Duration
}

// Enabled reports whether client credentials are configured.
func (c TwitchConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// WebhookConfig configures the WebSub receiver.
type WebhookConfig struct {
	ListenAddr   string
	PublicURL    string
	Secret       string
	HubURL       string
	RenewalEvery time.Duration
}

// Enabled reports whether the webhook server should listen.
func (c WebhookConfig) Enabled() bool {
	return c.ListenAddr != ""
}

// Load reads configuration from the environment. When RELAY_CONFIG names a
// TOML file its values are used for variables missing from the environment.
func Load() (*Config, error) {
	file := map[string]string{}
	if path := os.Getenv(FileEnv); path != "" {
		var err error
		file, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}
	return load(source{file: file})
}

func load(src source) (*Config, error) {
	token := src.get("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	p := &parser{src: src}
	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     p.str("DATABASE_PATH", "./data/relay.db"),
		LogLevel:         p.str("LOG_LEVEL", "info"),
		AllowedUsers:     p.ids("ALLOWED_USERS"),
		AdminChatID:      p.int64("ADMIN_CHAT_ID", 0),

		HistorySize: p.int("HISTORY_SIZE", 20),
		FetchCount:  p.int("FETCH_COUNT", 5),
		Backfill:    p.int("NEW_CHANNEL_BACKFILL", 1),
		SilentStart: p.bool("SILENT_START", true),

		Retry: RetryConfig{
			MaxAttempts:   p.int("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:     p.duration("RETRY_BASE_DELAY", 2*time.Second),
			QuotaCooldown: p.duration("QUOTA_COOLDOWN", time.Hour),
		},
		Bluesky: BlueskyConfig{
			Enabled:      p.bool("BLUESKY_ENABLED", true),
			Identifier:   p.str("BLUESKY_IDENTIFIER", ""),
			AppPassword:  p.str("BLUESKY_APP_PASSWORD", ""),
			BaseURL:      p.str("BLUESKY_BASE_URL", ""),
			PollInterval: p.duration("BLUESKY_POLL_INTERVAL", 30*time.Second),
		},
		YouTube: YouTubeConfig{
			APIKey:         p.str("YOUTUBE_API_KEY", ""),
			DailyQuota:     p.int("YOUTUBE_DAILY_QUOTA", 10000),
			QuotaBuffer:    p.float("YOUTUBE_QUOTA_BUFFER", 0.05),
			MinInterval:    p.duration("YOUTUBE_MIN_INTERVAL", time.Minute),
			MembersEnabled: p.bool("YOUTUBE_MEMBERS_ENABLED", false),
		},
		Twitch: TwitchConfig{
			ClientID:     p.str("TWITCH_CLIENT_ID", ""),
			ClientSecret: p.str("TWITCH_CLIENT_SECRET", ""),
			PollInterval: p.duration("TWITCH_POLL_INTERVAL", time.Minute),
		},
		Webhook: WebhookConfig{
			ListenAddr:   p.str("WEBHOOK_LISTEN_ADDR", ""),
			PublicURL:    p.str("WEBHOOK_PUBLIC_URL", ""),
			Secret:       p.str("WEBHOOK_SECRET", ""),
			HubURL:       p.str("WEBHOOK_HUB_URL", "https://pubsubhubbub.appspot.com/subscribe"),
			RenewalEvery: p.duration("WEBHOOK_RENEWAL_INTERVAL", 24*time.Hour),
		},
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	positive := map[string]int{
		"HISTORY_SIZE":        c.HistorySize,
		"FETCH_COUNT":         c.FetchCount,
		"RETRY_MAX_ATTEMPTS":  c.Retry.MaxAttempts,
		"YOUTUBE_DAILY_QUOTA": c.YouTube.DailyQuota,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Backfill < 0 {
		errs = append(errs, fmt.Errorf("NEW_CHANNEL_BACKFILL must not be negative"))
	}
	if c.HistorySize < c.FetchCount*platform.MaxKeysPerItem {
		errs = append(errs, fmt.Errorf("HISTORY_SIZE (%d) must be at least %d times FETCH_COUNT (%d)",
			c.HistorySize, platform.MaxKeysPerItem, c.FetchCount))
	}
	if c.YouTube.QuotaBuffer < 0 || c.YouTube.QuotaBuffer >= 1 {
		errs = append(errs, fmt.Errorf("YOUTUBE_QUOTA_BUFFER must be in [0, 1)"))
	}
	if c.Webhook.Enabled() && c.Webhook.PublicURL == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_PUBLIC_URL is required when WEBHOOK_LISTEN_ADDR is set"))
	}
	return errors.Join(errs...)
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(c.AllowedUsers, userID)
}

// source looks a key up in the environment first, then in the file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return s.file[key]
}

// readFile decodes a TOML file into environment-style keys: table names
// and keys are joined with "_" and upper-cased, so [youtube] api_key
// becomes YOUTUBE_API_KEY.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string)
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

type parser struct {
	src  source
	errs []error
}

func (p *parser) str(key, def string) string {
	if v := p.src.get(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	raw := p.src.get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *parser) int64(key string, def int64) int64 {
	raw := p.src.get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := p.src.get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := p.src.get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.src.get(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: must be a positive duration", key, raw))
		return def
	}
	return v
}

func (p *parser) ids(key string) []int64 {
	raw := p.src.get(key)
	if raw == "" {
		return nil
	}
	var out []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid user ID %q in %s: %w", s, key, err))
			continue
		}
		out = append(out, uid)
	}
	return out
}
