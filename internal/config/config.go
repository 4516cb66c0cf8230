package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level cssbot configuration.
type Config struct {
	Slack         SlackConfig        `json:"slack"`
	Channels      ChannelConfig      `json:"channels"`
	Roles         RoleConfig         `json:"roles"`
	Store         StoreConfig        `json:"store"`
	Timing        TimingConfig       `json:"timing"`
	Announcements AnnouncementConfig `json:"announcements"`
	Connectors    ConnectorConfig    `json:"connectors"`
	API           APIConfig          `json:"api"`
	LogLevel      string             `json:"log_level,omitempty"`
}

// SlackConfig holds the Socket Mode credentials.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// ChannelConfig names the channels the bot posts into.
type ChannelConfig struct {
	StudyRequests    string `json:"study_requests"`
	StudyTranscripts string `json:"study_transcripts"`
	IssueTickets     string `json:"issue_tickets,omitempty"`
	IssueTranscripts string `json:"issue_transcripts"`
	Welcome          string `json:"welcome,omitempty"`
	Rules            string `json:"rules,omitempty"`
	Announcements    string `json:"announcements,omitempty"`
}

// RoleConfig holds the staff role ids. An empty admin role means the
// workspace admin flag alone decides.
type RoleConfig struct {
	Admin     string `json:"admin,omitempty"`
	Moderator string `json:"moderator"`
}

// StoreConfig selects the ticket store. DatabaseURL wins over DataDir.
type StoreConfig struct {
	DataDir     string `json:"data_dir"`
	DatabaseURL string `json:"database_url,omitempty"`
}

// TimingConfig holds the bot's timeouts and delays.
type TimingConfig struct {
	DraftTTL      Duration `json:"draft_ttl"`
	ResolvedDelay Duration `json:"resolved_archive_delay"`
	InvalidDelay  Duration `json:"invalid_archive_delay"`
}

// AnnouncementConfig configures the examination notice poller.
type AnnouncementConfig struct {
	URL      string   `json:"url,omitempty"`
	Schedule string   `json:"schedule"`
	Window   Duration `json:"window"`
	Excerpts bool     `json:"excerpts,omitempty"`
	RedisURL string   `json:"redis_url,omitempty"`
}

// ConnectorConfig holds settings for the secondary connectors.
type ConnectorConfig struct {
	Telegram *TelegramConfig          `json:"telegram,omitempty"`
	Webhooks map[string]WebhookConfig `json:"webhooks,omitempty"`
}

// TelegramConfig holds the announcement mirror settings.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// WebhookConfig authenticates one /api/hooks/{name} endpoint.
type WebhookConfig struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Duration is a time.Duration written as "30s" or "5m" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults.
const (
	DefaultDataDir       = "data"
	DefaultPollSchedule  = "@every 120m"
	DefaultWindow        = 7 * 24 * time.Hour
	DefaultDraftTTL      = 5 * time.Minute
	DefaultResolvedDelay = 30 * time.Second
	DefaultInvalidDelay  = 10 * time.Second
	DefaultAPIPort       = 8080
)

// Load reads configuration from a JSON file. Unset fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from the environment. Each file in envFiles
// (default ".env") is loaded first; missing files are ignored and variables
// already set in the environment win.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Slack: SlackConfig{
			BotToken: os.Getenv("SLACK_BOT_TOKEN"),
			AppToken: os.Getenv("SLACK_APP_TOKEN"),
		},
		Channels: ChannelConfig{
			StudyRequests:    os.Getenv("STUDY_GROUP_REQUEST_CHANNEL_ID"),
			StudyTranscripts: os.Getenv("TRANSCRIPTS_CHANNEL_ID"),
			IssueTickets:     os.Getenv("ISSUE_TICKETS_CHANNEL_ID"),
			IssueTranscripts: os.Getenv("ISSUE_TRANSCRIPTS_CHANNEL_ID"),
			Welcome:          os.Getenv("WELCOME_CHANNEL_ID"),
			Rules:            os.Getenv("RULES_CHANNEL_ID"),
			Announcements:    os.Getenv("ANNOUNCEMENT_CHANNEL_ID"),
		},
		Roles: RoleConfig{
			Admin:     os.Getenv("ADMIN_ROLE_ID"),
			Moderator: os.Getenv("MOD_ROLE_ID"),
		},
		Store: StoreConfig{
			DataDir:     os.Getenv("CSSBOT_DATA_DIR"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Announcements: AnnouncementConfig{
			URL:      os.Getenv("ANNOUNCEMENT_URL"),
			Schedule: os.Getenv("ANNOUNCEMENT_SCHEDULE"),
			Excerpts: getenvBool("ANNOUNCEMENT_EXCERPTS", false),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		API: APIConfig{
			Host: getenv("CSSBOT_API_HOST", "0.0.0.0"),
			Port: getenvInt("CSSBOT_API_PORT", DefaultAPIPort),
			Key:  os.Getenv("CSSBOT_API_KEY"),
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
	}

	durations := []struct {
		env string
		dst *Duration
	}{
		{"DRAFT_TTL", &cfg.Timing.DraftTTL},
		{"RESOLVED_ARCHIVE_DELAY", &cfg.Timing.ResolvedDelay},
		{"INVALID_ARCHIVE_DELAY", &cfg.Timing.InvalidDelay},
		{"ANNOUNCEMENT_WINDOW", &cfg.Announcements.Window},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = Duration(parsed)
	}

	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{
			Token:  token,
			ChatID: os.Getenv("TELEGRAM_CHAT_ID"),
		}
	}

	// WEBHOOK_<NAME>_SECRET / _TOKEN / _ACTOR declare one endpoint each.
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		name, field, ok := webhookVar(key)
		if !ok || value == "" {
			continue
		}
		if cfg.Connectors.Webhooks == nil {
			cfg.Connectors.Webhooks = make(map[string]WebhookConfig)
		}
		wh := cfg.Connectors.Webhooks[name]
		switch field {
		case "SECRET":
			wh.Secret = value
		case "TOKEN":
			wh.BearerToken = value
		case "ACTOR":
			wh.Actor = value
		}
		cfg.Connectors.Webhooks[name] = wh
	}

	cfg.applyDefaults()
	return cfg, nil
}

func webhookVar(key string) (name, field string, ok bool) {
	rest, ok := strings.CutPrefix(key, "WEBHOOK_")
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", "", false
	}
	field = rest[i+1:]
	switch field {
	case "SECRET", "TOKEN", "ACTOR":
		return strings.ToLower(strings.ReplaceAll(rest[:i], "_", "-")), field, true
	}
	return "", "", false
}

func (c *Config) applyDefaults() {
	if c.Store.DataDir == "" {
		c.Store.DataDir = DefaultDataDir
	}
	if c.Timing.DraftTTL == 0 {
		c.Timing.DraftTTL = Duration(DefaultDraftTTL)
	}
	if c.Timing.ResolvedDelay == 0 {
		c.Timing.ResolvedDelay = Duration(DefaultResolvedDelay)
	}
	if c.Timing.InvalidDelay == 0 {
		c.Timing.InvalidDelay = Duration(DefaultInvalidDelay)
	}
	if c.Announcements.Schedule == "" {
		c.Announcements.Schedule = DefaultPollSchedule
	}
	if c.Announcements.Window == 0 {
		c.Announcements.Window = Duration(DefaultWindow)
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Slack.BotToken == "" {
		errs = append(errs, "slack.bot_token is required")
	} else if !strings.HasPrefix(c.Slack.BotToken, "xoxb-") {
		errs = append(errs, "slack.bot_token must be a bot token (xoxb-...)")
	}
	if c.Slack.AppToken == "" {
		errs = append(errs, "slack.app_token is required")
	} else if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		errs = append(errs, "slack.app_token must be an app-level token (xapp-...)")
	}

	if c.Channels.StudyRequests == "" {
		errs = append(errs, "channels.study_requests is required")
	}
	if c.Channels.StudyTranscripts == "" {
		errs = append(errs, "channels.study_transcripts is required")
	}
	if c.Channels.IssueTranscripts == "" {
		errs = append(errs, "channels.issue_transcripts is required")
	}
	if c.Roles.Moderator == "" {
		errs = append(errs, "roles.moderator is required")
	}
	if c.Store.DataDir == "" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.data_dir or store.database_url is required")
	}
	if c.Store.DatabaseURL != "" && !isPostgresURL(c.Store.DatabaseURL) {
		errs = append(errs, "store.database_url must be a postgres:// or postgresql:// URL")
	}

	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"timing.draft_ttl", c.Timing.DraftTTL},
		{"timing.resolved_archive_delay", c.Timing.ResolvedDelay},
		{"timing.invalid_archive_delay", c.Timing.InvalidDelay},
		{"announcements.window", c.Announcements.Window},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", d.name))
		}
	}
	if c.Announcements.RedisURL != "" &&
		!strings.HasPrefix(c.Announcements.RedisURL, "redis://") &&
		!strings.HasPrefix(c.Announcements.RedisURL, "rediss://") {
		errs = append(errs, "announcements.redis_url must be a redis:// URL")
	}

	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "connectors.telegram.token is required")
		}
		if tg.ChatID == "" {
			errs = append(errs, "connectors.telegram.chat_id is required")
		}
	}
	for name, wh := range c.Connectors.Webhooks {
		if wh.Secret == "" && wh.BearerToken == "" && wh.Actor == "" {
			errs = append(errs, fmt.Sprintf("connectors.webhooks.%s needs a secret, bearer_token or a pinned actor", name))
		}
	}

	switch strings.ToUpper(c.LogLevel) {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q is not one of DEBUG, INFO, WARN, ERROR", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isPostgresURL(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
