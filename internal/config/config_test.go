package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "slack": {
    "bot_token": "xoxb-123",
    "app_token": "xapp-456"
  },
  "channels": {
    "study_requests": "CREQ",
    "study_transcripts": "CTRANS",
    "issue_transcripts": "CISSUE",
    "welcome": "CWELCOME",
    "announcements": "CANN"
  },
  "roles": {
    "admin": "SADMIN",
    "moderator": "SMOD"
  },
  "store": {
    "data_dir": "/tmp/cssbot-test"
  },
  "timing": {
    "draft_ttl": "10m",
    "resolved_archive_delay": "1m"
  },
  "announcements": {
    "schedule": "@every 1h",
    "redis_url": "redis://localhost:6379/0"
  },
  "connectors": {
    "telegram": {
      "token": "123456:ABC",
      "chat_id": "-100200"
    },
    "webhooks": {
      "forms": {"secret": "s3cret"}
    }
  },
  "api": {
    "host": "0.0.0.0",
    "port": 8081,
    "api_key": "dashboard-key"
  }
}`

func validConfig() *Config {
	cfg := &Config{
		Slack:    SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1"},
		Channels: ChannelConfig{StudyRequests: "C1", StudyTranscripts: "C2", IssueTranscripts: "C3"},
		Roles:    RoleConfig{Moderator: "S1"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(validJSON), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-123" {
		t.Errorf("slack.bot_token = %q", cfg.Slack.BotToken)
	}
	if cfg.Channels.StudyRequests != "CREQ" || cfg.Channels.Announcements != "CANN" {
		t.Errorf("channels = %+v", cfg.Channels)
	}
	if cfg.Roles.Moderator != "SMOD" {
		t.Errorf("roles.moderator = %q", cfg.Roles.Moderator)
	}
	if cfg.Timing.DraftTTL.Std() != 10*time.Minute {
		t.Errorf("draft_ttl = %v", cfg.Timing.DraftTTL.Std())
	}
	if cfg.Timing.ResolvedDelay.Std() != time.Minute {
		t.Errorf("resolved delay = %v", cfg.Timing.ResolvedDelay.Std())
	}
	// Unset fields fall back to defaults.
	if cfg.Timing.InvalidDelay.Std() != DefaultInvalidDelay {
		t.Errorf("invalid delay = %v", cfg.Timing.InvalidDelay.Std())
	}
	if cfg.Announcements.Window.Std() != DefaultWindow {
		t.Errorf("window = %v", cfg.Announcements.Window.Std())
	}
	if cfg.Announcements.Schedule != "@every 1h" {
		t.Errorf("schedule = %q", cfg.Announcements.Schedule)
	}
	if cfg.Connectors.Telegram == nil || cfg.Connectors.Telegram.ChatID != "-100200" {
		t.Fatalf("telegram = %+v", cfg.Connectors.Telegram)
	}
	if cfg.Connectors.Webhooks["forms"].Secret != "s3cret" {
		t.Errorf("webhooks = %+v", cfg.Connectors.Webhooks)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("api.port = %d", cfg.API.Port)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("not json"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"timing": {"draft_ttl": 300}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing bot token", func(c *Config) { c.Slack.BotToken = "" }, "slack.bot_token is required"},
		{"user token", func(c *Config) { c.Slack.BotToken = "xoxp-1" }, "bot token"},
		{"missing app token", func(c *Config) { c.Slack.AppToken = "" }, "slack.app_token"},
		{"missing request channel", func(c *Config) { c.Channels.StudyRequests = "" }, "channels.study_requests"},
		{"missing moderator role", func(c *Config) { c.Roles.Moderator = "" }, "roles.moderator"},
		{"bad database url", func(c *Config) { c.Store.DatabaseURL = "mysql://x" }, "store.database_url"},
		{"negative delay", func(c *Config) { c.Timing.InvalidDelay = Duration(-time.Second) }, "invalid_archive_delay"},
		{"bad redis url", func(c *Config) { c.Announcements.RedisURL = "localhost:6379" }, "redis_url"},
		{"telegram without token", func(c *Config) {
			c.Connectors.Telegram = &TelegramConfig{ChatID: "1"}
		}, "telegram.token"},
		{"telegram without chat", func(c *Config) {
			c.Connectors.Telegram = &TelegramConfig{Token: "t"}
		}, "telegram.chat_id"},
		{"open webhook", func(c *Config) {
			c.Connectors.Webhooks = map[string]WebhookConfig{"forms": {}}
		}, "webhooks.forms"},
		{"bad log level", func(c *Config) { c.LogLevel = "TRACE" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DatabaseURL = "postgres://bot@db/cssbot"
	cfg.Connectors.Webhooks = map[string]WebhookConfig{"dash": {Actor: "U1"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	err := (&Config{}).Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"slack.bot_token", "slack.app_token", "roles.moderator", "store.data_dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("SLACK_APP_TOKEN", "xapp-env")
	t.Setenv("STUDY_GROUP_REQUEST_CHANNEL_ID", "CREQ")
	t.Setenv("TRANSCRIPTS_CHANNEL_ID", "CTRANS")
	t.Setenv("ISSUE_TRANSCRIPTS_CHANNEL_ID", "CISSUE")
	t.Setenv("MOD_ROLE_ID", "SMOD")
	t.Setenv("CSSBOT_DATA_DIR", "/env/data")
	t.Setenv("CSSBOT_API_PORT", "9090")
	t.Setenv("TELEGRAM_TOKEN", "tg-token")
	t.Setenv("TELEGRAM_CHAT_ID", "@castudy")
	t.Setenv("DRAFT_TTL", "2m")
	t.Setenv("WEBHOOK_STAFF_FORMS_TOKEN", "tok")
	t.Setenv("WEBHOOK_STAFF_FORMS_ACTOR", "U9")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-env" {
		t.Errorf("bot token = %q", cfg.Slack.BotToken)
	}
	if cfg.Store.DataDir != "/env/data" {
		t.Errorf("data_dir = %q", cfg.Store.DataDir)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("api.port = %d", cfg.API.Port)
	}
	if cfg.Connectors.Telegram == nil || cfg.Connectors.Telegram.ChatID != "@castudy" {
		t.Fatalf("telegram = %+v", cfg.Connectors.Telegram)
	}
	if cfg.Timing.DraftTTL.Std() != 2*time.Minute {
		t.Errorf("draft ttl = %v", cfg.Timing.DraftTTL.Std())
	}
	if cfg.Announcements.Schedule != DefaultPollSchedule {
		t.Errorf("schedule = %q", cfg.Announcements.Schedule)
	}
	wh := cfg.Connectors.Webhooks["staff-forms"]
	if wh.BearerToken != "tok" || wh.Actor != "U9" {
		t.Errorf("webhooks = %+v", cfg.Connectors.Webhooks)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("env config should validate: %v", err)
	}
}

func TestLoadFromEnv_DotEnvFile(t *testing.T) {
	const key = "CSSBOT_TEST_DOTENV_ONLY"
	t.Cleanup(func() { os.Unsetenv(key) })
	t.Setenv("MOD_ROLE_ID", "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("MOD_ROLE_ID=from-file\nCSSBOT_DATA_DIR=/file/data\n"+key+"=1\n"), 0o644)
	t.Setenv("CSSBOT_DATA_DIR", "")
	os.Unsetenv("CSSBOT_DATA_DIR")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Roles.Moderator != "from-env" {
		t.Errorf("environment should win over .env, got %q", cfg.Roles.Moderator)
	}
	if cfg.Store.DataDir != "/file/data" {
		t.Errorf("data dir from .env = %q", cfg.Store.DataDir)
	}
	if os.Getenv(key) != "1" {
		t.Error(".env variable not exported")
	}
}

func TestLoadFromEnv_BadDuration(t *testing.T) {
	t.Setenv("RESOLVED_ARCHIVE_DELAY", "soon")
	if _, err := LoadFromEnv(filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestWebhookVar(t *testing.T) {
	tests := []struct {
		key, name, field string
		ok               bool
	}{
		{"WEBHOOK_FORMS_SECRET", "forms", "SECRET", true},
		{"WEBHOOK_MOD_DASH_ACTOR", "mod-dash", "ACTOR", true},
		{"WEBHOOK_FORMS_URL", "", "", false},
		{"WEBHOOK_SECRET", "", "", false},
		{"SLACK_BOT_TOKEN", "", "", false},
	}
	for _, tt := range tests {
		name, field, ok := webhookVar(tt.key)
		if name != tt.name || field != tt.field || ok != tt.ok {
			t.Errorf("webhookVar(%q) = %q, %q, %v", tt.key, name, field, ok)
		}
	}
}
