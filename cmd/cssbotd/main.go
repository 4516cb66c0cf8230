package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/announce"
	apiPkg "github.com/ca-study-space/cssbot/internal/api"
	"github.com/ca-study-space/cssbot/internal/bot"
	"github.com/ca-study-space/cssbot/internal/config"
	slackconn "github.com/ca-study-space/cssbot/internal/connector/slack"
	"github.com/ca-study-space/cssbot/internal/connector/telegram"
	"github.com/ca-study-space/cssbot/internal/connector/webhook"
	"github.com/ca-study-space/cssbot/internal/draft"
	"github.com/ca-study-space/cssbot/internal/lifecycle"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/provision"
	"github.com/ca-study-space/cssbot/internal/router"
	"github.com/ca-study-space/cssbot/internal/scheduler"
	"github.com/ca-study-space/cssbot/internal/ticket"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Path to config JSON file (default: environment and .env)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	verbose := flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.Parse()

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv(*envFile)
		if err == nil {
			err = cfg.Validate()
		}
	}

	logLevel := slog.LevelInfo
	if cfg != nil {
		logLevel.UnmarshalText([]byte(cfg.LogLevel))
	}
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("cssbotd starting", "data_dir", cfg.Store.DataDir, "postgres", cfg.Store.DatabaseURL != "")

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Ticket store
	store, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open ticket store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Slack connector; the dispatcher is installed once the router exists.
	slackConn, err := slackconn.New(slackconn.Config{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
	}, nil, logger.With("connector", "slack"))
	if err != nil {
		logger.Error("failed to init slack connector", "error", err)
		os.Exit(1)
	}
	plat := slackConn.Platform()

	// 3. Domain services
	sched := scheduler.New(logger.With("component", "scheduler"))
	auth := access.New(plat, plat, cfg.Roles.Admin, cfg.Roles.Moderator)
	prov := provision.New(plat, logger.With("component", "provision"))
	relay := notify.New(plat, notify.Config{
		StudyTranscripts: cfg.Channels.StudyTranscripts,
		IssueTranscripts: cfg.Channels.IssueTranscripts,
		BotID:            plat.BotID(),
	}, logger.With("component", "notify"))

	studies := lifecycle.NewService(lifecycle.Deps{
		Store:       store,
		Events:      store,
		Provisioner: prov,
		Relay:       relay,
		Access:      auth,
		Logger:      logger.With("component", "study"),
	})
	issues := lifecycle.NewIssueService(lifecycle.IssueDeps{
		Store:         store,
		Events:        store,
		Provisioner:   prov,
		Relay:         relay,
		Staff:         auth,
		Delayer:       sched,
		ResolvedDelay: cfg.Timing.ResolvedDelay.Std(),
		InvalidDelay:  cfg.Timing.InvalidDelay.Std(),
		Logger:        logger.With("component", "issue"),
	})
	drafts := draft.New(cfg.Timing.DraftTTL.Std(), logger.With("component", "drafts"))

	// 4. Routes
	routes := router.New(logger.With("component", "router"))
	b := bot.New(bot.Deps{
		Studies:  studies,
		Issues:   issues,
		Drafts:   drafts,
		Exporter: store,
		Access:   auth,
		Poster:   relay,
		Config: bot.Config{
			StudyRequestChannel:  cfg.Channels.StudyRequests,
			WelcomeChannel:       cfg.Channels.Welcome,
			RulesChannel:         cfg.Channels.Rules,
			IssueReporterChannel: cfg.Channels.IssueTickets,
			BotID:                plat.BotID(),
		},
		Logger: logger.With("component", "bot"),
	})
	b.Register(routes)
	slackConn.SetDispatcher(routes)

	if err := b.Bootstrap(ctx); err != nil {
		// Not fatal: the entry messages are retried on the next start.
		logger.Warn("bootstrap incomplete", "error", err)
	}

	// 5. Scheduled jobs
	if err := sched.AddJob("draft-sweep", "@every 1m", func(context.Context) { drafts.Sweep() }); err != nil {
		logger.Error("failed to schedule draft sweep", "error", err)
		os.Exit(1)
	}

	if err := sched.AddJob("finalize-resume", "@every 10m", func(ctx context.Context) {
		if n, err := studies.ResumeApprovals(ctx); err != nil {
			logger.Warn("finalize resume incomplete", "resumed", n, "error", err)
		}
	}); err != nil {
		logger.Error("failed to schedule finalize resume", "error", err)
		os.Exit(1)
	}

	var mirrors []announce.Mirror
	if tg := cfg.Connectors.Telegram; tg != nil {
		tgConn, err := telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID}, logger.With("connector", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
		mirrors = append(mirrors, announce.Mirror{Conn: tgConn, ChatID: tg.ChatID})
		go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })
		logger.Info("telegram mirror started", "chat_id", tg.ChatID)
	}

	if cfg.Channels.Announcements != "" {
		var seen announce.Seen = store.Announcements()
		if cfg.Announcements.RedisURL != "" {
			rs, err := announce.NewRedisSeen(ctx, cfg.Announcements.RedisURL, announce.DefaultRedisKey)
			if err != nil {
				logger.Error("failed to connect to redis", "error", err)
				os.Exit(1)
			}
			defer rs.Close()
			seen = rs
		}
		fetcher := announce.NewFetcher(announce.FetcherConfig{
			URL:      cfg.Announcements.URL,
			Window:   cfg.Announcements.Window.Std(),
			Excerpts: cfg.Announcements.Excerpts,
		}, logger.With("component", "fetcher"))
		poller := announce.NewPoller(fetcher, seen, plat, cfg.Channels.Announcements, mirrors, logger.With("component", "announce"))
		if err := sched.AddJob("announcements", cfg.Announcements.Schedule, poller.Run); err != nil {
			logger.Error("failed to schedule announcement poll", "error", err)
			os.Exit(1)
		}
		// The first poll runs at startup rather than a full interval later.
		go safeGo(logger, "announce-initial", func() { poller.Run(ctx) })
	}

	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 6. API server with webhook endpoints
	var hooks *webhook.Handler
	if len(cfg.Connectors.Webhooks) > 0 {
		endpoints := make(map[string]webhook.EndpointConfig, len(cfg.Connectors.Webhooks))
		for name, wh := range cfg.Connectors.Webhooks {
			endpoints[name] = webhook.EndpointConfig{Secret: wh.Secret, BearerToken: wh.BearerToken, Actor: wh.Actor}
		}
		hooks = webhook.New(webhook.Config{Endpoints: endpoints}, routes, logger.With("connector", "webhook"))
		logger.Info("webhook endpoints enabled", "endpoints", strings.Join(slices.Sorted(maps.Keys(endpoints)), ","))
	}
	apiSrv := apiPkg.NewServer(store, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, hooksHandler(hooks), logger.With("component", "api"))
	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	})

	// 7. Slack event loop; blocks until shutdown.
	slackDone := make(chan struct{})
	go func() {
		defer close(slackDone)
		safeGo(logger, "slack", func() {
			if err := slackConn.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("slack connector stopped", "error", err)
				cancel()
			}
		})
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	slackConn.Stop()
	// Start returns once in-flight dispatches finish; the store must outlive them.
	if !awaitStopped(slackDone, shutdownTimeout) {
		logger.Warn("slack dispatches still running at shutdown", "timeout", shutdownTimeout)
	}
	logger.Info("cssbotd stopped")
}

const shutdownTimeout = 15 * time.Second

// awaitStopped waits for done to close, up to timeout.
func awaitStopped(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func openStore(cfg config.StoreConfig) (*ticket.SQLStore, error) {
	if cfg.DatabaseURL != "" {
		return ticket.Open(cfg.DatabaseURL)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return ticket.NewSQLiteStore(filepath.Join(cfg.DataDir, "cssbot.db"))
}

// hooksHandler keeps a nil *webhook.Handler from becoming a non-nil interface.
func hooksHandler(h *webhook.Handler) http.Handler {
	if h == nil {
		return nil
	}
	return h
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
