// Package telegram mirrors announcements into a Telegram chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ca-study-space/cssbot/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token  string // Bot token from @BotFather
	ChatID string // Default chat for announcements (channel id or @username)

	// Endpoint overrides the Bot API URL template ("https://host/bot%s/%s").
	Endpoint string
}

// Connector implements connector.Connector for Telegram. It only sends;
// inbound traffic is limited to a few informational commands.
type Connector struct {
	bot    *tgbotapi.BotAPI
	config Config
	logger *slog.Logger
	cancel context.CancelFunc
}

// New authorizes the bot and returns a connector.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{bot: bot, config: cfg, logger: logger}, nil
}

func (c *Connector) Name() string { return "telegram" }

// ChatID returns the configured announcement chat.
func (c *Connector) ChatID() string { return c.config.ChatID }

// Start long-polls for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			c.handleCommand(update.Message)

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts Markdown content as Telegram HTML, retrying as plain text
// when Telegram rejects the markup. Media URLs follow as photos.
func (c *Connector) Send(_ context.Context, msg connector.OutboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" && len(msg.Media) == 0 {
		c.logger.Warn("skipping empty message", "chat_id", msg.ChatID)
		return nil
	}
	chatID := msg.ChatID
	if chatID == "" {
		chatID = c.config.ChatID
	}

	if strings.TrimSpace(msg.Content) != "" {
		if err := c.sendText(chatID, msg.Content); err != nil {
			return err
		}
	}
	for _, media := range msg.Media {
		photo := tgbotapi.PhotoConfig{BaseFile: tgbotapi.BaseFile{
			BaseChat: chatTarget(chatID),
			File:     tgbotapi.FileURL(media),
		}}
		if _, err := c.bot.Send(photo); err != nil {
			return fmt.Errorf("telegram: send photo: %w", err)
		}
	}
	return nil
}

func (c *Connector) sendText(chatID, content string) error {
	m := tgbotapi.MessageConfig{
		BaseChat:              chatTarget(chatID),
		Text:                  ToHTML(content),
		ParseMode:             tgbotapi.ModeHTML,
		DisableWebPagePreview: true,
	}
	_, err := c.bot.Send(m)
	if err == nil {
		return nil
	}
	c.logger.Warn("HTML send failed, falling back to plain text", "chat_id", chatID, "error", err)

	m.Text = StripMarkdown(content)
	m.ParseMode = ""
	if _, err := c.bot.Send(m); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// chatTarget addresses numeric chat ids and public @channel names alike.
func chatTarget(chatID string) tgbotapi.BaseChat {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tgbotapi.BaseChat{ChatID: id}
	}
	return tgbotapi.BaseChat{ChannelUsername: chatID}
}

const helpText = "This bot mirrors ICAI examination announcements posted in CA Study Space.\n" +
	"/chatid shows the id to use as TELEGRAM_CHAT_ID."

func (c *Connector) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "start", "help":
		text = helpText
	case "chatid":
		text = "Chat id: " + strconv.FormatInt(msg.Chat.ID, 10)
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		c.logger.Warn("telegram reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}
