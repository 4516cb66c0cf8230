package slackconn

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ca-study-space/cssbot/internal/connector"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	AppToken string // xapp-... App-Level Token (for Socket Mode)
}

// Connector receives slash commands, button clicks and reactions over
// Socket Mode and hands them to the dispatcher.
type Connector struct {
	api      *slack.Client
	socket   *socketmode.Client
	platform *Platform
	dispatch connector.Dispatcher
	logger   *slog.Logger
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a new Slack connector. The dispatcher may be set later with
// SetDispatcher, but before Start.
func New(cfg Config, d connector.Dispatcher, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}

	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	// Test auth and get bot user ID
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	return &Connector{
		api:      api,
		socket:   socketmode.New(api),
		platform: NewPlatform(api, authResp.UserID, logger),
		dispatch: d,
		logger:   logger,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Platform returns the Web API side of the connector.
func (c *Connector) Platform() *Platform { return c.platform }

// SetDispatcher installs the event dispatcher.
func (c *Connector) SetDispatcher(d connector.Dispatcher) { c.dispatch = d }

// Start begins listening for events via Socket Mode. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	if c.dispatch == nil {
		return fmt.Errorf("slack: no dispatcher")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)")
	err := c.socket.RunContext(ctx)
	c.inflight.Wait()
	return err
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand:
				c.handleSlashCommand(ctx, event)
			case socketmode.EventTypeInteractive:
				c.handleInteractive(ctx, event)
			case socketmode.EventTypeConnectionError:
				c.logger.Warn("slack connection error, retrying")
			}
		}
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.ReactionAddedEvent)
	if !ok || ev.User == c.platform.botID || ev.Item.Type != "message" {
		return
	}
	c.run(ctx, connector.Event{
		Source:  "slack",
		Kind:    connector.KindReaction,
		Name:    emojiFor(ev.Reaction),
		Key:     messageRef(ev.Item.Channel, ev.Item.Timestamp),
		Actor:   ev.User,
		Channel: ev.Item.Channel,
	})
}

func (c *Connector) handleSlashCommand(ctx context.Context, event socketmode.Event) {
	cmd, ok := event.Data.(slack.SlashCommand)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	text := strings.TrimSpace(cmd.Text)
	args := strings.Fields(text)
	for i, a := range args {
		args[i] = normalizeArg(a)
	}
	c.run(ctx, connector.Event{
		Source:  "slack",
		Kind:    connector.KindCommand,
		Name:    strings.TrimPrefix(cmd.Command, "/"),
		Args:    args,
		Text:    text,
		Actor:   cmd.UserID,
		Channel: cmd.ChannelID,
	})
}

func (c *Connector) handleInteractive(ctx context.Context, event socketmode.Event) {
	cb, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		c.run(ctx, connector.Event{
			Source:  "slack",
			Kind:    connector.KindButton,
			Name:    action.ActionID,
			Key:     action.Value,
			Actor:   cb.User.ID,
			Channel: cb.Channel.ID,
		})
	}
}

// run dispatches off the event loop; Socket Mode already has its ack.
func (c *Connector) run(ctx context.Context, ev connector.Event) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		reply := c.dispatch.Dispatch(ctx, ev)
		if reply.Empty() {
			return
		}
		if err := c.deliver(ctx, ev, reply); err != nil {
			c.logger.Error("slack reply failed", "kind", ev.Kind, "name", ev.Name, "user", ev.Actor, "error", err)
		}
	}()
}

// deliver sends a reply where the interaction happened. Private replies
// are ephemeral; private files go to the actor's DM since Slack has no
// ephemeral uploads.
func (c *Connector) deliver(ctx context.Context, ev connector.Event, r connector.Reply) error {
	if r.File != nil {
		channel := ev.Channel
		if r.Private {
			dm, err := c.platform.openDM(ctx, ev.Actor)
			if err != nil {
				return err
			}
			channel = dm
		}
		_, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        channel,
			Filename:       r.File.Name,
			Title:          r.File.Name,
			FileSize:       len(r.File.Data),
			Reader:         bytes.NewReader(r.File.Data),
			InitialComment: MarkdownToMrkdwn(r.Text),
		})
		if err != nil {
			return fmt.Errorf("slack: upload: %w", classify(err))
		}
		return nil
	}

	opts := []slack.MsgOption{slack.MsgOptionText(MarkdownToMrkdwn(r.Text), false)}
	if r.Message != nil {
		opts = render(*r.Message)
	}
	if !r.Private {
		_, _, err := c.api.PostMessageContext(ctx, ev.Channel, opts...)
		if err != nil {
			return fmt.Errorf("slack: reply: %w", classify(err))
		}
		return nil
	}
	if _, err := c.api.PostEphemeralContext(ctx, ev.Channel, ev.Actor, opts...); err != nil {
		// Not in that channel: fall back to a DM.
		dm, derr := c.platform.openDM(ctx, ev.Actor)
		if derr != nil {
			return fmt.Errorf("slack: ephemeral reply: %w", classify(err))
		}
		if _, _, err := c.api.PostMessageContext(ctx, dm, opts...); err != nil {
			return fmt.Errorf("slack: dm reply: %w", classify(err))
		}
	}
	return nil
}
