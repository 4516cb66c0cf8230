package slackconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"github.com/ca-study-space/cssbot/internal/platform"
)

// Platform implements platform.Platform on the Slack Web API. Message refs
// are "channel:ts"; roles are user groups; rooms and consent channels are
// private channels.
type Platform struct {
	api     *slack.Client
	botID   string
	logger  *slog.Logger
	groupMu sync.Mutex // serializes user group member rewrites
}

// NewPlatform wraps an authorized client. botID is the bot's own user id.
func NewPlatform(api *slack.Client, botID string, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{api: api, botID: botID, logger: logger}
}

// BotID returns the bot's own user id.
func (p *Platform) BotID() string { return p.botID }

// Slack reaction names for the emoji the bot uses.
var reactionNames = map[string]string{
	"✅": "white_check_mark",
}

func reactionName(emoji string) string {
	if name, ok := reactionNames[emoji]; ok {
		return name
	}
	return strings.Trim(emoji, ":")
}

func emojiFor(name string) string {
	for emoji, n := range reactionNames {
		if n == name {
			return emoji
		}
	}
	return name
}

func messageRef(channel, ts string) string { return channel + ":" + ts }

func splitRef(ref string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(ref, ":")
	if !ok || channel == "" || ts == "" {
		return "", "", fmt.Errorf("slack: malformed message ref %q", ref)
	}
	return channel, ts, nil
}

// classify maps Slack API error codes onto the platform sentinels.
func classify(err error) error {
	var resp slack.SlackErrorResponse
	if !errors.As(err, &resp) {
		return err
	}
	switch resp.Err {
	case "channel_not_found", "user_not_found", "users_not_found", "message_not_found", "no_such_subteam", "subteam_not_found":
		return fmt.Errorf("%w: %s", platform.ErrNotFound, resp.Err)
	case "cannot_dm_bot", "user_disabled", "not_allowed_token_type":
		return fmt.Errorf("%w: %s", platform.ErrUnreachable, resp.Err)
	}
	return err
}

func slackCode(err error) string {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err
	}
	return ""
}

func (p *Platform) Send(ctx context.Context, channelRef string, msg platform.Message) (string, error) {
	channel, ts, err := p.api.PostMessageContext(ctx, channelRef, render(msg)...)
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", classify(err))
	}
	return messageRef(channel, ts), nil
}

func (p *Platform) Edit(ctx context.Context, msgRef string, msg platform.Message) error {
	channel, ts, err := splitRef(msgRef)
	if err != nil {
		return err
	}
	if _, _, _, err := p.api.UpdateMessageContext(ctx, channel, ts, render(msg)...); err != nil {
		return fmt.Errorf("slack: update message: %w", classify(err))
	}
	return nil
}

func (p *Platform) React(ctx context.Context, msgRef, emoji string) error {
	channel, ts, err := splitRef(msgRef)
	if err != nil {
		return err
	}
	err = p.api.AddReactionContext(ctx, reactionName(emoji), slack.NewRefToMessage(channel, ts))
	if err != nil && slackCode(err) != "already_reacted" {
		return fmt.Errorf("slack: add reaction: %w", classify(err))
	}
	return nil
}

func (p *Platform) DirectMessage(ctx context.Context, userRef string, msg platform.Message) error {
	dm, err := p.openDM(ctx, userRef)
	if err != nil {
		return err
	}
	if _, _, err := p.api.PostMessageContext(ctx, dm, render(msg)...); err != nil {
		return fmt.Errorf("slack: direct message: %w", errors.Join(platform.ErrUnreachable, classify(err)))
	}
	return nil
}

func (p *Platform) openDM(ctx context.Context, userRef string) (string, error) {
	ch, _, _, err := p.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userRef}})
	if err != nil {
		return "", fmt.Errorf("slack: open dm: %w", errors.Join(platform.ErrUnreachable, classify(err)))
	}
	return ch.ID, nil
}

func (p *Platform) History(ctx context.Context, channelRef string, limit int) ([]platform.Posted, error) {
	resp, err := p.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelRef,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: history: %w", classify(err))
	}
	out := make([]platform.Posted, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		author := m.User
		if author == "" {
			author = m.BotID
		}
		out = append(out, platform.Posted{Ref: messageRef(channelRef, m.Timestamp), Author: author, Title: m.Text})
	}
	return out, nil
}

func (p *Platform) CreatePrivateChannel(ctx context.Context, name string, members []string) (string, error) {
	ch, err := p.api.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: channelName(name),
		IsPrivate:   true,
	})
	if err != nil {
		return "", fmt.Errorf("slack: create channel %s: %w", name, classify(err))
	}
	if err := p.AddToChannel(ctx, ch.ID, members); err != nil {
		return ch.ID, err
	}
	p.logger.Info("private channel created", "channel", ch.ID, "name", ch.Name)
	return ch.ID, nil
}

func (p *Platform) FindChannel(ctx context.Context, name string) (string, error) {
	want := channelName(name)
	params := &slack.GetConversationsParameters{
		Types:           []string{"private_channel", "public_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	for {
		channels, cursor, err := p.api.GetConversationsContext(ctx, params)
		if err != nil {
			return "", fmt.Errorf("slack: list channels: %w", classify(err))
		}
		for _, ch := range channels {
			if ch.Name == want {
				return ch.ID, nil
			}
		}
		if cursor == "" {
			return "", platform.ErrNotFound
		}
		params.Cursor = cursor
	}
}

func (p *Platform) AddToChannel(ctx context.Context, channelRef string, members []string) error {
	users := slices.DeleteFunc(slices.Clone(members), func(u string) bool { return u == "" || u == p.botID })
	if len(users) == 0 {
		return nil
	}
	_, err := p.api.InviteUsersToConversationContext(ctx, channelRef, users...)
	if err != nil && slackCode(err) != "already_in_channel" {
		return fmt.Errorf("slack: invite: %w", classify(err))
	}
	return nil
}

func (p *Platform) ArchiveChannel(ctx context.Context, channelRef string) error {
	err := p.api.ArchiveConversationContext(ctx, channelRef)
	if err != nil && slackCode(err) != "already_archived" {
		return fmt.Errorf("slack: archive: %w", classify(err))
	}
	return nil
}

func (p *Platform) FindRole(ctx context.Context, name string) (string, error) {
	groups, err := p.api.GetUserGroupsContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack: list user groups: %w", classify(err))
	}
	for _, g := range groups {
		if g.Name == name {
			return g.ID, nil
		}
	}
	return "", platform.ErrNotFound
}

func (p *Platform) CreateRole(ctx context.Context, name string) (string, error) {
	g, err := p.api.CreateUserGroupContext(ctx, slack.UserGroup{Name: name, Handle: channelName(name)})
	if err != nil {
		return "", fmt.Errorf("slack: create user group %s: %w", name, classify(err))
	}
	p.logger.Info("user group created", "group", g.ID, "name", name)
	return g.ID, nil
}

// AddRoleMember rewrites the group's member list; Slack has no single-member add.
func (p *Platform) AddRoleMember(ctx context.Context, roleRef, userRef string) error {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()

	members, err := p.RoleMembers(ctx, roleRef)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return err
	}
	if slices.Contains(members, userRef) {
		return nil
	}
	members = append(members, userRef)
	if _, err := p.api.UpdateUserGroupMembersContext(ctx, roleRef, strings.Join(members, ",")); err != nil {
		return fmt.Errorf("slack: update user group: %w", classify(err))
	}
	return nil
}

func (p *Platform) RoleMembers(ctx context.Context, roleRef string) ([]string, error) {
	members, err := p.api.GetUserGroupMembersContext(ctx, roleRef)
	if err != nil {
		return nil, fmt.Errorf("slack: user group members: %w", classify(err))
	}
	return members, nil
}

func (p *Platform) ResolveMember(ctx context.Context, userRef string) (platform.Member, error) {
	u, err := p.api.GetUserInfoContext(ctx, userRef)
	if err != nil {
		return platform.Member{}, fmt.Errorf("slack: user info: %w", classify(err))
	}
	if u.Deleted {
		return platform.Member{}, fmt.Errorf("%w: %s deactivated", platform.ErrNotFound, userRef)
	}
	name := u.RealName
	if name == "" {
		name = u.Name
	}
	return platform.Member{ID: u.ID, Name: name, Bot: u.IsBot}, nil
}

func (p *Platform) IsAdmin(ctx context.Context, userRef string) (bool, error) {
	u, err := p.api.GetUserInfoContext(ctx, userRef)
	if err != nil {
		return false, fmt.Errorf("slack: user info: %w", classify(err))
	}
	return u.IsAdmin || u.IsOwner, nil
}

var _ platform.Platform = (*Platform)(nil)
