// Package discord implements the platform capability interfaces on the
// Discord Gateway. Assistants are Discord accounts whose session blob is
// their token; voice calls are guild voice-channel connections.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/voxpool/chorus/internal/platform"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return r.s.User(userID, options...)
}
func (r *realSession) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	return r.s.GuildMember(guildID, userID, options...)
}
func (r *realSession) UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error) {
	return r.s.UserChannelPermissions(userID, channelID, fetchOptions...)
}
func (r *realSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID, options...)
}
func (r *realSession) ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error) {
	return r.s.ChannelVoiceJoin(gID, cID, mute, deaf)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Connector opens Gateway sessions from stored tokens.
type Connector struct {
	// NewSession builds a session from a token. Tests inject a mock here;
	// the zero value dials Discord.
	NewSession func(token string) (session, error)
}

// NewConnector creates a production Connector.
func NewConnector() *Connector {
	return &Connector{}
}

func defaultNewSession(token string) (session, error) {
	dg, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers
	return &realSession{s: dg}, nil
}

// Connect implements platform.Connector. The session blob is the account
// token, used verbatim and never logged.
func (c *Connector) Connect(ctx context.Context, sessionBlob string) (platform.Client, error) {
	newSession := c.NewSession
	if newSession == nil {
		newSession = defaultNewSession
	}
	s, err := newSession(sessionBlob)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", mapErr(err))
	}
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", mapErr(err))
	}
	return &Client{sess: s, voice: make(map[platform.CallHandle]*voiceCall)}, nil
}

type voiceCall struct {
	conn   *discordgo.VoiceConnection
	stream *voiceStream
}

// Client implements platform.Client over one Gateway session.
type Client struct {
	sess session

	mu    sync.Mutex
	voice map[platform.CallHandle]*voiceCall
}

// Identify implements platform.Client.
func (c *Client) Identify(ctx context.Context) (platform.UserInfo, error) {
	u, err := c.sess.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return platform.UserInfo{}, fmt.Errorf("discord: identify: %w", mapErr(err))
	}
	display := u.GlobalName
	if display == "" {
		display = u.Username
	}
	return platform.UserInfo{ID: u.ID, DisplayName: display, Username: u.Username}, nil
}

// Probe implements platform.Client with a cheap authenticated round-trip.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.sess.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: probe: %w", mapErr(err))
	}
	return nil
}

// Disconnect implements platform.Client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	calls := make([]*voiceCall, 0, len(c.voice))
	for _, vc := range c.voice {
		calls = append(calls, vc)
	}
	c.voice = make(map[platform.CallHandle]*voiceCall)
	c.mu.Unlock()

	for _, vc := range calls {
		if vc.stream != nil {
			vc.stream.Unbind()
		}
		if err := vc.conn.Disconnect(); err != nil {
			log.Printf("discord: disconnect voice: %v", err)
		}
	}
	return c.sess.Close()
}

// JoinVoice implements platform.Client. With no channel bound, the guild's
// first voice channel is used. Discord allows one voice connection per
// guild, so the guild id doubles as the call handle.
func (c *Client) JoinVoice(ctx context.Context, target platform.VoiceTarget) (platform.CallHandle, error) {
	channelID := target.ChannelID
	if channelID == "" {
		var err error
		channelID, err = c.firstVoiceChannel(ctx, target.GroupID)
		if err != nil {
			return "", err
		}
	}

	conn, err := c.sess.ChannelVoiceJoin(target.GroupID, channelID, false, true)
	if err != nil {
		return "", fmt.Errorf("discord: join voice in guild %s: %w", target.GroupID, mapErr(err))
	}

	handle := platform.CallHandle(target.GroupID)
	c.mu.Lock()
	c.voice[handle] = &voiceCall{conn: conn}
	c.mu.Unlock()
	return handle, nil
}

func (c *Client) firstVoiceChannel(ctx context.Context, guildID string) (string, error) {
	channels, err := c.sess.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: list channels in guild %s: %w", guildID, mapErr(err))
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("discord: guild %s has no voice channel", guildID)
}

// LeaveVoice implements platform.Client. Leaving a handle the platform no
// longer knows reports the call as already ended.
func (c *Client) LeaveVoice(ctx context.Context, handle platform.CallHandle) error {
	c.mu.Lock()
	vc, ok := c.voice[handle]
	delete(c.voice, handle)
	c.mu.Unlock()
	if !ok {
		return platform.ErrCallEnded
	}

	if vc.stream != nil {
		vc.stream.Unbind()
	}
	if err := vc.conn.Disconnect(); err != nil {
		return fmt.Errorf("discord: leave voice: %w", mapErr(err))
	}
	return nil
}

// BindStream implements platform.Client. Binding over a live stream
// replaces it.
func (c *Client) BindStream(ctx context.Context, handle platform.CallHandle, source platform.StreamSource) (platform.StreamHandle, error) {
	c.mu.Lock()
	vc, ok := c.voice[handle]
	c.mu.Unlock()
	if !ok {
		return nil, platform.ErrCallEnded
	}

	if vc.stream != nil {
		vc.stream.Unbind()
	}
	stream := newVoiceStream(vc.conn, source)

	c.mu.Lock()
	vc.stream = stream
	c.mu.Unlock()
	return stream, nil
}

// IsMember implements platform.Client. Force-subscribe targets on Discord
// are guilds; a missing member record means not subscribed.
func (c *Client) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	_, err := c.sess.GuildMember(channelID, userID, discordgo.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("discord: member lookup in %s: %w", channelID, mapErr(err))
}

// IsAdmin implements platform.Client.
func (c *Client) IsAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	perms, err := c.sess.UserChannelPermissions(userID, chatID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("discord: permission lookup in %s: %w", chatID, mapErr(err))
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}

// SendMessage implements platform.Notifier for the bot account.
func (c *Client) SendMessage(ctx context.Context, targetID, text string) error {
	_, err := c.sess.ChannelMessageSend(targetID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send message to %s: %w", targetID, mapErr(err))
	}
	return nil
}

// mapErr translates discordgo errors into the platform taxonomy.
func mapErr(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &platform.RateLimitError{Wait: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case 401:
			return platform.ErrCredentialInvalid
		case 403:
			return platform.ErrLacksRights
		case 429:
			return &platform.RateLimitError{Wait: 5 * time.Second}
		}
	}
	return err
}
