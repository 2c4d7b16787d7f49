package discord

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
)

// Responder turns one chat message into a reply. An empty reply means the
// message was not a command.
type Responder interface {
	Execute(ctx context.Context, groupID, userID, text string) string
}

// Listener feeds guild messages received on the bot account's session to a
// Responder and posts the replies back.
type Listener struct {
	client    *Client
	responder Responder
}

// ListenerOpts holds parameters for creating a Listener.
type ListenerOpts struct {
	Client    *Client
	Responder Responder
}

// NewListener creates a Listener.
func NewListener(opts ListenerOpts) (*Listener, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("discord: listener client is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("discord: listener responder is required")
	}
	return &Listener{client: opts.Client, responder: opts.Responder}, nil
}

// Run subscribes to message events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	remove := l.client.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		l.handle(ctx, m)
	})
	defer remove()
	<-ctx.Done()
	return ctx.Err()
}

func (l *Listener) handle(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	reply := l.responder.Execute(ctx, m.GuildID, m.Author.ID, m.Content)
	if reply == "" {
		return
	}
	if _, err := l.client.sess.ChannelMessageSend(m.ChannelID, reply); err != nil {
		log.Printf("discord: reply to %s: %v", m.ChannelID, err)
	}
}
