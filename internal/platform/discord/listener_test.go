package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type echoResponder struct {
	calls []string
	reply string
}

func (e *echoResponder) Execute(ctx context.Context, groupID, userID, text string) string {
	e.calls = append(e.calls, groupID+"|"+userID+"|"+text)
	return e.reply
}

func msgEvent(guildID, channelID, userID, content string, bot bool) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		GuildID:   guildID,
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: userID, Bot: bot},
	}}
}

func startListener(t *testing.T, ms *mockSession, r Responder) (*mockSession, func(*discordgo.MessageCreate)) {
	t.Helper()
	c := &Client{sess: ms}
	l, err := NewListener(ListenerOpts{Client: c, Responder: r})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for ms.handlerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never registered")
		}
		time.Sleep(time.Millisecond)
	}
	ms.handlerMu.Lock()
	fn := ms.handlers[0].(func(*discordgo.Session, *discordgo.MessageCreate))
	ms.handlerMu.Unlock()
	return ms, func(m *discordgo.MessageCreate) { fn(nil, m) }
}

func TestListener_RepliesToCommands(t *testing.T) {
	r := &echoResponder{reply: "Paused."}
	ms, deliver := startListener(t, &mockSession{}, r)

	deliver(msgEvent("g1", "c1", "u1", "/pause", false))
	if len(r.calls) != 1 || r.calls[0] != "g1|u1|/pause" {
		t.Fatalf("responder calls = %v", r.calls)
	}
	if len(ms.sent) != 1 || ms.sent[0] != "c1|Paused." {
		t.Fatalf("sent = %v", ms.sent)
	}
}

func TestListener_IgnoresBotsAndDMs(t *testing.T) {
	r := &echoResponder{reply: "x"}
	ms, deliver := startListener(t, &mockSession{}, r)

	deliver(msgEvent("g1", "c1", "u1", "/pause", true))
	deliver(msgEvent("", "c1", "u1", "/pause", false))
	if len(r.calls) != 0 {
		t.Fatalf("responder calls = %v", r.calls)
	}
	if len(ms.sent) != 0 {
		t.Fatalf("sent = %v", ms.sent)
	}
}

func TestListener_NoReplyForNonCommands(t *testing.T) {
	r := &echoResponder{}
	ms, deliver := startListener(t, &mockSession{}, r)

	deliver(msgEvent("g1", "c1", "u1", "hello", false))
	if len(r.calls) != 1 {
		t.Fatalf("responder calls = %v", r.calls)
	}
	if len(ms.sent) != 0 {
		t.Fatalf("sent = %v", ms.sent)
	}
}

func TestNewListener_Validation(t *testing.T) {
	if _, err := NewListener(ListenerOpts{Responder: &echoResponder{}}); err == nil {
		t.Fatal("expected error for missing client")
	}
	if _, err := NewListener(ListenerOpts{Client: &Client{}}); err == nil {
		t.Fatal("expected error for missing responder")
	}
}
