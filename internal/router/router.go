// Package router turns chat messages into bot operations and renders the
// results, including the whole error taxonomy, as user-facing replies.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/voxpool/chorus/internal/bot"
	"github.com/voxpool/chorus/internal/call"
	"github.com/voxpool/chorus/internal/gate"
	"github.com/voxpool/chorus/internal/onboard"
	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/playback"
	"github.com/voxpool/chorus/internal/registry"
)

// defaultPrefix marks command messages.
const defaultPrefix = "/"

// Handler routes one group's commands to the bot facade.
type Handler struct {
	bot    *bot.Bot
	prefix string
}

// Opts holds parameters for creating a Handler.
type Opts struct {
	Bot    *bot.Bot
	Prefix string // defaults to "/"
}

// New creates a Handler.
func New(opts Opts) (*Handler, error) {
	if opts.Bot == nil {
		return nil, fmt.Errorf("router: bot is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Handler{bot: opts.Bot, prefix: prefix}, nil
}

// Execute parses and runs one message. A non-command message returns the
// empty string, meaning no reply.
func (h *Handler) Execute(ctx context.Context, groupID, userID, text string) string {
	args := h.parse(text)
	if len(args) == 0 {
		return ""
	}

	switch args[0] {
	case "play":
		return h.cmdPlay(ctx, groupID, userID, args[1:])
	case "pause":
		return h.reply(h.bot.Pause(ctx, groupID, userID), "Paused.")
	case "resume":
		return h.reply(h.bot.Resume(ctx, groupID, userID), "Resumed.")
	case "skip":
		return h.reply(h.bot.Skip(ctx, groupID, userID), "Skipped.")
	case "stop":
		return h.reply(h.bot.Stop(ctx, groupID, userID), "Stopped, see you next time.")
	case "queue":
		return h.cmdQueue(ctx, groupID, userID)
	case "loop":
		return h.cmdLoop(ctx, groupID, userID, args[1:])
	case "shuffle":
		return h.cmdShuffle(ctx, groupID, userID)
	case "volume":
		return h.cmdVolume(ctx, groupID, userID, args[1:])
	case "link":
		return h.cmdLink(ctx, groupID, userID, args[1:])
	case "playmode":
		return h.cmdPlayMode(ctx, groupID, userID, args[1:])
	case "addassistant":
		return h.cmdAddAssistant(ctx, userID, args[1:])
	case "code":
		return h.cmdCode(ctx, userID, args[1:])
	case "cancel":
		return h.reply(h.bot.CancelOnboarding(ctx, userID), "Onboarding cancelled.")
	case "removeassistant":
		return h.cmdRemoveAssistant(ctx, userID, args[1:])
	case "assistants":
		return h.cmdAssistants(ctx, userID)
	case "help":
		return h.helpText()
	default:
		return fmt.Sprintf("Unknown command: %s\n\n%s", args[0], h.helpText())
	}
}

// parse strips the prefix and splits the message into fields.
func (h *Handler) parse(text string) []string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, h.prefix) {
		return nil
	}
	return strings.Fields(strings.TrimPrefix(text, h.prefix))
}

// reply maps an operation's outcome to a user message.
func (h *Handler) reply(err error, ok string) string {
	if err != nil {
		return renderError(err)
	}
	return ok
}

func (h *Handler) cmdPlay(ctx context.Context, groupID, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "play <link>"
	}
	res, err := h.bot.Play(ctx, groupID, userID, strings.Join(args, " "))
	if err != nil {
		return renderError(err)
	}
	if res.Started {
		return fmt.Sprintf("▶️ Now playing %s (assistant %s).", res.Track.Title, res.AssistantID)
	}
	return fmt.Sprintf("Queued %s at position %d.", res.Track.Title, res.Position)
}

func (h *Handler) cmdQueue(ctx context.Context, groupID, userID string) string {
	snap, err := h.bot.Queue(ctx, groupID, userID)
	if err != nil {
		return renderError(err)
	}
	var b strings.Builder
	if snap.Current != nil {
		fmt.Fprintf(&b, "▶️ %s (by %s)\n", snap.Current.Title, snap.Current.RequestedBy)
	}
	for i, t := range snap.Pending {
		fmt.Fprintf(&b, "%d. %s (by %s)\n", i+1, t.Title, t.RequestedBy)
	}
	if b.Len() == 0 {
		return "The queue is empty."
	}
	fmt.Fprintf(&b, "Loop: %s | Shuffle: %v | Volume: %d", snap.Loop, snap.Shuffle, snap.Volume)
	return b.String()
}

func (h *Handler) cmdLoop(ctx context.Context, groupID, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "loop off|track|queue"
	}
	err := h.bot.SetLoop(ctx, groupID, userID, playback.LoopMode(args[0]))
	return h.reply(err, fmt.Sprintf("Loop set to %s.", args[0]))
}

func (h *Handler) cmdShuffle(ctx context.Context, groupID, userID string) string {
	on, err := h.bot.ToggleShuffle(ctx, groupID, userID)
	if err != nil {
		return renderError(err)
	}
	if on {
		return "Shuffle on."
	}
	return "Shuffle off."
}

func (h *Handler) cmdVolume(ctx context.Context, groupID, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "volume <0-100>"
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return "Volume must be a number between 0 and 100."
	}
	return h.reply(h.bot.SetVolume(ctx, groupID, userID, v), fmt.Sprintf("Volume set to %d.", v))
}

func (h *Handler) cmdLink(ctx context.Context, groupID, userID string, args []string) string {
	channelID := ""
	if len(args) > 0 {
		channelID = args[0]
	}
	ok := "Channel linked; playback now targets its voice chat."
	if channelID == "" {
		ok = "Channel unlinked."
	}
	return h.reply(h.bot.LinkChannel(ctx, groupID, userID, channelID), ok)
}

func (h *Handler) cmdPlayMode(ctx context.Context, groupID, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "playmode everyone|admin-only"
	}
	return h.reply(h.bot.SetPlayMode(ctx, groupID, userID, args[0]),
		fmt.Sprintf("Play mode set to %s.", args[0]))
}

func (h *Handler) cmdAddAssistant(ctx context.Context, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "addassistant <phone>"
	}
	err := h.bot.AddAssistant(ctx, userID, args[0])
	return h.reply(err, "Verification code sent. Reply with "+h.prefix+"code <code>.")
}

func (h *Handler) cmdCode(ctx context.Context, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "code <code>"
	}
	snap, err := h.bot.SubmitCode(ctx, userID, args[0])
	if err != nil {
		return renderError(err)
	}
	return fmt.Sprintf("Assistant %s joined the pool.", snap.ID)
}

func (h *Handler) cmdRemoveAssistant(ctx context.Context, userID string, args []string) string {
	if len(args) == 0 {
		return "Usage: " + h.prefix + "removeassistant <id>"
	}
	return h.reply(h.bot.RemoveAssistant(ctx, userID, args[0]),
		fmt.Sprintf("Assistant %s removed.", args[0]))
}

func (h *Handler) cmdAssistants(ctx context.Context, userID string) string {
	snaps, err := h.bot.Assistants(ctx, userID)
	if err != nil {
		return renderError(err)
	}
	if len(snaps) == 0 {
		return "The pool is empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Assistants (%d)\n", len(snaps))
	for _, s := range snaps {
		fmt.Fprintf(&b, "%-20s %-24s calls:%d\n", s.ID, s.Health, s.OpenCalls)
	}
	return b.String()
}

func (h *Handler) helpText() string {
	p := h.prefix
	return "Commands\n" +
		p + "play <link> - play or queue a track\n" +
		p + "pause / " + p + "resume / " + p + "skip / " + p + "stop\n" +
		p + "queue - show the queue\n" +
		p + "loop off|track|queue, " + p + "shuffle, " + p + "volume <0-100>\n" +
		p + "link <channel>, " + p + "playmode everyone|admin-only (admins)\n" +
		p + "addassistant, " + p + "code, " + p + "cancel, " + p + "removeassistant, " + p + "assistants (owner)"
}

// renderError maps internal errors to user-facing text. Unclassified
// errors are logged and reported generically.
func renderError(err error) string {
	switch {
	case errors.Is(err, registry.ErrNoAssistant):
		return "All assistants are busy right now, try again in a moment."
	case errors.Is(err, call.ErrLacksRights):
		return "The assistant can't open the voice chat here. Give it permission to manage voice chats and try again."
	case errors.Is(err, call.ErrJoinTimeout):
		return "Joining the voice chat took too long. Try again."
	case errors.Is(err, call.ErrNoActiveStream):
		return "Nothing is playing here."
	case errors.Is(err, gate.ErrBanned):
		return "You are banned from using this bot."
	case errors.Is(err, gate.ErrNotAuthorised):
		return "You are not allowed to do that here."
	case errors.Is(err, bot.ErrUnresolvable):
		return "I can't play that. Send a direct link to a track."
	case errors.Is(err, onboard.ErrBadPhone):
		return "That doesn't look like a phone number. Use international format, e.g. +15550001234."
	case errors.Is(err, onboard.ErrBadCode):
		return "The code is five digits."
	case errors.Is(err, onboard.ErrNoFlow):
		return "No onboarding in progress. Start with addassistant."
	case errors.Is(err, onboard.ErrFlowActive):
		return "Onboarding already in progress. Finish it or cancel first."
	case errors.Is(err, onboard.ErrPoolFull):
		return "The assistant pool is full. Remove an assistant before adding another."
	}

	var rl *gate.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Sprintf("Slow down, try again in %s.", rl.Wait.Round(time.Second))
	}
	var fs *gate.ForceSubscribeError
	if errors.As(err, &fs) {
		return "You must join these channels first: " + strings.Join(fs.Missing, ", ")
	}
	if wait, ok := platform.RetryAfter(err); ok {
		return fmt.Sprintf("The platform is rate limiting us, try again in %s.", wait.Round(time.Second))
	}

	log.Printf("router: unhandled error: %v", err)
	return "Something went wrong, please try again."
}
