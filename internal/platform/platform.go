// Package platform defines the outbound capability Chorus needs from a chat
// platform: authenticated user sessions that can join voice channels and
// stream audio into them. Concrete adapters live in subpackages; the core
// only sees these interfaces.
package platform

import (
	"context"
	"time"
)

// CallHandle is the opaque voice-channel identity assigned by the platform
// for an active join.
type CallHandle string

// UserInfo is the identity behind an authenticated session.
type UserInfo struct {
	ID          string
	DisplayName string
	Username    string
}

// VoiceTarget names the voice chat to join. Group is the owning group;
// ChannelID overrides the join target when the group has a channel binding.
type VoiceTarget struct {
	GroupID   string
	ChannelID string // empty = the group's own voice chat
}

// StreamSource describes the audio to bind into a call. URL points at a
// playable stream produced by the encoding pipeline. Volume is advisory.
type StreamSource struct {
	URL    string
	Live   bool
	Volume int // 0–100
}

// StreamHandle is a bound audio stream. Done closes when the platform
// signals end-of-stream or the stream is unbound.
type StreamHandle interface {
	Done() <-chan struct{}
	Unbind() error
}

// Connector builds an authenticated Client from a persisted session blob.
// The blob is an opaque secret and must never appear in logs or errors.
type Connector interface {
	Connect(ctx context.Context, sessionBlob string) (Client, error)
}

// Client is one live authenticated user session on the platform. All
// methods honour context cancellation. Errors are classified by this
// package's taxonomy; see errors.go.
type Client interface {
	// Identify reads the session's own identity.
	Identify(ctx context.Context) (UserInfo, error)

	// Probe is a lightweight liveness check.
	Probe(ctx context.Context) error

	// Disconnect closes the session. The session blob remains valid.
	Disconnect() error

	// JoinVoice creates or joins the target's voice chat.
	JoinVoice(ctx context.Context, target VoiceTarget) (CallHandle, error)

	// LeaveVoice leaves an active call. Leaving an already-ended call
	// returns ErrCallEnded.
	LeaveVoice(ctx context.Context, handle CallHandle) error

	// BindStream attaches an audio source to an active call.
	BindStream(ctx context.Context, handle CallHandle, source StreamSource) (StreamHandle, error)

	// IsMember reports whether user belongs to channel.
	IsMember(ctx context.Context, channelID, userID string) (bool, error)

	// IsAdmin reports whether user administers chat.
	IsAdmin(ctx context.Context, chatID, userID string) (bool, error)
}

// Prober is the subset of Client the admission gate needs for
// force-subscribe membership checks.
type Prober interface {
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	IsAdmin(ctx context.Context, chatID, userID string) (bool, error)
}

// Notifier is the subset of outbound messaging the notification log needs.
// The bot account implements it; assistants never post text.
type Notifier interface {
	SendMessage(ctx context.Context, targetID, text string) error
}

// ProbeResult carries the outcome of a liveness probe, including the
// measured round-trip.
type ProbeResult struct {
	OK  bool
	RTT time.Duration
	Err error
}
