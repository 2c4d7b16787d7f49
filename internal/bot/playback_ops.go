package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/voxpool/chorus/internal/call"
	"github.com/voxpool/chorus/internal/gate"
	"github.com/voxpool/chorus/internal/playback"
	"github.com/voxpool/chorus/internal/registry"
)

// PlayResult tells the user what happened to their request.
type PlayResult struct {
	Track       playback.Track
	AssistantID string
	// Position is the queue slot the track landed in; 0 means it is
	// playing now.
	Position int
	// Started is true when this request created the session.
	Started bool
}

// Play handles a play request end to end: gate, resolve, then either
// enqueue into the group's running session or acquire an assistant and
// start one.
func (b *Bot) Play(ctx context.Context, groupID, userID, query string) (PlayResult, error) {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return PlayResult{}, err
	}
	if err := b.admit(ctx, groupID, userID, playLevel(prefs)); err != nil {
		return PlayResult{}, err
	}

	track, err := b.resolver.Resolve(ctx, query, userID)
	if err != nil {
		return PlayResult{}, err
	}

	// A running session just takes the track into its queue.
	if sess, ok := b.calls.Session(groupID); ok {
		pos := sess.Queue().Enqueue(track)
		return PlayResult{Track: track, AssistantID: sess.AssistantID, Position: pos}, nil
	}

	acq, err := b.reg.Acquire(groupID, registry.AcquireOpts{Preferred: prefs.PreferredAssistant})
	if err != nil {
		return PlayResult{}, errAcquire(err)
	}
	if acq.PreferredDropped {
		b.clearPreferred(groupID)
	}

	sess, err := b.calls.Create(ctx, call.StartOpts{
		GroupID:     groupID,
		AssistantID: acq.Assistant.ID,
		Target:      voiceTarget(prefs),
		StartedBy:   userID,
		Track:       track,
		IdleTimeout: time.Duration(prefs.AutoEndIdleSec) * time.Second,
	})
	if err != nil {
		// Create released the assistant on every failure path.
		return PlayResult{}, err
	}

	if prefs.PreferredAssistant != acq.Assistant.ID {
		b.rememberPreferred(groupID, acq.Assistant.ID)
	}
	return PlayResult{Track: track, AssistantID: sess.AssistantID, Started: true}, nil
}

// Pause suspends the group's playback.
func (b *Bot) Pause(ctx context.Context, groupID, userID string) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	return b.calls.Pause(groupID)
}

// Resume continues paused playback.
func (b *Bot) Resume(ctx context.Context, groupID, userID string) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	return b.calls.Resume(groupID)
}

// Skip advances to the next track.
func (b *Bot) Skip(ctx context.Context, groupID, userID string) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	return b.calls.Skip(groupID)
}

// Stop ends the group's session and frees its assistant.
func (b *Bot) Stop(ctx context.Context, groupID, userID string) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	return b.calls.Stop(groupID)
}

// Queue returns a snapshot of the group's queue.
func (b *Bot) Queue(ctx context.Context, groupID, userID string) (playback.Snapshot, error) {
	if err := b.admit(ctx, groupID, userID, gate.LevelEveryone); err != nil {
		return playback.Snapshot{}, err
	}
	sess, ok := b.calls.Session(groupID)
	if !ok {
		return playback.Snapshot{}, call.ErrNoActiveStream
	}
	return sess.Queue().Snapshot(), nil
}

// SetLoop changes the group's loop mode.
func (b *Bot) SetLoop(ctx context.Context, groupID, userID string, mode playback.LoopMode) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	if !playback.ValidLoopMode(mode) {
		return fmt.Errorf("bot: unknown loop mode %q", mode)
	}
	sess, ok := b.calls.Session(groupID)
	if !ok {
		return call.ErrNoActiveStream
	}
	sess.Queue().SetLoop(mode)
	return nil
}

// ToggleShuffle flips shuffle and reports the new state.
func (b *Bot) ToggleShuffle(ctx context.Context, groupID, userID string) (bool, error) {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return false, err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return false, err
	}
	sess, ok := b.calls.Session(groupID)
	if !ok {
		return false, call.ErrNoActiveStream
	}
	return sess.Queue().ToggleShuffle(), nil
}

// SetVolume adjusts the group's playback volume.
func (b *Bot) SetVolume(ctx context.Context, groupID, userID string, volume int) error {
	prefs, err := b.Prefs(groupID)
	if err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, controlLevel(prefs)); err != nil {
		return err
	}
	sess, ok := b.calls.Session(groupID)
	if !ok {
		return call.ErrNoActiveStream
	}
	sess.Queue().SetVolume(volume)
	return nil
}
