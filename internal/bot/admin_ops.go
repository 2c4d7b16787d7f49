package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/voxpool/chorus/internal/gate"
	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/registry"
)

// admitSudo gates pool-management commands. Only the owner and sudoers
// pass; the group id is empty because these commands are global.
func (b *Bot) admitSudo(ctx context.Context, userID string) error {
	return b.gate.Check(ctx, b.client, gate.Request{UserID: userID, Level: gate.LevelSudo})
}

// AddAssistant opens an onboarding flow and sends the verification code to
// the given phone. The flow finishes with SubmitCode.
func (b *Bot) AddAssistant(ctx context.Context, userID, phone string) error {
	if err := b.admitSudo(ctx, userID); err != nil {
		return err
	}
	if err := b.onboard.Begin(userID); err != nil {
		return err
	}
	if err := b.onboard.SubmitPhone(ctx, userID, phone); err != nil {
		// A bad phone should not leave a half-open flow in the way.
		b.onboard.Cancel(userID)
		return err
	}
	return nil
}

// SubmitCode completes the pending onboarding flow with the verification
// code and returns the new assistant.
func (b *Bot) SubmitCode(ctx context.Context, userID, code string) (registry.Snapshot, error) {
	if err := b.admitSudo(ctx, userID); err != nil {
		return registry.Snapshot{}, err
	}
	return b.onboard.SubmitCode(ctx, userID, code)
}

// CancelOnboarding drops the user's pending flow.
func (b *Bot) CancelOnboarding(ctx context.Context, userID string) error {
	if err := b.admitSudo(ctx, userID); err != nil {
		return err
	}
	b.onboard.Cancel(userID)
	return nil
}

// RemoveAssistant retires an assistant: its sessions are torn down, the
// connection closed, and the row tombstoned. The session blob survives so
// the account can be revived without a fresh login.
func (b *Bot) RemoveAssistant(ctx context.Context, userID, assistantID string) error {
	if err := b.admitSudo(ctx, userID); err != nil {
		return err
	}
	if _, ok := b.reg.Get(assistantID); !ok {
		return fmt.Errorf("bot: unknown assistant %s", assistantID)
	}

	for _, sess := range b.calls.Sessions() {
		if sess.AssistantID != assistantID {
			continue
		}
		if err := b.calls.Stop(sess.GroupID); err != nil {
			log.Printf("bot: stop session for group %s during removal: %v", sess.GroupID, err)
		}
	}

	b.sup.Stop(assistantID)
	b.reg.Remove(assistantID)

	err := b.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
		Updates(map[string]any{
			"is_active": false,
			"health":    models.HealthDeactivated,
		}).Error
	if err != nil {
		return fmt.Errorf("bot: tombstone assistant %s: %w", assistantID, err)
	}
	return nil
}

// Assistants lists the pool's live state.
func (b *Bot) Assistants(ctx context.Context, userID string) ([]registry.Snapshot, error) {
	if err := b.admitSudo(ctx, userID); err != nil {
		return nil, err
	}
	return b.reg.List(), nil
}

// LinkChannel binds a group's playback to a broadcast channel; assistants
// join the channel's voice chat instead of the group's. An empty channel
// id clears the binding. Takes effect for subsequently created sessions.
func (b *Bot) LinkChannel(ctx context.Context, groupID, userID, channelID string) error {
	if _, err := b.Prefs(groupID); err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, gate.LevelAdmin); err != nil {
		return err
	}
	err := b.db.Model(&models.GroupPrefs{}).Where("group_id = ?", groupID).
		Update("channel_binding", channelID).Error
	if err != nil {
		return fmt.Errorf("bot: link channel for group %s: %w", groupID, err)
	}
	return nil
}

// SetPlayMode switches who may start playback in a group.
func (b *Bot) SetPlayMode(ctx context.Context, groupID, userID, mode string) error {
	if mode != models.PlayModeEveryone && mode != models.PlayModeAdminOnly {
		return fmt.Errorf("bot: unknown play mode %q", mode)
	}
	if _, err := b.Prefs(groupID); err != nil {
		return err
	}
	if err := b.admit(ctx, groupID, userID, gate.LevelAdmin); err != nil {
		return err
	}
	err := b.db.Model(&models.GroupPrefs{}).Where("group_id = ?", groupID).
		Update("play_mode", mode).Error
	if err != nil {
		return fmt.Errorf("bot: set play mode for group %s: %w", groupID, err)
	}
	return nil
}
