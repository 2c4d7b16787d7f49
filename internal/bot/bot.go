// Package bot is the service facade behind every user command: it runs the
// admission gate, resolves tracks, drives the dispatcher and call manager,
// and owns group preferences.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/voxpool/chorus/internal/call"
	"github.com/voxpool/chorus/internal/config"
	"github.com/voxpool/chorus/internal/gate"
	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/onboard"
	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/registry"
	"gorm.io/gorm"
)

// Assistants is the slice of the supervisor the bot needs.
type Assistants interface {
	Client(assistantID string) (platform.Client, bool)
	Stop(assistantID string)
}

// Bot wires one deployment together. All methods are safe for concurrent
// use; per-group serialisation lives in the call manager.
type Bot struct {
	cfg      *config.Config
	db       *gorm.DB
	reg      *registry.Registry
	sup      Assistants
	calls    *call.Manager
	gate     *gate.Gate
	onboard  *onboard.Manager
	resolver TrackResolver
	// client is the bot account's own connection, used for admin and
	// membership checks. Assistants never read group state.
	client platform.Client
}

// Opts holds the dependencies for creating a Bot.
type Opts struct {
	Config   *config.Config
	DB       *gorm.DB
	Registry *registry.Registry
	Sup      Assistants
	Calls    *call.Manager
	Gate     *gate.Gate
	Onboard  *onboard.Manager
	Resolver TrackResolver
	Client   platform.Client // optional
}

// New creates a Bot.
func New(opts Opts) (*Bot, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("bot: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bot: registry is required")
	}
	if opts.Sup == nil {
		return nil, fmt.Errorf("bot: assistant supervisor is required")
	}
	if opts.Calls == nil {
		return nil, fmt.Errorf("bot: call manager is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("bot: gate is required")
	}
	if opts.Onboard == nil {
		return nil, fmt.Errorf("bot: onboarding manager is required")
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = DirectResolver{}
	}
	return &Bot{
		cfg:      opts.Config,
		db:       opts.DB,
		reg:      opts.Registry,
		sup:      opts.Sup,
		calls:    opts.Calls,
		gate:     opts.Gate,
		onboard:  opts.Onboard,
		resolver: resolver,
		client:   opts.Client,
	}, nil
}

// Prefs loads a group's settings, creating the defaults row on first touch.
func (b *Bot) Prefs(groupID string) (models.GroupPrefs, error) {
	var prefs models.GroupPrefs
	err := b.db.Where(models.GroupPrefs{GroupID: groupID}).
		Attrs(models.GroupPrefs{
			PlayMode:       models.PlayModeEveryone,
			Language:       "en",
			AutoEndIdleSec: 1800,
			AllowNonAdmin:  true,
		}).
		FirstOrCreate(&prefs).Error
	if err != nil {
		return models.GroupPrefs{}, fmt.Errorf("bot: load prefs for group %s: %w", groupID, err)
	}
	return prefs, nil
}

// playLevel maps the group's play mode to a gate level.
func playLevel(prefs models.GroupPrefs) gate.Level {
	if prefs.PlayMode == models.PlayModeAdminOnly {
		return gate.LevelAdmin
	}
	return gate.LevelEveryone
}

// controlLevel guards pause/skip/stop and queue edits.
func controlLevel(prefs models.GroupPrefs) gate.Level {
	if prefs.AllowNonAdmin {
		return gate.LevelEveryone
	}
	return gate.LevelAdmin
}

// admit runs the gate for one command.
func (b *Bot) admit(ctx context.Context, groupID, userID string, level gate.Level) error {
	return b.gate.Check(ctx, b.client, gate.Request{GroupID: groupID, UserID: userID, Level: level})
}

// clearPreferred drops a group's stale assistant hint. Best-effort.
func (b *Bot) clearPreferred(groupID string) {
	err := b.db.Model(&models.GroupPrefs{}).Where("group_id = ?", groupID).
		Update("preferred_assistant", "").Error
	if err != nil {
		log.Printf("bot: clear preferred assistant for group %s: %v", groupID, err)
	}
}

// rememberPreferred pins the group's hint to the assistant that served it.
func (b *Bot) rememberPreferred(groupID, assistantID string) {
	err := b.db.Model(&models.GroupPrefs{}).Where("group_id = ?", groupID).
		Update("preferred_assistant", assistantID).Error
	if err != nil {
		log.Printf("bot: remember preferred assistant for group %s: %v", groupID, err)
	}
}

// voiceTarget resolves where the assistant should join: the linked
// broadcast channel when one is bound, otherwise the group's own voice chat.
func voiceTarget(prefs models.GroupPrefs) platform.VoiceTarget {
	return platform.VoiceTarget{GroupID: prefs.GroupID, ChannelID: prefs.ChannelBinding}
}

// errAcquire maps dispatcher errors for the command surface.
func errAcquire(err error) error {
	if errors.Is(err, registry.ErrNoAssistant) {
		return err
	}
	return fmt.Errorf("bot: acquire assistant: %w", err)
}
