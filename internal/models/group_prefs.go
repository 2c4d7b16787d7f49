package models

import "time"

// Play modes for a group.
const (
	PlayModeEveryone  = "everyone"
	PlayModeAdminOnly = "admin-only"
)

// GroupPrefs holds per-group settings read by the dispatcher and call
// manager. One row per group.
type GroupPrefs struct {
	GroupID            string `gorm:"primaryKey;size:64"`
	PreferredAssistant string `gorm:"size:64"` // advisory hint, may be empty
	PlayMode           string `gorm:"size:16;default:everyone"`
	Language           string `gorm:"size:8;default:en"`
	AutoEndIdleSec     int    `gorm:"default:1800"`
	AllowNonAdmin      bool   `gorm:"default:true"`
	ChannelBinding     string `gorm:"size:64"` // linked broadcast channel; empty = group's own voice chat
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuthorizedUser grants non-admin control of playback in a group.
type AuthorizedUser struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	GroupID   string `gorm:"size:64;not null;uniqueIndex:idx_group_user,priority:1"`
	UserID    string `gorm:"size:64;not null;uniqueIndex:idx_group_user,priority:2"`
	AddedBy   string `gorm:"size:64"`
	CreatedAt time.Time
}

// ForceSubTarget is one channel a group's users must be subscribed to
// before their commands are honoured. At most five per group, ordered.
type ForceSubTarget struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	GroupID   string `gorm:"size:64;not null;uniqueIndex:idx_group_channel,priority:1;index"`
	ChannelID string `gorm:"size:64;not null;uniqueIndex:idx_group_channel,priority:2"`
	Position  int    `gorm:"not null"`
	CreatedAt time.Time
}

// MaxForceSubTargets bounds the force-subscribe list per group.
const MaxForceSubTargets = 5

// BannedUser is a globally banned user. Temporary bans carry an expiry;
// a zero ExpiresAt means permanent.
type BannedUser struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Reason    string `gorm:"size:255"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether a temporary ban has lapsed at t.
func (b *BannedUser) Expired(t time.Time) bool {
	return !b.ExpiresAt.IsZero() && b.ExpiresAt.Before(t)
}
