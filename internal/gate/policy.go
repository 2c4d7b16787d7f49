package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/voxpool/chorus/internal/models"
	"gorm.io/gorm"
)

// ErrTooManyTargets is returned when a group's force-subscribe list is full.
var ErrTooManyTargets = errors.New("gate: force-subscribe target list is full")

// Ban records a global ban. A zero duration makes it permanent. The
// decision cache is updated so the ban bites immediately.
func (g *Gate) Ban(userID, reason string, dur time.Duration) error {
	ban := models.BannedUser{UserID: userID, Reason: reason}
	if dur > 0 {
		ban.ExpiresAt = g.now().Add(dur)
	}
	if err := g.db.Save(&ban).Error; err != nil {
		return fmt.Errorf("gate: persist ban: %w", err)
	}
	until := ban.ExpiresAt
	if until.IsZero() {
		until = g.now().Add(time.Hour)
	}
	g.cacheBan(userID, banDecision{banned: true, reason: reason, until: until})
	return nil
}

// Unban lifts a ban and invalidates the cached decision.
func (g *Gate) Unban(userID string) error {
	if err := g.db.Delete(&models.BannedUser{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("gate: remove ban: %w", err)
	}
	g.mu.Lock()
	delete(g.bans, userID)
	g.mu.Unlock()
	return nil
}

// Authorize grants a user playback control in a group without admin status.
func (g *Gate) Authorize(groupID, userID, addedBy string) error {
	row := models.AuthorizedUser{GroupID: groupID, UserID: userID, AddedBy: addedBy}
	err := g.db.Where("group_id = ? AND user_id = ?", groupID, userID).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("gate: authorise user in group %s: %w", groupID, err)
	}
	return nil
}

// Revoke removes a user's playback grant in a group.
func (g *Gate) Revoke(groupID, userID string) error {
	err := g.db.Delete(&models.AuthorizedUser{}, "group_id = ? AND user_id = ?", groupID, userID).Error
	if err != nil {
		return fmt.Errorf("gate: revoke user in group %s: %w", groupID, err)
	}
	return nil
}

// AddForceSub appends a channel to a group's force-subscribe list. Adding
// an existing target is a no-op; the list is capped.
func (g *Gate) AddForceSub(groupID, channelID string) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		var existing models.ForceSubTarget
		err := tx.First(&existing, "group_id = ? AND channel_id = ?", groupID, channelID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("gate: force-subscribe lookup: %w", err)
		}

		var n int64
		if err := tx.Model(&models.ForceSubTarget{}).Where("group_id = ?", groupID).Count(&n).Error; err != nil {
			return fmt.Errorf("gate: count force-subscribe targets: %w", err)
		}
		if n >= models.MaxForceSubTargets {
			return ErrTooManyTargets
		}

		row := models.ForceSubTarget{GroupID: groupID, ChannelID: channelID, Position: int(n)}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("gate: add force-subscribe target: %w", err)
		}
		return nil
	})
}

// RemoveForceSub drops a channel from the list and invalidates cached
// membership for it.
func (g *Gate) RemoveForceSub(groupID, channelID string) error {
	err := g.db.Delete(&models.ForceSubTarget{}, "group_id = ? AND channel_id = ?", groupID, channelID).Error
	if err != nil {
		return fmt.Errorf("gate: remove force-subscribe target: %w", err)
	}
	g.mu.Lock()
	suffix := ":" + channelID
	for k := range g.members {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			delete(g.members, k)
		}
	}
	g.mu.Unlock()
	return nil
}

// ForceSubTargets lists a group's force-subscribe channels in order.
func (g *Gate) ForceSubTargets(groupID string) ([]models.ForceSubTarget, error) {
	var targets []models.ForceSubTarget
	err := g.db.Where("group_id = ?", groupID).Order("position asc").Find(&targets).Error
	if err != nil {
		return nil, fmt.Errorf("gate: list force-subscribe targets: %w", err)
	}
	return targets, nil
}
