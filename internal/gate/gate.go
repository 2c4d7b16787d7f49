// Package gate is the admission pipeline every user command passes through
// before touching the assistant pool: global bans, spam and flood windows,
// the group's permission level, and force-subscribe checks, in that order.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxpool/chorus/internal/config"
	"github.com/voxpool/chorus/internal/models"
	"gorm.io/gorm"
)

// Permission levels, computed by the caller from the group's settings.
type Level int

const (
	// LevelEveryone admits any group member.
	LevelEveryone Level = iota
	// LevelAdmin admits chat admins and explicitly authorised users.
	LevelAdmin
	// LevelSudo admits only the owner and sudoers; non-exempt callers
	// always fail it.
	LevelSudo
)

// Errors returned by Check.
var (
	// ErrBanned covers both permanent and still-running temporary bans.
	ErrBanned = errors.New("gate: user is banned")

	// ErrNotAuthorised means the user lacks the level the action needs.
	ErrNotAuthorised = errors.New("gate: not authorised")
)

// RateLimitedError tells the user how long to wait before retrying.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gate: rate limited, retry in %s", e.Wait.Round(time.Second))
}

// ForceSubscribeError lists the channels the user must join first.
type ForceSubscribeError struct {
	Missing []string
}

func (e *ForceSubscribeError) Error() string {
	return fmt.Sprintf("gate: must subscribe to %d channel(s) first", len(e.Missing))
}

// Platform is the slice of the platform client the gate needs. The group's
// assigned assistant client satisfies it.
type Platform interface {
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	IsAdmin(ctx context.Context, chatID, userID string) (bool, error)
}

// Request is one command admission check.
type Request struct {
	GroupID string
	UserID  string
	Level   Level
}

// memberTTL bounds how long a positive force-subscribe membership check is
// trusted without asking the platform again.
const memberTTL = 5 * time.Minute

// banCacheNegativeTTL bounds negative ban-lookup caching so fresh bans take
// effect promptly.
const banCacheNegativeTTL = time.Minute

// cachePruneSize triggers expired-entry eviction on the decision caches.
const cachePruneSize = 4096

// window is a fixed-interval event counter.
type window struct {
	start time.Time
	count int
}

type banDecision struct {
	banned bool
	reason string
	until  time.Time // cache validity, not ban expiry
}

type memberDecision struct {
	member bool
	until  time.Time
}

// Gate runs the admission pipeline. All caches are process-local; counters
// reset on restart, which only ever errs permissive.
type Gate struct {
	db     *gorm.DB
	limits config.Limits
	exempt func(userID string) bool
	now    func() time.Time

	mu      sync.Mutex
	spam    map[string]*window        // key: user id
	flood   map[string]*window        // key: group id + ":" + user id
	bans    map[string]banDecision    // key: user id
	members map[string]memberDecision // key: user id + ":" + channel id
}

// Opts holds parameters for creating a Gate.
type Opts struct {
	DB     *gorm.DB
	Limits config.Limits
	// Exempt reports whether a user bypasses the entire pipeline. Wire the
	// owner/sudoer check here.
	Exempt func(userID string) bool
	Now    func() time.Time
}

// New creates a Gate.
func New(opts Opts) (*Gate, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gate: db is required")
	}
	exempt := opts.Exempt
	if exempt == nil {
		exempt = func(string) bool { return false }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		db:      opts.DB,
		limits:  opts.Limits,
		exempt:  exempt,
		now:     now,
		spam:    make(map[string]*window),
		flood:   make(map[string]*window),
		bans:    make(map[string]banDecision),
		members: make(map[string]memberDecision),
	}, nil
}

// Check admits or rejects one command. Checks run in a fixed order and the
// first failure wins: global ban, spam window, flood window, permission
// level, force-subscribe.
func (g *Gate) Check(ctx context.Context, p Platform, req Request) error {
	if g.exempt(req.UserID) {
		return nil
	}
	if err := g.checkBan(req.UserID); err != nil {
		return err
	}
	if err := g.checkSpam(req.UserID); err != nil {
		return err
	}
	if err := g.checkFlood(req.GroupID, req.UserID); err != nil {
		return err
	}
	if err := g.checkLevel(ctx, p, req); err != nil {
		return err
	}
	return g.checkForceSub(ctx, p, req.GroupID, req.UserID)
}

// checkBan consults the decision cache, falling back to the bans table.
// Lapsed temporary bans are reaped on sight.
func (g *Gate) checkBan(userID string) error {
	now := g.now()

	g.mu.Lock()
	if d, ok := g.bans[userID]; ok && now.Before(d.until) {
		g.mu.Unlock()
		if d.banned {
			return fmt.Errorf("%w: %s", ErrBanned, d.reason)
		}
		return nil
	}
	g.mu.Unlock()

	var ban models.BannedUser
	err := g.db.First(&ban, "user_id = ?", userID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		g.cacheBan(userID, banDecision{until: now.Add(banCacheNegativeTTL)})
		return nil
	case err != nil:
		// On a storage fault, fail closed for the single request but do
		// not cache the outcome.
		return fmt.Errorf("gate: ban lookup for user: %w", err)
	}

	if ban.Expired(now) {
		if err := g.db.Delete(&models.BannedUser{}, "user_id = ?", userID).Error; err != nil {
			log.Printf("gate: reap expired ban: %v", err)
		}
		g.cacheBan(userID, banDecision{until: now.Add(banCacheNegativeTTL)})
		return nil
	}

	until := ban.ExpiresAt
	if until.IsZero() {
		until = now.Add(time.Hour) // permanent; revalidate hourly
	}
	g.cacheBan(userID, banDecision{banned: true, reason: ban.Reason, until: until})
	return fmt.Errorf("%w: %s", ErrBanned, ban.Reason)
}

func (g *Gate) cacheBan(userID string, d banDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.bans) >= cachePruneSize {
		now := g.now()
		for k, v := range g.bans {
			if !now.Before(v.until) {
				delete(g.bans, k)
			}
		}
	}
	g.bans[userID] = d
}

// checkSpam counts commands per user across all groups; crossing the
// threshold issues a temporary global ban.
func (g *Gate) checkSpam(userID string) error {
	if g.limits.SpamThreshold <= 0 {
		return nil
	}
	now := g.now()
	windowLen := time.Duration(g.limits.SpamWindowSec) * time.Second

	g.mu.Lock()
	w := g.spam[userID]
	if w == nil || now.Sub(w.start) >= windowLen {
		w = &window{start: now}
		g.spam[userID] = w
	}
	w.count++
	over := w.count > g.limits.SpamThreshold
	g.mu.Unlock()

	if !over {
		return nil
	}

	ban := models.BannedUser{
		UserID:    userID,
		Reason:    "command spam",
		ExpiresAt: now.Add(time.Duration(g.limits.SpamBanSec) * time.Second),
	}
	if err := g.db.Save(&ban).Error; err != nil {
		log.Printf("gate: persist spam ban: %v", err)
	}
	g.cacheBan(userID, banDecision{banned: true, reason: ban.Reason, until: ban.ExpiresAt})
	return fmt.Errorf("%w: %s", ErrBanned, ban.Reason)
}

// checkFlood counts commands per user per group over a short burst window.
func (g *Gate) checkFlood(groupID, userID string) error {
	if g.limits.FloodThreshold <= 0 {
		return nil
	}
	now := g.now()
	windowLen := time.Duration(g.limits.FloodWindowSec) * time.Second
	key := groupID + ":" + userID

	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.flood[key]
	if w == nil || now.Sub(w.start) >= windowLen {
		w = &window{start: now}
		g.flood[key] = w
	}
	w.count++
	if w.count > g.limits.FloodThreshold {
		wait := w.start.Add(windowLen).Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		return &RateLimitedError{Wait: wait}
	}
	return nil
}

// checkLevel enforces the request's permission level. Exempt users never
// reach here, so LevelSudo always fails.
func (g *Gate) checkLevel(ctx context.Context, p Platform, req Request) error {
	switch req.Level {
	case LevelEveryone:
		return nil
	case LevelSudo:
		return ErrNotAuthorised
	}

	var n int64
	err := g.db.Model(&models.AuthorizedUser{}).
		Where("group_id = ? AND user_id = ?", req.GroupID, req.UserID).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("gate: authorised-user lookup: %w", err)
	}
	if n > 0 {
		return nil
	}

	if p != nil {
		admin, err := p.IsAdmin(ctx, req.GroupID, req.UserID)
		if err != nil {
			return fmt.Errorf("gate: admin check in group %s: %w", req.GroupID, err)
		}
		if admin {
			return nil
		}
	}
	return ErrNotAuthorised
}

// checkForceSub verifies membership in every force-subscribe target,
// trusting positive answers for a few minutes.
func (g *Gate) checkForceSub(ctx context.Context, p Platform, groupID, userID string) error {
	var targets []models.ForceSubTarget
	err := g.db.Where("group_id = ?", groupID).Order("position asc").Find(&targets).Error
	if err != nil {
		return fmt.Errorf("gate: force-subscribe targets for group %s: %w", groupID, err)
	}
	if len(targets) == 0 {
		return nil
	}

	now := g.now()
	var missing []string
	for _, target := range targets {
		key := userID + ":" + target.ChannelID

		g.mu.Lock()
		d, ok := g.members[key]
		g.mu.Unlock()
		if ok && now.Before(d.until) {
			if !d.member {
				missing = append(missing, target.ChannelID)
			}
			continue
		}

		if p == nil {
			missing = append(missing, target.ChannelID)
			continue
		}
		member, err := p.IsMember(ctx, target.ChannelID, userID)
		if err != nil {
			return fmt.Errorf("gate: membership check for channel %s: %w", target.ChannelID, err)
		}

		g.mu.Lock()
		if len(g.members) >= cachePruneSize {
			for k, v := range g.members {
				if !now.Before(v.until) {
					delete(g.members, k)
				}
			}
		}
		g.members[key] = memberDecision{member: member, until: now.Add(memberTTL)}
		g.mu.Unlock()

		if !member {
			missing = append(missing, target.ChannelID)
		}
	}

	if len(missing) > 0 {
		return &ForceSubscribeError{Missing: missing}
	}
	return nil
}
