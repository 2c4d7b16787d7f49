// Package notify is the operator notification log: every noteworthy event
// becomes a durable row, then delivery to the chat platform is attempted
// best-effort. Undelivered rows are retried by the redeliver loop.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/platform"
	"gorm.io/gorm"
)

// sendTimeout bounds one delivery attempt.
const sendTimeout = 10 * time.Second

// Log persists notices and pushes them to the owner's log channel or the
// affected group. The supervisor and call manager post through it.
type Log struct {
	db     *gorm.DB
	sender platform.Notifier
	// ownerTarget is where owner-scoped notices go: the log channel when
	// configured, otherwise the owner's direct chat.
	ownerTarget string
}

// Opts holds parameters for creating a Log.
type Opts struct {
	DB          *gorm.DB
	Sender      platform.Notifier // optional; nil keeps notices row-only
	OwnerTarget string
}

// New creates a Log.
func New(opts Opts) (*Log, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("notify: db is required")
	}
	return &Log{db: opts.DB, sender: opts.Sender, ownerTarget: opts.OwnerTarget}, nil
}

// OwnerNotice records an owner-scoped notice and tries to deliver it.
func (l *Log) OwnerNotice(severity, subject, body string) {
	l.post(models.Notice{
		Scope:    "owner",
		TargetID: l.ownerTarget,
		Subject:  subject,
		Body:     body,
		Severity: severity,
	})
}

// GroupNotice records a group-scoped notice and tries to deliver it.
func (l *Log) GroupNotice(groupID, severity, subject, body string) {
	l.post(models.Notice{
		Scope:    "group",
		TargetID: groupID,
		Subject:  subject,
		Body:     body,
		Severity: severity,
	})
}

// post writes the row first; a notice that cannot even be persisted is
// only logged. Delivery failures leave the row undelivered for the
// redeliver loop.
func (l *Log) post(n models.Notice) {
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}
	if err := l.db.Create(&n).Error; err != nil {
		log.Printf("notify: persist notice %q: %v", n.Subject, err)
		return
	}
	l.deliver(&n)
}

// deliver attempts one delivery and marks the row on success.
func (l *Log) deliver(n *models.Notice) {
	if l.sender == nil || n.TargetID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	text := render(n)
	if err := l.sender.SendMessage(ctx, n.TargetID, text); err != nil {
		log.Printf("notify: deliver notice %d: %v", n.ID, err)
		return
	}
	if err := l.db.Model(&models.Notice{}).Where("id = ?", n.ID).
		Update("delivered", true).Error; err != nil {
		log.Printf("notify: mark notice %d delivered: %v", n.ID, err)
	}
}

// Redeliver retries every undelivered notice once. The serve loop calls it
// periodically.
func (l *Log) Redeliver() error {
	var pending []models.Notice
	err := l.db.Where("delivered = ?", false).Order("created_at ASC").Find(&pending).Error
	if err != nil {
		return fmt.Errorf("notify: load undelivered: %w", err)
	}
	for i := range pending {
		l.deliver(&pending[i])
	}
	return nil
}

// Unread returns undelivered notices for a target, oldest first.
func (l *Log) Unread(targetID string) ([]models.Notice, error) {
	var notices []models.Notice
	err := l.db.Where("target_id = ? AND delivered = ?", targetID, false).
		Order("created_at ASC").Find(&notices).Error
	if err != nil {
		return nil, fmt.Errorf("notify: unread for %s: %w", targetID, err)
	}
	return notices, nil
}

// render formats a notice for the chat platform.
func render(n *models.Notice) string {
	switch n.Severity {
	case models.SeverityError:
		return "❌ " + n.Subject + "\n" + n.Body
	case models.SeverityWarning:
		return "⚠️ " + n.Subject + "\n" + n.Body
	default:
		return "ℹ️ " + n.Subject + "\n" + n.Body
	}
}
