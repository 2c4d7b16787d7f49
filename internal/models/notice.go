package models

import "time"

// Notice severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notice is a persisted operator notification: assistant deactivations,
// session teardowns, daily fleet reports. Delivery to the chat platform is
// best-effort; the row is the durable record.
type Notice struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Scope     string `gorm:"size:16;not null;index"` // "owner" or "group"
	TargetID  string `gorm:"size:64;index"`          // owner user id or group id
	Subject   string `gorm:"size:128;not null"`
	Body      string `gorm:"type:text"`
	Severity  string `gorm:"size:16;default:info"`
	Delivered bool   `gorm:"default:false;index"`
	CreatedAt time.Time
}
