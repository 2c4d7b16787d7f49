package models

import "time"

// Assistant health states. An assistant is dispatchable only while
// HealthAuthorised.
const (
	HealthAuthorised   = "connected-authorised"
	HealthUnauthorised = "connected-unauthorised"
	HealthDisconnected = "disconnected"
	HealthBanned       = "banned"
	HealthDeactivated  = "deactivated"
)

// TerminalHealth reports whether a health state is unrecoverable without
// human action.
func TerminalHealth(health string) bool {
	switch health {
	case HealthBanned, HealthDeactivated, HealthUnauthorised:
		return true
	}
	return false
}

// Assistant is the persistent record of one pooled user account. The live
// network session is owned by the supervisor and rebuilt from SessionBlob;
// it is never stored here.
type Assistant struct {
	ID           string `gorm:"primaryKey;size:64"`
	SessionBlob  string `gorm:"type:text;not null"` // opaque secret, never logged
	DisplayName  string `gorm:"size:128"`
	Username     string `gorm:"size:64"`
	Phone        string `gorm:"size:32"`
	IsActive     bool   `gorm:"index;default:true"`
	Health       string `gorm:"size:32;index"`
	OpenCalls    int    `gorm:"default:0"` // snapshot; live value owned by the registry
	ConnectTries int    `gorm:"default:0"`
	LastUsedAt   time.Time
	LastHealthOK time.Time
	CooldownTill time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Dispatchable reports whether the persisted snapshot allows dispatch at t.
// The registry applies the same rule to its live counters.
func (a *Assistant) Dispatchable(t time.Time, maxCalls int) bool {
	return a.IsActive &&
		a.Health == HealthAuthorised &&
		a.OpenCalls < maxCalls &&
		!a.CooldownTill.After(t)
}
