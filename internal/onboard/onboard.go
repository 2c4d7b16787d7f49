// Package onboard runs the interactive flow that logs a new assistant
// account in and hands it to the pool: ask for a phone number, ask for the
// verification code, persist the session, connect.
package onboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/registry"
	"gorm.io/gorm"
)

// Flow states.
type State string

const (
	// StatePhone waits for the account's phone number.
	StatePhone State = "await-phone"
	// StateCode waits for the verification code the platform sent.
	StateCode State = "await-code"
	// StateDone marks a completed flow. Repeated code submissions return
	// the same result instead of erroring; Begin supersedes it.
	StateDone State = "done"
)

// FlowTTL bounds how long an onboarding flow may sit unfinished.
const FlowTTL = 10 * time.Minute

// codeLen is the platform's verification code length.
const codeLen = 5

// Errors returned by the flow operations.
var (
	// ErrNoFlow means the user has no live onboarding flow; expired flows
	// count as absent.
	ErrNoFlow = errors.New("onboard: no active flow")

	// ErrFlowActive means the user already has a live flow; cancel it first.
	ErrFlowActive = errors.New("onboard: flow already in progress")

	// ErrBadPhone rejects malformed phone numbers before the platform
	// ever sees them.
	ErrBadPhone = errors.New("onboard: phone must be international format, + followed by digits, at least 10 characters")

	// ErrPoolFull means the active-assistant count already sits at the
	// configured maximum; remove one before adding another.
	ErrPoolFull = errors.New("onboard: assistant pool is at capacity")

	// ErrBadCode rejects codes that are not exactly five digits.
	ErrBadCode = errors.New("onboard: code must be exactly five digits")

	// ErrWrongState means the input does not match the flow's state, e.g.
	// a code arriving while the phone is still pending.
	ErrWrongState = errors.New("onboard: unexpected input for flow state")
)

// Starter connects a freshly created assistant. The supervisor implements it.
type Starter interface {
	Start(ctx context.Context, a models.Assistant) error
}

type flow struct {
	userID      string
	state       State
	phone       string
	attempt     platform.LoginAttempt
	assistantID string // set once the flow completes
	deadline    time.Time
}

// Manager owns all in-flight onboarding flows, at most one per user.
type Manager struct {
	db            *gorm.DB
	reg           *registry.Registry
	auth          platform.Authenticator
	starter       Starter
	ttl           time.Duration
	maxAssistants int
	now           func() time.Time

	mu    sync.Mutex
	flows map[string]*flow // key: user id
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	DB            *gorm.DB
	Registry      *registry.Registry
	Authenticator platform.Authenticator
	Starter       Starter
	TTL           time.Duration
	// MaxAssistants caps the active pool size; 0 means unbounded.
	MaxAssistants int
	Now           func() time.Time
}

// New creates a Manager.
func New(opts Opts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("onboard: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("onboard: registry is required")
	}
	if opts.Authenticator == nil {
		return nil, fmt.Errorf("onboard: authenticator is required")
	}
	if opts.Starter == nil {
		return nil, fmt.Errorf("onboard: starter is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = FlowTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		db:            opts.DB,
		reg:           opts.Registry,
		auth:          opts.Authenticator,
		starter:       opts.Starter,
		ttl:           ttl,
		maxAssistants: opts.MaxAssistants,
		now:           now,
		flows:         make(map[string]*flow),
	}, nil
}

// flowView is a copy of a flow's fields, safe to use without the lock.
type flowView struct {
	state       State
	phone       string
	attempt     platform.LoginAttempt
	assistantID string
}

// peek copies the user's flow if it exists and has not expired. Expired
// flows are dropped on sight.
func (m *Manager) peek(userID string) (flowView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[userID]
	if !ok {
		return flowView{}, false
	}
	if m.now().After(f.deadline) {
		delete(m.flows, userID)
		return flowView{}, false
	}
	return flowView{
		state:       f.state,
		phone:       f.phone,
		attempt:     f.attempt,
		assistantID: f.assistantID,
	}, true
}

// Begin opens a new flow for the user. An unfinished live flow must be
// cancelled explicitly before a new one starts; a completed flow is
// superseded.
func (m *Manager) Begin(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[userID]; ok && !m.now().After(f.deadline) && f.state != StateDone {
		return ErrFlowActive
	}
	m.flows[userID] = &flow{
		userID:   userID,
		state:    StatePhone,
		deadline: m.now().Add(m.ttl),
	}
	return nil
}

// Cancel drops the user's flow. Cancelling without one is a no-op.
func (m *Manager) Cancel(userID string) {
	m.mu.Lock()
	delete(m.flows, userID)
	m.mu.Unlock()
}

// State returns the user's current flow state.
func (m *Manager) State(userID string) (State, bool) {
	v, ok := m.peek(userID)
	if !ok {
		return "", false
	}
	return v.state, true
}

// SubmitPhone validates the phone number and asks the platform to send a
// verification code. The flow advances to await-code.
func (m *Manager) SubmitPhone(ctx context.Context, userID, phone string) error {
	v, ok := m.peek(userID)
	if !ok {
		return ErrNoFlow
	}
	if v.state != StatePhone {
		return ErrWrongState
	}

	phone = strings.TrimSpace(phone)
	if !validPhone(phone) {
		return ErrBadPhone
	}

	attempt, err := m.auth.BeginLogin(ctx, phone)
	if err != nil {
		return fmt.Errorf("onboard: begin login: %w", err)
	}

	m.mu.Lock()
	// The flow may have been cancelled while the platform call ran.
	if f, ok := m.flows[userID]; ok && f.state == StatePhone {
		f.phone = phone
		f.attempt = attempt
		f.state = StateCode
	}
	m.mu.Unlock()
	return nil
}

// SubmitCode completes the login and hands the new assistant to the pool:
// the row is persisted, the registry learns it, the supervisor connects it.
// A connect failure rolls the whole step back; a wrong code keeps the flow
// open for another try.
func (m *Manager) SubmitCode(ctx context.Context, userID, code string) (registry.Snapshot, error) {
	v, ok := m.peek(userID)
	if !ok {
		return registry.Snapshot{}, ErrNoFlow
	}
	// A completed flow answers repeated submissions with the same result.
	if v.state == StateDone {
		snap, _ := m.reg.Get(v.assistantID)
		return snap, nil
	}
	if v.state != StateCode {
		return registry.Snapshot{}, ErrWrongState
	}

	code = strings.TrimSpace(code)
	if !validCode(code) {
		return registry.Snapshot{}, ErrBadCode
	}

	blob, user, err := v.attempt.Complete(ctx, code)
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("onboard: complete login: %w", err)
	}

	a := models.Assistant{
		ID:          user.ID,
		SessionBlob: blob,
		DisplayName: user.DisplayName,
		Username:    user.Username,
		Phone:       v.phone,
		IsActive:    true,
		Health:      models.HealthDisconnected,
	}

	// Re-onboarding a known account refreshes its session in place and is
	// exempt from the pool cap; only brand-new rows count against it.
	var fresh bool
	err = m.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Assistant{}).Where("id = ?", a.ID).Count(&n).Error; err != nil {
			return err
		}
		fresh = n == 0
		if fresh && m.maxAssistants > 0 {
			var active int64
			if err := tx.Model(&models.Assistant{}).Where("is_active = ?", true).Count(&active).Error; err != nil {
				return err
			}
			if active >= int64(m.maxAssistants) {
				return ErrPoolFull
			}
		}
		return tx.Save(&a).Error
	})
	if errors.Is(err, ErrPoolFull) {
		return registry.Snapshot{}, ErrPoolFull
	}
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("onboard: persist assistant: %w", err)
	}
	m.reg.Upsert(a)

	if err := m.starter.Start(ctx, a); err != nil {
		m.rollback(a.ID, fresh)
		return registry.Snapshot{}, fmt.Errorf("onboard: connect new assistant: %w", err)
	}

	m.mu.Lock()
	if f, ok := m.flows[userID]; ok {
		f.state = StateDone
		f.assistantID = a.ID
	}
	m.mu.Unlock()

	snap, _ := m.reg.Get(a.ID)
	log.Printf("onboard: assistant %s joined the pool", a.ID)
	return snap, nil
}

// rollback undoes the persisted half of a failed completion. A refreshed
// pre-existing assistant keeps its row; only brand-new rows are removed.
func (m *Manager) rollback(assistantID string, fresh bool) {
	if !fresh {
		return
	}
	m.reg.Remove(assistantID)
	if err := m.db.Delete(&models.Assistant{}, "id = ?", assistantID).Error; err != nil {
		log.Printf("onboard: rollback assistant row: %v", err)
	}
}

// validPhone accepts international format only: a leading +, digits after it,
// and at least ten characters overall.
func validPhone(phone string) bool {
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	for _, r := range phone[1:] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(phone) >= 10
}

// validCode accepts exactly five digits.
func validCode(code string) bool {
	if len(code) != codeLen {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
