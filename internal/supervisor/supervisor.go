// Package supervisor owns the live network session for each assistant and
// keeps its health state accurate: connection, reconnection with backoff,
// rate-limit cooldowns, and periodic liveness probes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/registry"
	"gorm.io/gorm"
)

// Reconnect backoff bounds.
const (
	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// DefaultSweepInterval is the default period of the health sweep.
const DefaultSweepInterval = 5 * time.Minute

// DefaultProbeConcurrency bounds parallel probes during a sweep.
const DefaultProbeConcurrency = 16

// Noticer receives operator notifications. The notify package implements it.
type Noticer interface {
	OwnerNotice(severity, subject, body string)
}

// session pairs an assistant with its live client.
type session struct {
	assistantID string
	client      platform.Client
}

// Supervisor manages one live session per assistant.
type Supervisor struct {
	db        *gorm.DB
	reg       *registry.Registry
	connector platform.Connector
	noticer   Noticer

	maxAttempts   int
	sweepInterval time.Duration
	probeSlots    chan struct{}
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	sessions map[string]*session

	lostMu sync.Mutex
	onLost []func(assistantID string)
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	DB               *gorm.DB
	Registry         *registry.Registry
	Connector        platform.Connector
	Noticer          Noticer // optional
	MaxAttempts      int     // reconnect attempts, default 3
	SweepInterval    time.Duration
	ProbeConcurrency int
	Now              func() time.Time
	// Sleep overrides backoff waits; tests inject an instant version.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("supervisor: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("supervisor: registry is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("supervisor: connector is required")
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	slots := opts.ProbeConcurrency
	if slots <= 0 {
		slots = DefaultProbeConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}
	return &Supervisor{
		db:            opts.DB,
		reg:           opts.Registry,
		connector:     opts.Connector,
		noticer:       opts.Noticer,
		maxAttempts:   attempts,
		sweepInterval: interval,
		probeSlots:    make(chan struct{}, slots),
		now:           now,
		sleep:         sleep,
		sessions:      make(map[string]*session),
	}, nil
}

// ctxSleep waits for d or context cancellation, whichever comes first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnAssistantLost registers a callback fired when an assistant's session is
// lost (probe failure, terminal error). The call manager uses it to tear
// down that assistant's voice sessions.
func (s *Supervisor) OnAssistantLost(fn func(assistantID string)) {
	s.lostMu.Lock()
	defer s.lostMu.Unlock()
	s.onLost = append(s.onLost, fn)
}

func (s *Supervisor) fireLost(assistantID string) {
	s.lostMu.Lock()
	fns := append([]func(string){}, s.onLost...)
	s.lostMu.Unlock()
	for _, fn := range fns {
		fn(assistantID)
	}
}

// Client returns the live client for an assistant, if its session is up.
func (s *Supervisor) Client(assistantID string) (platform.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[assistantID]
	if !ok {
		return nil, false
	}
	return sess.client, true
}

// Start connects the assistant's session, verifies authorisation, and
// reconciles the persisted identity. On success health becomes authorised
// and the connect-attempt counter resets.
func (s *Supervisor) Start(ctx context.Context, a models.Assistant) error {
	client, err := s.connector.Connect(ctx, a.SessionBlob)
	if err != nil {
		return s.handleSessionError(a.ID, err)
	}

	info, err := client.Identify(ctx)
	if err != nil {
		client.Disconnect()
		return s.handleSessionError(a.ID, err)
	}

	// Reconcile identity: display name and username can drift.
	updates := map[string]interface{}{
		"display_name":   info.DisplayName,
		"username":       info.Username,
		"health":         models.HealthAuthorised,
		"connect_tries":  0,
		"last_health_ok": s.now(),
	}
	if err := s.db.Model(&models.Assistant{}).Where("id = ?", a.ID).Updates(updates).Error; err != nil {
		log.Printf("supervisor: reconcile %s: %v", a.ID, err)
	}

	s.mu.Lock()
	s.sessions[a.ID] = &session{assistantID: a.ID, client: client}
	s.mu.Unlock()

	s.reg.SetHealth(a.ID, models.HealthAuthorised)
	log.Printf("supervisor: session up for assistant %s (%s)", a.ID, info.Username)
	return nil
}

// StartAll brings up sessions for every active assistant in the table.
// Individual failures are logged and do not stop the rest.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var rows []models.Assistant
	if err := s.db.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("supervisor: load assistants: %w", err)
	}
	for _, a := range rows {
		if err := s.Start(ctx, a); err != nil {
			log.Printf("supervisor: start assistant %s: %v", a.ID, err)
		}
	}
	return nil
}

// Reconnect retries Start with exponential backoff (base 2s, cap 30s) up
// to the configured attempt limit. Between retries other components see
// the assistant as disconnected.
func (s *Supervisor) Reconnect(ctx context.Context, assistantID string) error {
	var a models.Assistant
	if err := s.db.First(&a, "id = ?", assistantID).Error; err != nil {
		return fmt.Errorf("supervisor: load assistant %s: %w", assistantID, err)
	}
	if !a.IsActive {
		return fmt.Errorf("supervisor: assistant %s is inactive", assistantID)
	}

	s.reg.SetHealth(assistantID, models.HealthDisconnected)

	backoff := baseBackoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
			Update("connect_tries", gorm.Expr("connect_tries + 1"))

		lastErr = s.Start(ctx, a)
		if lastErr == nil {
			return nil
		}
		if platform.Terminal(lastErr) {
			return lastErr
		}
		if wait, ok := platform.RetryAfter(lastErr); ok {
			// Cooldown already recorded; do not hammer the platform.
			return fmt.Errorf("supervisor: reconnect %s: rate limited for %s", assistantID, wait)
		}
		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("supervisor: reconnect %s: attempts exhausted: %w", assistantID, lastErr)
}

// Probe runs a liveness check against an assistant's session, measuring
// the round-trip. On failure the assistant flips to disconnected, lost
// subscribers fire, and a reconnect is attempted.
func (s *Supervisor) Probe(ctx context.Context, assistantID string) platform.ProbeResult {
	s.mu.Lock()
	sess, ok := s.sessions[assistantID]
	s.mu.Unlock()
	if !ok {
		return platform.ProbeResult{Err: fmt.Errorf("supervisor: no session for %s", assistantID)}
	}

	start := s.now()
	err := sess.client.Probe(ctx)
	rtt := s.now().Sub(start)
	if err == nil {
		s.reg.SetHealth(assistantID, models.HealthAuthorised)
		s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
			Update("last_health_ok", s.now())
		return platform.ProbeResult{OK: true, RTT: rtt}
	}

	log.Printf("supervisor: probe %s failed: %v", assistantID, err)
	s.dropSession(assistantID)
	if handleErr := s.handleSessionError(assistantID, err); platform.Terminal(err) {
		return platform.ProbeResult{RTT: rtt, Err: handleErr}
	}
	s.reg.SetHealth(assistantID, models.HealthDisconnected)
	s.fireLost(assistantID)

	if rerr := s.Reconnect(ctx, assistantID); rerr != nil {
		log.Printf("supervisor: reconnect after failed probe %s: %v", assistantID, rerr)
	}
	return platform.ProbeResult{RTT: rtt, Err: err}
}

// Stop gracefully disconnects an assistant's session. The persisted
// session blob is untouched.
func (s *Supervisor) Stop(assistantID string) {
	s.dropSession(assistantID)
	s.reg.SetHealth(assistantID, models.HealthDisconnected)
	s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
		Update("health", models.HealthDisconnected)
}

// StopAll disconnects every live session. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

func (s *Supervisor) dropSession(assistantID string) {
	s.mu.Lock()
	sess, ok := s.sessions[assistantID]
	if ok {
		delete(s.sessions, assistantID)
	}
	s.mu.Unlock()
	if ok {
		sess.client.Disconnect()
	}
}

// handleSessionError classifies a session-level failure and updates the
// assistant's persisted and live state accordingly. It returns the error
// to propagate.
func (s *Supervisor) handleSessionError(assistantID string, err error) error {
	if wait, ok := platform.RetryAfter(err); ok {
		until := s.now().Add(wait)
		s.reg.SetCooldown(assistantID, until)
		s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
			Update("cooldown_till", until)
		return fmt.Errorf("supervisor: assistant %s rate limited: %w", assistantID, err)
	}

	if platform.Terminal(err) {
		health := models.HealthUnauthorised
		switch {
		case errors.Is(err, platform.ErrBanned):
			health = models.HealthBanned
		case errors.Is(err, platform.ErrDeactivated):
			health = models.HealthDeactivated
		}
		s.deactivate(assistantID, health, err)
		return fmt.Errorf("supervisor: assistant %s: %w", assistantID, err)
	}

	s.reg.SetHealth(assistantID, models.HealthDisconnected)
	s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
		Update("health", models.HealthDisconnected)
	return fmt.Errorf("supervisor: assistant %s: %w", assistantID, err)
}

// deactivate tombstones an assistant after a terminal failure and notifies
// the owner. The session blob stays stored for forensic removal by hand.
func (s *Supervisor) deactivate(assistantID, health string, cause error) {
	s.reg.SetHealth(assistantID, health)
	s.db.Model(&models.Assistant{}).Where("id = ?", assistantID).
		Updates(map[string]interface{}{
			"is_active": false,
			"health":    health,
		})
	s.fireLost(assistantID)
	if s.noticer != nil {
		s.noticer.OwnerNotice(models.SeverityError,
			fmt.Sprintf("assistant %s deactivated", assistantID),
			fmt.Sprintf("health=%s cause=%v", health, cause))
	}
	log.Printf("supervisor: assistant %s deactivated (%s)", assistantID, health)
}
