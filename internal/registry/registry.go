// Package registry holds the in-memory catalogue of loaded assistants and
// implements the dispatcher that assigns one to each group's voice call.
package registry

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/voxpool/chorus/internal/models"
	"gorm.io/gorm"
)

// entry is the live, mutable view of one assistant. The registry owns the
// only mutable copy of the counters; the Assistants table holds snapshots.
type entry struct {
	id           string
	displayName  string
	isActive     bool
	health       string
	openCalls    int
	lastUsedAt   time.Time
	lastHealthOK time.Time
	cooldownTill time.Time
}

// Snapshot is a read-only copy of an assistant's live state.
type Snapshot struct {
	ID           string
	DisplayName  string
	IsActive     bool
	Health       string
	OpenCalls    int
	LastUsedAt   time.Time
	LastHealthOK time.Time
	CooldownTill time.Time
}

// Registry is the in-memory assistant catalogue. All mutations go through
// one mutex; acquire and release are atomic across it.
type Registry struct {
	db       *gorm.DB
	maxCalls int
	topK     int
	now      func() time.Time
	rng      *rand.Rand

	mu       sync.Mutex
	entries  map[string]*entry
	sessions map[string]string // groupID -> assistantID with a live call
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	DB                   *gorm.DB
	MaxCallsPerAssistant int
	TopK                 int
	Now                  func() time.Time // defaults to time.Now
	Seed                 int64            // 0 = time-based
}

// New creates a Registry and loads all active assistants from the database.
func New(opts Opts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	if opts.MaxCallsPerAssistant < 1 {
		return nil, fmt.Errorf("registry: max calls per assistant must be at least 1")
	}
	topK := opts.TopK
	if topK < 1 {
		topK = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	r := &Registry{
		db:       opts.DB,
		maxCalls: opts.MaxCallsPerAssistant,
		topK:     topK,
		now:      now,
		rng:      rand.New(rand.NewSource(seed)),
		entries:  make(map[string]*entry),
		sessions: make(map[string]string),
	}

	var rows []models.Assistant
	if err := opts.DB.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: load assistants: %w", err)
	}
	for _, a := range rows {
		r.entries[a.ID] = &entry{
			id:           a.ID,
			displayName:  a.DisplayName,
			isActive:     a.IsActive,
			// Persisted health predates this process; every assistant starts
			// disconnected until the supervisor brings its session up.
			health:       models.HealthDisconnected,
			lastUsedAt:   a.LastUsedAt,
			lastHealthOK: a.LastHealthOK,
			cooldownTill: a.CooldownTill,
		}
	}
	return r, nil
}

// Upsert adds or refreshes an assistant entry from its persisted record.
// Live counters are preserved for an existing entry.
func (r *Registry) Upsert(a models.Assistant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[a.ID]; ok {
		e.displayName = a.DisplayName
		e.isActive = a.IsActive
		return
	}
	r.entries[a.ID] = &entry{
		id:          a.ID,
		displayName: a.DisplayName,
		isActive:    a.IsActive,
		health:      models.HealthDisconnected,
	}
}

// Remove drops an assistant from the catalogue. Live sessions referencing
// it keep their binding until released.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// SetHealth records a health transition observed by the supervisor.
// Terminal health states also clear the active flag, mirroring the
// persisted tombstone.
func (r *Registry) SetHealth(id, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.health = health
	if health == models.HealthAuthorised {
		e.lastHealthOK = r.now()
	}
	if models.TerminalHealth(health) {
		e.isActive = false
	}
}

// SetCooldown suppresses dispatch of an assistant until the given time.
func (r *Registry) SetCooldown(id string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.cooldownTill = until
	}
}

// Get returns a snapshot of one assistant.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all assistants in the catalogue.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// AssistantFor returns the assistant bound to the group's live session.
func (r *Registry) AssistantFor(groupID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[groupID]
	return id, ok
}

// Groups returns a copy of the live group -> assistant bindings.
func (r *Registry) Groups() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.sessions))
	for g, a := range r.sessions {
		out[g] = a
	}
	return out
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ID:           e.id,
		DisplayName:  e.displayName,
		IsActive:     e.isActive,
		Health:       e.health,
		OpenCalls:    e.openCalls,
		LastUsedAt:   e.lastUsedAt,
		LastHealthOK: e.lastHealthOK,
		CooldownTill: e.cooldownTill,
	}
}

// flush writes an assistant's counter snapshot back to the database.
// Caller holds the registry mutex. Errors are logged, not propagated:
// the in-memory state is authoritative for a running process.
func (r *Registry) flush(e *entry) {
	err := r.db.Model(&models.Assistant{}).Where("id = ?", e.id).
		Updates(map[string]interface{}{
			"open_calls":   e.openCalls,
			"last_used_at": e.lastUsedAt,
		}).Error
	if err != nil {
		log.Printf("registry: flush counters for %s: %v", e.id, err)
	}
}
