package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/voxpool/chorus/internal/models"
)

// ErrNoAssistant is returned by Acquire when no dispatchable assistant
// exists. Callers surface it to the user; there is no local retry.
var ErrNoAssistant = errors.New("registry: no assistant available")

// AcquireOpts modifies assistant selection for one request.
type AcquireOpts struct {
	// Preferred is the group's advisory assistant hint; used when it passes
	// the availability filter.
	Preferred string
	// Force bypasses the open-call cap. Administrative override only.
	Force bool
}

// Acquisition is the result of a successful Acquire.
type Acquisition struct {
	Assistant Snapshot
	// Reused is true when the group already had a live session and its
	// assistant was returned without a new selection.
	Reused bool
	// PreferredDropped is true when the preferred hint pointed at a
	// terminally unhealthy assistant; callers should clear the stored hint.
	PreferredDropped bool
}

// Acquire selects an assistant for a group's play request.
//
// Selection order: the group's live-session assistant if one exists, then
// the preferred hint if it passes the filter, then a uniform random choice
// among the top-K candidates ranked by (open calls asc, last used asc).
// On selection the open-call counter is incremented atomically; pair every
// successful Acquire with exactly one Release.
func (r *Registry) Acquire(groupID string, opts AcquireOpts) (Acquisition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Live session short-circuit: the session already accounts for one
	// open call, so no increment here.
	if id, ok := r.sessions[groupID]; ok {
		if e, ok := r.entries[id]; ok {
			return Acquisition{Assistant: e.snapshot(), Reused: true}, nil
		}
	}

	now := r.now()
	acq := Acquisition{}

	// Preferred hint: locality beats load while the assistant is under cap.
	if opts.Preferred != "" {
		if e, ok := r.entries[opts.Preferred]; ok {
			if r.usable(e, now, opts.Force) {
				r.take(e, groupID, now)
				acq.Assistant = e.snapshot()
				return acq, nil
			}
			if models.TerminalHealth(e.health) || !e.isActive {
				acq.PreferredDropped = true
			}
		} else {
			acq.PreferredDropped = true
		}
	}

	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if r.usable(e, now, opts.Force) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return Acquisition{}, ErrNoAssistant
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].openCalls != candidates[j].openCalls {
			return candidates[i].openCalls < candidates[j].openCalls
		}
		return candidates[i].lastUsedAt.Before(candidates[j].lastUsedAt)
	})

	k := r.topK
	if k > len(candidates) {
		k = len(candidates)
	}
	chosen := candidates[r.rng.Intn(k)]
	r.take(chosen, groupID, now)
	acq.Assistant = chosen.snapshot()
	return acq, nil
}

// usable applies the availability filter. Caller holds mu.
func (r *Registry) usable(e *entry, now time.Time, force bool) bool {
	if !e.isActive || e.health != models.HealthAuthorised {
		return false
	}
	if e.cooldownTill.After(now) {
		return false
	}
	if !force && e.openCalls >= r.maxCalls {
		return false
	}
	return true
}

// take binds the assistant to the group and bumps its counters.
// Caller holds mu.
func (r *Registry) take(e *entry, groupID string, now time.Time) {
	e.openCalls++
	e.lastUsedAt = now
	r.sessions[groupID] = e.id
	r.flush(e)
}

// Release ends the group's claim on its assistant, decrementing the
// open-call counter exactly once. Releasing a group with no live session
// is a no-op, making double release safe.
func (r *Registry) Release(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.sessions[groupID]
	if !ok {
		return
	}
	delete(r.sessions, groupID)

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.openCalls > 0 {
		e.openCalls--
	}
	r.flush(e)
}
