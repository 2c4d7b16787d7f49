// Package playback implements the per-group track queue and the
// next-track selection rules driven by end-of-stream events.
package playback

import (
	"math/rand"
	"sync"
	"time"
)

// LoopMode controls what happens when the current track ends.
type LoopMode string

const (
	LoopOff   LoopMode = "off"
	LoopTrack LoopMode = "track"
	LoopQueue LoopMode = "queue"
)

// ValidLoopMode reports whether m is a recognised loop mode.
func ValidLoopMode(m LoopMode) bool {
	switch m {
	case LoopOff, LoopTrack, LoopQueue:
		return true
	}
	return false
}

// Track is one queued piece of audio. Tracks are transient: they live only
// inside a group's queue and are owned by the session that plays them.
type Track struct {
	Title       string
	Provider    string
	ProviderID  string
	StreamURL   string
	Duration    time.Duration // 0 = live stream
	RequestedBy string
	Thumbnail   string
	Artist      string
}

// Live reports whether the track is a live stream.
func (t Track) Live() bool { return t.Duration == 0 }

// Queue is the playback controller for one group: the current track plus an
// ordered sequence of pending tracks, with loop and shuffle state. All
// methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	current *Track
	pending []Track
	loop    LoopMode
	shuffle bool
	volume  int
	rng     *rand.Rand
}

// NewQueue creates an empty queue with loop off and full volume.
func NewQueue() *Queue {
	return &Queue{
		loop:   LoopOff,
		volume: 100,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// newQueueWithSeed creates a queue with a deterministic shuffle order.
func newQueueWithSeed(seed int64) *Queue {
	q := NewQueue()
	q.rng = rand.New(rand.NewSource(seed))
	return q
}

// Enqueue appends a track and returns its 1-based queue position.
func (q *Queue) Enqueue(t Track) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, t)
	return len(q.pending)
}

// SetCurrent replaces the current track without touching the queue.
func (q *Queue) SetCurrent(t Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := t
	q.current = &cp
}

// Current returns the current track, if any.
func (q *Queue) Current() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Track{}, false
	}
	return *q.current, true
}

// Next advances to the next track following the loop rules and returns it.
// The bool is false when nothing is left to play and the session should end.
//
//	off:   pop head of queue; if empty, end
//	track: replay the current track
//	queue: append current track to tail, then pop head
func (q *Queue) Next() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.loop {
	case LoopTrack:
		if q.current == nil {
			return Track{}, false
		}
		return *q.current, true

	case LoopQueue:
		if q.current != nil {
			q.pending = append(q.pending, *q.current)
		}
		return q.popLocked()

	default:
		return q.popLocked()
	}
}

// popLocked pops the head of the pending queue into current. Caller holds mu.
func (q *Queue) popLocked() (Track, bool) {
	if len(q.pending) == 0 {
		q.current = nil
		return Track{}, false
	}
	head := q.pending[0]
	q.pending = q.pending[1:]
	q.current = &head
	return head, true
}

// Clear drops all pending tracks. The current track is untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// SetLoop sets the loop mode.
func (q *Queue) SetLoop(m LoopMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loop = m
}

// Loop returns the loop mode.
func (q *Queue) Loop() LoopMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loop
}

// ToggleShuffle flips the shuffle flag and returns the new value. Turning
// shuffle on performs a one-shot Fisher–Yates permutation of the pending
// tracks; the current track is untouched.
func (q *Queue) ToggleShuffle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuffle = !q.shuffle
	if q.shuffle {
		q.rng.Shuffle(len(q.pending), func(i, j int) {
			q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
		})
	}
	return q.shuffle
}

// Shuffled returns the shuffle flag.
func (q *Queue) Shuffled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuffle
}

// SetVolume stores the advisory volume, clamped to 0–100.
func (q *Queue) SetVolume(v int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	q.volume = v
}

// Volume returns the advisory volume.
func (q *Queue) Volume() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.volume
}

// Len returns the number of pending tracks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot is a point-in-time view of a queue, safe to hand to callers.
type Snapshot struct {
	Current *Track
	Pending []Track
	Loop    LoopMode
	Shuffle bool
	Volume  int
}

// Snapshot returns a copy of the queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Loop:    q.loop,
		Shuffle: q.shuffle,
		Volume:  q.volume,
		Pending: make([]Track, len(q.pending)),
	}
	copy(snap.Pending, q.pending)
	if q.current != nil {
		cp := *q.current
		snap.Current = &cp
	}
	return snap
}
