// Package call translates "play this track in this group" into a live
// voice-channel stream and keeps each group's session consistent with the
// platform-side call state.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/playback"
	"github.com/voxpool/chorus/internal/registry"
)

// Session states.
type State string

const (
	StateJoining State = "joining"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnding  State = "ending"
)

// Errors surfaced to callers. None of these are retried locally.
var (
	// ErrLacksRights means the assistant cannot create or join the target
	// voice chat; a human must promote it there.
	ErrLacksRights = errors.New("call: assistant lacks rights in target")

	// ErrJoinTimeout means the voice join missed its deadline. Transient.
	ErrJoinTimeout = errors.New("call: join timed out")

	// ErrNoActiveStream is returned for pause/resume/skip outside a
	// session that is playing or paused.
	ErrNoActiveStream = errors.New("call: no active stream")

	// ErrSessionExists guards the one-session-per-group invariant.
	ErrSessionExists = errors.New("call: group already has a session")
)

// DefaultJoinDeadline bounds voice-join time.
const DefaultJoinDeadline = 30 * time.Second

// DefaultIdleTimeout ends sessions that sit paused with no listener action.
const DefaultIdleTimeout = 30 * time.Minute

// ClientSource yields the live platform client for an assistant. The
// supervisor implements it.
type ClientSource interface {
	Client(assistantID string) (platform.Client, bool)
}

// GroupNoticer posts a notice to a group. The notify package implements it.
type GroupNoticer interface {
	GroupNotice(groupID, severity, subject, body string)
}

// Session is one group's live voice-chat session. All transitions take the
// session lock; cross-group operations never contend.
type Session struct {
	GroupID     string
	AssistantID string
	StartedAt   time.Time
	StartedBy   string

	// idleTimeout is the group's own idle cutoff; zero falls back to the
	// manager-wide default. Set at create, immutable after.
	idleTimeout time.Duration

	mu      sync.Mutex
	state   State
	handle  platform.CallHandle
	client  platform.Client
	stream  platform.StreamHandle
	queue   *playback.Queue
	pausedAt time.Time
	// streamGen invalidates stale end-of-stream watchers after a rebind.
	streamGen int
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queue returns the session's playback queue.
func (s *Session) Queue() *playback.Queue { return s.queue }

// Handle returns the platform call handle.
func (s *Session) Handle() platform.CallHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Manager owns all live GroupVoiceSessions, at most one per group.
type Manager struct {
	reg          *registry.Registry
	clients      ClientSource
	noticer      GroupNoticer
	joinDeadline time.Duration
	idleTimeout  time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // key: group id
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	Registry     *registry.Registry
	Clients      ClientSource
	Noticer      GroupNoticer // optional
	JoinDeadline time.Duration
	IdleTimeout  time.Duration
	Now          func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("call: registry is required")
	}
	if opts.Clients == nil {
		return nil, fmt.Errorf("call: client source is required")
	}
	joinDeadline := opts.JoinDeadline
	if joinDeadline <= 0 {
		joinDeadline = DefaultJoinDeadline
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		reg:          opts.Registry,
		clients:      opts.Clients,
		noticer:      opts.Noticer,
		joinDeadline: joinDeadline,
		idleTimeout:  idleTimeout,
		now:          now,
		sessions:     make(map[string]*Session),
	}, nil
}

// Session returns the group's live session, if any.
func (m *Manager) Session(groupID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[groupID]
	return s, ok
}

// Sessions returns all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// StartOpts parameterises Create.
type StartOpts struct {
	GroupID     string
	AssistantID string
	Target      platform.VoiceTarget
	StartedBy   string
	Track       playback.Track
	// IdleTimeout overrides the manager-wide idle cutoff for this group;
	// zero keeps the default.
	IdleTimeout time.Duration
}

// Create joins the target voice chat with the assigned assistant, binds the
// first track, and registers the session. On any failure the assistant is
// released and no session remains.
func (m *Manager) Create(ctx context.Context, opts StartOpts) (*Session, error) {
	client, ok := m.clients.Client(opts.AssistantID)
	if !ok {
		m.reg.Release(opts.GroupID)
		return nil, fmt.Errorf("call: assistant %s has no live session", opts.AssistantID)
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.GroupID]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	sess := &Session{
		GroupID:     opts.GroupID,
		AssistantID: opts.AssistantID,
		StartedAt:   m.now(),
		StartedBy:   opts.StartedBy,
		idleTimeout: opts.IdleTimeout,
		state:       StateJoining,
		client:      client,
		queue:       playback.NewQueue(),
	}
	m.sessions[opts.GroupID] = sess
	m.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, m.joinDeadline)
	defer cancel()

	handle, err := client.JoinVoice(joinCtx, opts.Target)
	if err != nil {
		m.discard(opts.GroupID)
		switch {
		case errors.Is(err, platform.ErrLacksRights):
			return nil, fmt.Errorf("%w: %s", ErrLacksRights, opts.AssistantID)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(joinCtx.Err(), context.DeadlineExceeded):
			return nil, ErrJoinTimeout
		default:
			return nil, fmt.Errorf("call: join voice for group %s: %w", opts.GroupID, err)
		}
	}

	sess.mu.Lock()
	sess.handle = handle
	sess.mu.Unlock()

	sess.queue.SetCurrent(opts.Track)
	if err := m.bind(ctx, sess, opts.Track); err != nil {
		m.teardown(sess, "stream bind failed")
		return nil, err
	}
	return sess, nil
}

// discard removes a session that never completed its join. The assistant
// is released; there is no platform-side call to leave.
func (m *Manager) discard(groupID string) {
	m.mu.Lock()
	delete(m.sessions, groupID)
	m.mu.Unlock()
	m.reg.Release(groupID)
}

// bind attaches a track's stream to the session's call and arms the
// end-of-stream watcher. The session enters playing.
func (m *Manager) bind(ctx context.Context, sess *Session, track playback.Track) error {
	source := platform.StreamSource{
		URL:    track.StreamURL,
		Live:   track.Live(),
		Volume: sess.queue.Volume(),
	}

	sess.mu.Lock()
	handle := sess.handle
	client := sess.client
	sess.mu.Unlock()

	stream, err := client.BindStream(ctx, handle, source)
	if err != nil {
		return fmt.Errorf("call: bind stream for group %s: %w", sess.GroupID, err)
	}

	sess.mu.Lock()
	sess.stream = stream
	sess.state = StatePlaying
	sess.streamGen++
	gen := sess.streamGen
	sess.mu.Unlock()

	go m.watchStream(sess, stream, gen)
	return nil
}

// watchStream waits for end-of-stream and advances the queue. A rebind
// bumps the generation counter, retiring this watcher.
func (m *Manager) watchStream(sess *Session, stream platform.StreamHandle, gen int) {
	<-stream.Done()

	sess.mu.Lock()
	stale := sess.streamGen != gen || sess.state == StateEnding
	sess.mu.Unlock()
	if stale {
		return
	}
	m.advance(sess)
}

// advance moves the session to its next track under the queue's loop
// rules, or ends it when nothing is left.
func (m *Manager) advance(sess *Session) {
	next, ok := sess.queue.Next()
	if !ok {
		m.teardown(sess, "queue exhausted")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.joinDeadline)
	defer cancel()
	if err := m.bind(ctx, sess, next); err != nil {
		log.Printf("call: advance group %s: %v", sess.GroupID, err)
		m.teardown(sess, "stream bind failed")
	}
}

// Pause suspends playback. Valid while playing; pausing a paused session
// is a no-op.
func (m *Manager) Pause(groupID string) error {
	sess, ok := m.Session(groupID)
	if !ok {
		return ErrNoActiveStream
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.state {
	case StatePlaying:
		sess.state = StatePaused
		sess.pausedAt = m.now()
		return nil
	case StatePaused:
		return nil
	default:
		return ErrNoActiveStream
	}
}

// Resume continues paused playback. Resuming a playing session is a no-op.
func (m *Manager) Resume(groupID string) error {
	sess, ok := m.Session(groupID)
	if !ok {
		return ErrNoActiveStream
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.state {
	case StatePaused:
		sess.state = StatePlaying
		sess.pausedAt = time.Time{}
		return nil
	case StatePlaying:
		return nil
	default:
		return ErrNoActiveStream
	}
}

// Skip advances to the next track under the loop rules; with an empty
// queue and loop off, the session ends.
func (m *Manager) Skip(groupID string) error {
	sess, ok := m.Session(groupID)
	if !ok {
		return ErrNoActiveStream
	}
	sess.mu.Lock()
	if sess.state != StatePlaying && sess.state != StatePaused {
		sess.mu.Unlock()
		return ErrNoActiveStream
	}
	stream := sess.stream
	// Retire the watcher before Unbind closes its Done channel, so only
	// this explicit advance runs.
	sess.streamGen++
	sess.mu.Unlock()

	if stream != nil {
		stream.Unbind()
	}
	m.advance(sess)
	return nil
}

// Stop ends the group's session: the assistant leaves the call, the counter
// is decremented exactly once, and the session record disappears. A
// platform report that the call already ended reconciles the same way.
func (m *Manager) Stop(groupID string) error {
	sess, ok := m.Session(groupID)
	if !ok {
		return ErrNoActiveStream
	}
	m.teardown(sess, "stopped")
	return nil
}

// AssistantLost tears down every session bound to a lost assistant and
// notifies the affected groups. Wired to the supervisor's lost callback.
func (m *Manager) AssistantLost(assistantID string) {
	m.mu.Lock()
	var affected []*Session
	for _, s := range m.sessions {
		if s.AssistantID == assistantID {
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()

	for _, sess := range affected {
		m.teardown(sess, "assistant connection lost")
		if m.noticer != nil {
			m.noticer.GroupNotice(sess.GroupID, "warning",
				"playback stopped", "the assistant lost its connection; start playback again")
		}
	}
}

// IdleSweep ends sessions that have sat paused longer than their group's
// idle timeout. Run drives it; tests call it directly.
func (m *Manager) IdleSweep() {
	now := m.now()
	for _, sess := range m.Sessions() {
		timeout := sess.idleTimeout
		if timeout <= 0 {
			timeout = m.idleTimeout
		}
		cutoff := now.Add(-timeout)
		sess.mu.Lock()
		idle := sess.state == StatePaused && !sess.pausedAt.IsZero() && sess.pausedAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			m.teardown(sess, "idle timeout")
			if m.noticer != nil {
				m.noticer.GroupNotice(sess.GroupID, "info",
					"playback ended", "session ended after sitting idle")
			}
		}
	}
}

// Run drives the idle sweep until ctx is cancelled, then tears down all
// remaining sessions as a best-effort shutdown.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, sess := range m.Sessions() {
				m.teardown(sess, "shutdown")
			}
			return
		case <-ticker.C:
			m.IdleSweep()
		}
	}
}

// teardown ends a session exactly once: unbind, leave the call, release
// the assistant, drop the record. Safe to call multiple times.
func (m *Manager) teardown(sess *Session, reason string) {
	sess.mu.Lock()
	if sess.state == StateEnding {
		sess.mu.Unlock()
		return
	}
	sess.state = StateEnding
	stream := sess.stream
	handle := sess.handle
	client := sess.client
	sess.stream = nil
	sess.mu.Unlock()

	if stream != nil {
		stream.Unbind()
	}
	if handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.LeaveVoice(ctx, handle)
		cancel()
		if err != nil && !errors.Is(err, platform.ErrCallEnded) {
			log.Printf("call: leave voice for group %s: %v", sess.GroupID, err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, sess.GroupID)
	m.mu.Unlock()
	m.reg.Release(sess.GroupID)
	log.Printf("call: session for group %s ended (%s)", sess.GroupID, reason)
}
