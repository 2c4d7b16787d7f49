package platform

import (
	"context"
	"fmt"
	"sync"
)

// MockConnector implements Connector for testing. Session blobs map to
// pre-registered MockClients; unknown blobs fail with the configured error.
type MockConnector struct {
	mu         sync.Mutex
	clients    map[string]*MockClient // key: session blob
	connectErr map[string]error       // per-blob connect failure
	connects   int
}

// NewMockConnector creates an empty MockConnector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		clients:    make(map[string]*MockClient),
		connectErr: make(map[string]error),
	}
}

// Register associates a session blob with a client.
func (c *MockConnector) Register(blob string, client *MockClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[blob] = client
}

// FailConnect makes Connect fail for the given blob.
func (c *MockConnector) FailConnect(blob string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr[blob] = err
}

// Connects returns the number of Connect calls made.
func (c *MockConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Connect implements Connector.
func (c *MockConnector) Connect(ctx context.Context, sessionBlob string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if err := c.connectErr[sessionBlob]; err != nil {
		return nil, err
	}
	client, ok := c.clients[sessionBlob]
	if !ok {
		return nil, ErrCredentialInvalid
	}
	client.reset()
	return client, nil
}

// MockClient implements Client for testing. Failure modes are injected per
// method; joins and binds are recorded and streams can be ended on demand.
type MockClient struct {
	mu sync.Mutex

	User UserInfo

	identifyErr error
	probeErr    error
	joinErr     error
	leaveErr    error
	bindErr     error

	disconnected bool
	probes       int
	joins        []VoiceTarget
	leaves       []CallHandle
	binds        []StreamSource
	streams      map[CallHandle]*MockStream
	callSeq      int

	members map[string]bool // "channelID:userID"
	admins  map[string]bool // "chatID:userID"
}

// NewMockClient creates a MockClient with the given identity.
func NewMockClient(user UserInfo) *MockClient {
	return &MockClient{
		User:    user,
		streams: make(map[CallHandle]*MockStream),
		members: make(map[string]bool),
		admins:  make(map[string]bool),
	}
}

func (m *MockClient) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = false
}

// FailIdentify makes Identify return err.
func (m *MockClient) FailIdentify(err error) { m.mu.Lock(); m.identifyErr = err; m.mu.Unlock() }

// FailProbe makes Probe return err.
func (m *MockClient) FailProbe(err error) { m.mu.Lock(); m.probeErr = err; m.mu.Unlock() }

// FailJoin makes JoinVoice return err.
func (m *MockClient) FailJoin(err error) { m.mu.Lock(); m.joinErr = err; m.mu.Unlock() }

// FailLeave makes LeaveVoice return err.
func (m *MockClient) FailLeave(err error) { m.mu.Lock(); m.leaveErr = err; m.mu.Unlock() }

// FailBind makes BindStream return err.
func (m *MockClient) FailBind(err error) { m.mu.Lock(); m.bindErr = err; m.mu.Unlock() }

// SetMember records channel membership for IsMember.
func (m *MockClient) SetMember(channelID, userID string, member bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[channelID+":"+userID] = member
}

// SetAdmin records admin status for IsAdmin.
func (m *MockClient) SetAdmin(chatID, userID string, admin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[chatID+":"+userID] = admin
}

// Probes returns the number of Probe calls.
func (m *MockClient) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// Joins returns a copy of recorded join targets.
func (m *MockClient) Joins() []VoiceTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]VoiceTarget, len(m.joins))
	copy(cp, m.joins)
	return cp
}

// Leaves returns a copy of recorded leave handles.
func (m *MockClient) Leaves() []CallHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]CallHandle, len(m.leaves))
	copy(cp, m.leaves)
	return cp
}

// Binds returns a copy of recorded bind sources.
func (m *MockClient) Binds() []StreamSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]StreamSource, len(m.binds))
	copy(cp, m.binds)
	return cp
}

// Stream returns the active stream bound to handle, or nil.
func (m *MockClient) Stream(handle CallHandle) *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[handle]
}

// Disconnected reports whether Disconnect was called.
func (m *MockClient) Disconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// Identify implements Client.
func (m *MockClient) Identify(ctx context.Context) (UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return UserInfo{}, ErrNotConnected
	}
	if m.identifyErr != nil {
		return UserInfo{}, m.identifyErr
	}
	return m.User, nil
}

// Probe implements Client.
func (m *MockClient) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.disconnected {
		return ErrNotConnected
	}
	return m.probeErr
}

// Disconnect implements Client.
func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

// JoinVoice implements Client.
func (m *MockClient) JoinVoice(ctx context.Context, target VoiceTarget) (CallHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return "", ErrNotConnected
	}
	if m.joinErr != nil {
		return "", m.joinErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.callSeq++
	handle := CallHandle(fmt.Sprintf("call-%s-%d", m.User.ID, m.callSeq))
	m.joins = append(m.joins, target)
	return handle, nil
}

// LeaveVoice implements Client.
func (m *MockClient) LeaveVoice(ctx context.Context, handle CallHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves = append(m.leaves, handle)
	if m.leaveErr != nil {
		return m.leaveErr
	}
	if s, ok := m.streams[handle]; ok {
		s.end()
		delete(m.streams, handle)
	}
	return nil
}

// BindStream implements Client.
func (m *MockClient) BindStream(ctx context.Context, handle CallHandle, source StreamSource) (StreamHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return nil, ErrNotConnected
	}
	if m.bindErr != nil {
		return nil, m.bindErr
	}
	// Binding over an existing stream replaces it.
	if prev, ok := m.streams[handle]; ok {
		prev.end()
	}
	s := &MockStream{Source: source, done: make(chan struct{})}
	m.streams[handle] = s
	m.binds = append(m.binds, source)
	return s, nil
}

// IsMember implements Client.
func (m *MockClient) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[channelID+":"+userID], nil
}

// IsAdmin implements Client.
func (m *MockClient) IsAdmin(ctx context.Context, chatID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admins[chatID+":"+userID], nil
}

// MockStream implements StreamHandle. EndStream simulates the platform's
// end-of-stream signal.
type MockStream struct {
	Source StreamSource

	mu    sync.Mutex
	ended bool
	done  chan struct{}
}

// Done implements StreamHandle.
func (s *MockStream) Done() <-chan struct{} { return s.done }

// Unbind implements StreamHandle.
func (s *MockStream) Unbind() error {
	s.end()
	return nil
}

// EndStream simulates end-of-stream from the platform side.
func (s *MockStream) EndStream() { s.end() }

func (s *MockStream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.done)
	}
}
