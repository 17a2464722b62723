package mcpgateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
)

// TransportKind names the inbound transport a session arrived on.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

const outboxSize = 256

var (
	errSessionClosed = errors.New("mcpgateway: session closed")
	errIdle          = errors.New("mcpgateway: session idle")
	errOutboxFull    = errors.New("mcpgateway: session outbox full")
)

// ClientSession is one logical client connection.
type ClientSession struct {
	id         string
	transport  TransportKind
	createdAt  time.Time
	lastActive atomic.Int64

	mu              sync.Mutex
	protocolVersion string
	clientInfo      *mcp.Implementation
	clientCaps      *mcp.ClientCapabilities
	initialized     bool
	framingErrors   int
	waiters         map[requestKey]chan *jsonrpc.Response

	outbox    chan jsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newClientSession(kind TransportKind, now time.Time) *ClientSession {
	s := &ClientSession{
		id:        uuid.NewString(),
		transport: kind,
		createdAt: now,
		waiters:   make(map[requestKey]chan *jsonrpc.Response),
		outbox:    make(chan jsonrpc.Message, outboxSize),
		done:      make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *ClientSession) ID() string               { return s.id }
func (s *ClientSession) Transport() TransportKind { return s.transport }
func (s *ClientSession) Done() <-chan struct{}    { return s.done }

// LastActivity is the time of the last inbound message.
func (s *ClientSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// ProtocolVersion is the version negotiated during initialize.
func (s *ClientSession) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo is the implementation the client reported during initialize.
func (s *ClientSession) ClientInfo() *mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Err reports why the session closed, or nil while it is open.
func (s *ClientSession) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *ClientSession) touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

func (s *ClientSession) setInitialize(version string, info *mcp.Implementation, caps *mcp.ClientCapabilities) {
	s.mu.Lock()
	s.protocolVersion = version
	s.clientInfo = info
	s.clientCaps = caps
	s.mu.Unlock()
}

func (s *ClientSession) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// framingError counts a malformed message and returns the consecutive total.
func (s *ClientSession) framingError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framingErrors++
	return s.framingErrors
}

func (s *ClientSession) framingOK() {
	s.mu.Lock()
	s.framingErrors = 0
	s.mu.Unlock()
}

// await registers interest in the response to id. Responses to awaited IDs
// bypass the outbox.
func (s *ClientSession) await(id jsonrpc.ID) (<-chan *jsonrpc.Response, func(), error) {
	key := keyFor(s.id, id)
	ch := make(chan *jsonrpc.Response, 1)
	s.mu.Lock()
	if _, dup := s.waiters[key]; dup {
		s.mu.Unlock()
		return nil, nil, invalidRequest("request id %v already in flight", id.Raw())
	}
	s.waiters[key] = ch
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		if s.waiters[key] == ch {
			delete(s.waiters, key)
		}
		s.mu.Unlock()
	}
	return ch, release, nil
}

// deliver hands a response to its waiter, or queues it for the writer.
// On stream sessions it blocks while the outbox is full.
func (s *ClientSession) deliver(resp *jsonrpc.Response) error {
	key := keyFor(s.id, resp.ID)
	s.mu.Lock()
	ch, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()
	if ok {
		ch <- resp
		return nil
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	if s.transport == TransportHTTP {
		// HTTP sessions may have no stream attached to drain the outbox.
		select {
		case s.outbox <- resp:
			return nil
		default:
			return errOutboxFull
		}
	}
	select {
	case s.outbox <- resp:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// notify queues a server notification, dropping it when the outbox is full.
func (s *ClientSession) notify(n *jsonrpc.Request) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- n:
		return true
	default:
		return false
	}
}

func (s *ClientSession) close(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = errSessionClosed
		}
		s.closeErr = reason
		close(s.done)
		closed = true
	})
	return closed
}

// SessionManager tracks live client sessions and reaps idle ones.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession

	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     metrics.Metrics
	now         func() time.Time

	// onClose runs after a session is removed; the dispatcher uses it to
	// abandon the session's pending requests.
	onClose func(*ClientSession)
	// cancel cancels one pending request and acknowledges it.
	cancel func(*ClientSession, jsonrpc.ID) bool
}

func newSessionManager(idleTimeout time.Duration, logger *slog.Logger, m metrics.Metrics) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*ClientSession),
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// Create registers a new session with a fresh UUID.
func (m *SessionManager) Create(kind TransportKind) *ClientSession {
	s := newClientSession(kind, m.now())
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.metrics.IncrementSessions(string(kind))
	m.logger.Debug("session opened", slog.String("session", s.id), slog.String("transport", string(kind)))
	return s
}

// Get looks up an open session.
func (m *SessionManager) Get(id string) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends the session, cancelling its in-flight requests.
func (m *SessionManager) Close(id string, reason error) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close(reason)
	if m.onClose != nil {
		m.onClose(s)
	}
	m.metrics.DecrementSessions(string(s.transport))
	m.logger.Debug("session closed", slog.String("session", id), slog.Any("reason", reason))
	return true
}

// CloseAll ends every session.
func (m *SessionManager) CloseAll(reason error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Close(id, reason)
	}
}

// Cancel cancels requestID on s. The upstream observes the cancellation, the
// eventual upstream answer is discarded, and the client receives a
// cancellation acknowledgment. Unknown requests are ignored.
func (m *SessionManager) Cancel(s *ClientSession, requestID jsonrpc.ID) bool {
	if m.cancel == nil || s == nil {
		return false
	}
	return m.cancel(s, requestID)
}

// Broadcast queues n on every open session and returns how many accepted it.
func (m *SessionManager) Broadcast(n *jsonrpc.Request) int {
	m.mu.RLock()
	targets := make([]*ClientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()
	sent := 0
	for _, s := range targets {
		if s.notify(n) {
			sent++
		}
	}
	return sent
}

// reapIdle closes sessions whose last inbound activity is older than the
// idle timeout.
func (m *SessionManager) reapIdle() []string {
	if m.idleTimeout <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.idleTimeout)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.logger.Info("closing idle session", slog.String("session", id))
		m.Close(id, errIdle)
	}
	return stale
}

// runReaper closes idle sessions until ctx is done.
func (m *SessionManager) runReaper(ctx context.Context) {
	if m.idleTimeout <= 0 {
		return
	}
	interval := m.idleTimeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}
