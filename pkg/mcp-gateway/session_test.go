package mcpgateway

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
)

func newTestSessionManager(idle time.Duration) (*SessionManager, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	m := newSessionManager(idle, quietLogger(), metrics.NewNoopMetrics())
	m.now = func() time.Time { return now }
	return m, &now
}

func TestSessionIDsAreUnique(t *testing.T) {
	m, _ := newTestSessionManager(0)
	seen := make(map[string]bool)
	for range 100 {
		s := m.Create(TransportHTTP)
		require.False(t, seen[s.ID()], "duplicate session id %s", s.ID())
		seen[s.ID()] = true
	}
	assert.Equal(t, 100, m.Len())
}

func TestSessionReapIdle(t *testing.T) {
	m, now := newTestSessionManager(time.Minute)
	var abandoned []string
	m.onClose = func(s *ClientSession) { abandoned = append(abandoned, s.ID()) }

	stale := m.Create(TransportHTTP)
	*now = now.Add(45 * time.Second)
	fresh := m.Create(TransportStdio)
	*now = now.Add(30 * time.Second)

	reaped := m.reapIdle()
	assert.Equal(t, []string{stale.ID()}, reaped)
	assert.Equal(t, []string{stale.ID()}, abandoned)
	assert.ErrorIs(t, stale.Err(), errIdle)
	assert.NoError(t, fresh.Err())

	_, ok := m.Get(stale.ID())
	assert.False(t, ok)

	fresh.touch(*now)
	*now = now.Add(59 * time.Second)
	assert.Empty(t, m.reapIdle(), "activity keeps a session alive")
}

func TestSessionReapDisabled(t *testing.T) {
	m, now := newTestSessionManager(-1)
	m.Create(TransportHTTP)
	*now = now.Add(24 * time.Hour)
	assert.Empty(t, m.reapIdle())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.runReaper(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper should exit immediately when disabled")
	}
}

func TestSessionBroadcastReachesOpenSessions(t *testing.T) {
	m, _ := newTestSessionManager(0)
	a := m.Create(TransportStdio)
	b := m.Create(TransportHTTP)
	c := m.Create(TransportHTTP)
	m.Close(c.ID(), nil)

	sent := m.Broadcast(&jsonrpc.Request{Method: notificationToolsChanged})
	assert.Equal(t, 2, sent)
	for _, s := range []*ClientSession{a, b} {
		select {
		case msg := <-s.outbox:
			assert.Equal(t, notificationToolsChanged, msg.(*jsonrpc.Request).Method)
		default:
			t.Fatalf("session %s missed the broadcast", s.ID())
		}
	}
	assert.ErrorIs(t, c.Err(), errSessionClosed)
}

func TestSessionNotifyDropsWhenOutboxFull(t *testing.T) {
	s := newClientSession(TransportHTTP, time.Now())
	for range outboxSize {
		require.True(t, s.notify(&jsonrpc.Request{Method: notificationToolsChanged}))
	}
	assert.False(t, s.notify(&jsonrpc.Request{Method: notificationToolsChanged}))

	id, err := jsonrpc.MakeID("late")
	require.NoError(t, err)
	assert.ErrorIs(t, s.deliver(&jsonrpc.Response{ID: id}), errOutboxFull, "http deliveries never block")
}

func TestSessionDeliverPrefersWaiter(t *testing.T) {
	s := newClientSession(TransportHTTP, time.Now())
	id, err := jsonrpc.MakeID(float64(4))
	require.NoError(t, err)

	ch, release, err := s.await(id)
	require.NoError(t, err)
	defer release()

	_, _, err = s.await(id)
	assert.Error(t, err, "an id may only be awaited once")

	require.NoError(t, s.deliver(&jsonrpc.Response{ID: id, Result: []byte(`{}`)}))
	select {
	case resp := <-ch:
		assert.Equal(t, int64(4), resp.ID.Raw())
	default:
		t.Fatal("waiter did not receive the response")
	}
	assert.Empty(t, s.outbox)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	m, _ := newTestSessionManager(0)
	s := m.Create(TransportStdio)
	assert.True(t, m.Close(s.ID(), errIdle))
	assert.False(t, m.Close(s.ID(), nil))
	assert.ErrorIs(t, s.Err(), errIdle)

	id, err := jsonrpc.MakeID(float64(1))
	require.NoError(t, err)
	assert.ErrorIs(t, s.deliver(&jsonrpc.Response{ID: id}), errSessionClosed)
}

func TestSessionCancelUnknownRequestIsNoop(t *testing.T) {
	g := newTestGateway(t, newFakeUpstreams().addServer("A", "echo"), nil)
	s := g.Sessions().Create(TransportHTTP)
	id, err := jsonrpc.MakeID("nope")
	require.NoError(t, err)

	assert.False(t, g.Sessions().Cancel(s, id))
	assert.Empty(t, s.outbox)
}
