package mcpgateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	notificationProgress = "notifications/progress"
	progressCleanupGrace = 250 * time.Millisecond
)

// progressCarrier is implemented by request params that carry a progress
// token in _meta.
type progressCarrier interface {
	GetMeta() map[string]any
	SetMeta(map[string]any)
	GetProgressToken() any
	SetProgressToken(any)
}

// progressRoute addresses one gateway-issued token. Tokens are only valid on
// the server they were handed to.
type progressRoute struct {
	server string
	token  any // string or int64
}

type progressTarget struct {
	session *ClientSession
	token   any
	seq     uint64
}

// progressTracker rewrites client progress tokens into gateway-scoped ones
// before forwarding, and routes upstream progress back to the originating
// session under the client's own token. Client tokens are never passed
// upstream, so two sessions using the same token cannot see each other's
// progress.
type progressTracker struct {
	issued atomic.Uint64

	mu     sync.Mutex
	routes map[progressRoute]progressTarget

	logger *slog.Logger
	// grace keeps a route alive briefly after the request settles, for
	// progress that races the final response.
	grace time.Duration
}

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		routes: make(map[progressRoute]progressTarget),
		logger: logger,
		grace:  progressCleanupGrace,
	}
}

// track swaps the client's progress token on params for a gateway token
// routed to session. The returned func releases the route.
func (pt *progressTracker) track(serverID string, session *ClientSession, params progressCarrier) func() {
	if params == nil || session == nil {
		return func() {}
	}
	original := params.GetProgressToken()
	if original == nil {
		return func() {}
	}
	if _, ok := normalizeProgressToken(original); !ok {
		pt.logger.Warn("unsupported progress token", slog.String("server", serverID), slog.Any("token", original))
		return func() {}
	}

	seq := pt.issued.Add(1)
	token := fmt.Sprintf("gw/%s/%d", serverID, seq)
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
	params.SetProgressToken(token)

	route := progressRoute{server: serverID, token: token}
	pt.mu.Lock()
	pt.routes[route] = progressTarget{session: session, token: original, seq: seq}
	pt.mu.Unlock()

	return func() {
		if pt.grace <= 0 {
			pt.drop(route, seq)
			return
		}
		time.AfterFunc(pt.grace, func() { pt.drop(route, seq) })
	}
}

func (pt *progressTracker) drop(route progressRoute, seq uint64) {
	pt.mu.Lock()
	if t, ok := pt.routes[route]; ok && t.seq == seq {
		delete(pt.routes, route)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.routes)
}

// relay forwards an upstream progress notification and reports whether it
// reached a session.
func (pt *progressTracker) relay(serverID string, params *mcp.ProgressNotificationParams) bool {
	if params == nil {
		return false
	}
	token, ok := normalizeProgressToken(params.ProgressToken)
	if !ok {
		return false
	}
	pt.mu.Lock()
	target, found := pt.routes[progressRoute{server: serverID, token: token}]
	pt.mu.Unlock()
	if !found {
		pt.logger.Debug("progress for unknown token", slog.String("server", serverID), slog.Any("token", params.ProgressToken))
		return false
	}

	out := *params
	out.ProgressToken = target.token
	raw, err := json.Marshal(&out)
	if err != nil {
		pt.logger.Warn("encode progress", slog.String("server", serverID), slog.Any("error", err))
		return false
	}
	return target.session.notify(&jsonrpc.Request{Method: notificationProgress, Params: raw})
}

// normalizeProgressToken maps a decoded token onto a comparable key:
// strings stay strings, integral numbers become int64.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return nil, false
	}
}
