package mcpgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// requestKey identifies a client request within the gateway. String and
// numeric IDs are tagged so "1" and 1 never collide.
type requestKey struct {
	session string
	id      string
}

func keyFor(sessionID string, id jsonrpc.ID) requestKey {
	switch v := id.Raw().(type) {
	case string:
		return requestKey{session: sessionID, id: "s:" + v}
	case int64:
		return requestKey{session: sessionID, id: fmt.Sprintf("n:%d", v)}
	default:
		return requestKey{session: sessionID, id: fmt.Sprintf("x:%v", v)}
	}
}

// pendingRequest is a forwarded request awaiting its upstream answer.
type pendingRequest struct {
	key      requestKey
	id       jsonrpc.ID
	session  *ClientSession
	serverID string
	method   string
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	// finish records the outcome once the request leaves the table.
	finish func(err error)
}

// pendingTable owns every in-flight request. A request is answered by
// whichever of completion, timeout, cancellation or session close removes it
// first; the others find it gone and discard their result.
type pendingTable struct {
	mu        sync.Mutex
	entries   map[requestKey]*pendingRequest
	bySession map[string]map[requestKey]*pendingRequest
	onChange  func(n int)
}

func newPendingTable(onChange func(int)) *pendingTable {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &pendingTable{
		entries:   make(map[requestKey]*pendingRequest),
		bySession: make(map[string]map[requestKey]*pendingRequest),
		onChange:  onChange,
	}
}

func (t *pendingTable) add(p *pendingRequest) error {
	t.mu.Lock()
	if _, dup := t.entries[p.key]; dup {
		t.mu.Unlock()
		return invalidRequest("request id %v already in flight", p.id.Raw())
	}
	t.entries[p.key] = p
	set := t.bySession[p.key.session]
	if set == nil {
		set = make(map[requestKey]*pendingRequest)
		t.bySession[p.key.session] = set
	}
	set[p.key] = p
	n := len(t.entries)
	t.mu.Unlock()
	t.onChange(n)
	return nil
}

// take removes and returns the entry for key, or nil when it is gone.
func (t *pendingTable) take(key requestKey) *pendingRequest {
	t.mu.Lock()
	p, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	t.removeLocked(p)
	n := len(t.entries)
	t.mu.Unlock()
	t.onChange(n)
	return p
}

// remove deletes p if it is still the live entry for its key.
func (t *pendingTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	if t.entries[p.key] != p {
		t.mu.Unlock()
		return false
	}
	t.removeLocked(p)
	n := len(t.entries)
	t.mu.Unlock()
	t.onChange(n)
	return true
}

func (t *pendingTable) removeLocked(p *pendingRequest) {
	delete(t.entries, p.key)
	if set := t.bySession[p.key.session]; set != nil {
		delete(set, p.key)
		if len(set) == 0 {
			delete(t.bySession, p.key.session)
		}
	}
}

// drainSession removes and returns every entry belonging to sessionID.
func (t *pendingTable) drainSession(sessionID string) []*pendingRequest {
	t.mu.Lock()
	set := t.bySession[sessionID]
	out := make([]*pendingRequest, 0, len(set))
	for _, p := range set {
		delete(t.entries, p.key)
		out = append(out, p)
	}
	delete(t.bySession, sessionID)
	n := len(t.entries)
	t.mu.Unlock()
	if len(out) > 0 {
		t.onChange(n)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) countFor(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession[sessionID])
}
