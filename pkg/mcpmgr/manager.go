package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var errManagerClosed = errors.New("mcpmgr: manager closed")

// ServerSummary is a point-in-time view of one managed server.
type ServerSummary struct {
	ID        string
	Transport ConfigTransport
	State     State
	LastError string

	Tools             int
	Prompts           int
	Resources         int
	ResourceTemplates int
}

// Capabilities is the result of one discovery pass against an upstream.
type Capabilities struct {
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
	DiscoveredAt      time.Time
}

// ProgressHandler receives progress notifications emitted by an upstream.
type ProgressHandler func(serverID string, params *mcp.ProgressNotificationParams)

// Manager coordinates MCP client sessions across multiple servers.
type Manager struct {
	mu      sync.RWMutex
	options ManagerOptions
	logger  *slog.Logger
	states  map[string]*managedState
	closed  bool

	// ctx scopes background reconnects; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	obsMu             sync.RWMutex
	stateObservers    []func(StateChange)
	capObservers      []func(serverID string, caps *Capabilities)
	progressObservers []ProgressHandler
}

type managedState struct {
	config    ServerConfig
	state     State
	client    *mcp.Client
	session   *mcp.ClientSession
	transport ConfigTransport
	caps      *Capabilities
	lastErr   error

	// retry spaces out background reconnects; reset on success.
	retry     *backoff.ExponentialBackOff
	connectCh chan struct{}
	reconnect *time.Timer
	// stopped is set by DisconnectServer and suppresses reconnects until the
	// next explicit ConnectToServer.
	stopped bool

	generation uint64
	refreshSeq uint64
}

type upstreamSession struct {
	session *mcp.ClientSession
	client  *mcp.Client
	kind    ConfigTransport
	caps    *Capabilities
}

// NewManager constructs a Manager with optional initial server configs.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) *Manager {
	normalized := opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		options: normalized,
		logger:  normalized.Logger,
		states:  make(map[string]*managedState, len(cfg)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for id, c := range cfg {
		if c == nil {
			continue
		}
		m.states[id] = &managedState{config: c, state: StateDisconnected}
	}
	if normalized.AutoConnect {
		for id := range m.states {
			go func(serverID string) {
				if _, err := m.connect(m.ctx, serverID, nil, false); err != nil {
					m.logger.Warn("initial connect failed", slog.String("server", serverID), slog.Any("error", err))
				}
			}(id)
		}
	}
	return m
}

// ListServers returns the configured server IDs in sorted order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether the manager knows about serverID.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[serverID]
	return ok
}

// State returns the lifecycle state of serverID, or "" when unknown.
func (m *Manager) State(serverID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.state
	}
	return ""
}

// Capabilities returns the last discovered capabilities for serverID. The
// result is nil when the server has never completed discovery, or when the
// FailClosed policy dropped them.
func (m *Manager) Capabilities(serverID string) *Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.caps
	}
	return nil
}

// GetServerSummaries reports state and capability counts for every server.
func (m *Manager) GetServerSummaries() []ServerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerSummary, 0, len(m.states))
	for id, st := range m.states {
		summary := ServerSummary{ID: id, Transport: TransportOf(st.config), State: st.state}
		if st.lastErr != nil {
			summary.LastError = st.lastErr.Error()
		}
		if st.caps != nil {
			summary.Tools = len(st.caps.Tools)
			summary.Prompts = len(st.caps.Prompts)
			summary.Resources = len(st.caps.Resources)
			summary.ResourceTemplates = len(st.caps.ResourceTemplates)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetServerConfig returns the config associated with serverID.
func (m *Manager) GetServerConfig(serverID string) ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.config
	}
	return nil
}

// OnStateChange registers an observer for lifecycle transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.stateObservers = append(m.stateObservers, fn)
	m.obsMu.Unlock()
}

// OnCapabilitiesChanged registers an observer that receives each fresh
// discovery result. A nil snapshot means the server's capabilities were
// withdrawn.
func (m *Manager) OnCapabilitiesChanged(fn func(serverID string, caps *Capabilities)) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.capObservers = append(m.capObservers, fn)
	m.obsMu.Unlock()
}

// OnProgress registers an observer for upstream progress notifications.
func (m *Manager) OnProgress(fn ProgressHandler) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.progressObservers = append(m.progressObservers, fn)
	m.obsMu.Unlock()
}

// ConnectAll dials every configured server concurrently and returns the
// joined connect errors.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(8)
	for _, id := range m.ListServers() {
		g.Go(func() error {
			if _, err := m.ConnectToServer(ctx, id, nil); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ConnectToServer ensures a Ready session exists for serverID, registering
// cfg when provided. Concurrent callers share one connection phase.
func (m *Manager) ConnectToServer(ctx context.Context, serverID string, cfg ServerConfig) (*mcp.ClientSession, error) {
	return m.connect(ctx, serverID, cfg, true)
}

func (m *Manager) connect(ctx context.Context, serverID string, cfg ServerConfig, explicit bool) (*mcp.ClientSession, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errManagerClosed
		}
		st, ok := m.states[serverID]
		if !ok {
			if cfg == nil {
				m.mu.Unlock()
				return nil, unknownServer(serverID)
			}
			st = &managedState{state: StateDisconnected}
			m.states[serverID] = st
		}
		if !explicit && st.stopped {
			m.mu.Unlock()
			return nil, &UnavailableError{ServerID: serverID, State: st.state, Err: errors.New("disconnected")}
		}
		if explicit {
			st.stopped = false
		}
		if cfg != nil && st.state != StateConnecting {
			st.config = cfg
		}
		if st.config == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("mcpmgr: no config for %q", serverID)
		}

		switch st.state {
		case StateReady:
			session := st.session
			m.mu.Unlock()
			return session, nil
		case StateConnecting:
			ch := st.connectCh
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if st.reconnect != nil {
			st.reconnect.Stop()
			st.reconnect = nil
		}
		change := st.transition(serverID, StateConnecting, nil)
		ch := make(chan struct{})
		st.connectCh = ch
		config := st.config
		m.mu.Unlock()
		m.emitState(change)

		up, err := m.connectWithRetry(ctx, serverID, config)
		return m.finishConnect(serverID, st, ch, config, up, err)
	}
}

func (m *Manager) finishConnect(serverID string, st *managedState, ch chan struct{}, config ServerConfig, up *upstreamSession, err error) (*mcp.ClientSession, error) {
	m.mu.Lock()
	defer close(ch)

	if m.states[serverID] != st || m.closed {
		m.mu.Unlock()
		if up != nil {
			_ = up.session.Close()
		}
		return nil, &UnavailableError{ServerID: serverID, State: StateDisconnected, Err: errors.New("server removed")}
	}

	if err == nil && st.stopped {
		_ = up.session.Close()
		err = errors.New("disconnected while connecting")
	}
	if err != nil {
		changes := []StateChange{st.transition(serverID, StateFailed, err)}
		if st.stopped {
			changes = append(changes, st.transition(serverID, StateDisconnected, nil))
		} else {
			m.scheduleReconnectLocked(serverID, st)
		}
		dropCaps := m.options.Policy == FailClosed && st.caps != nil
		if dropCaps {
			st.caps = nil
		}
		m.mu.Unlock()
		m.emitState(changes...)
		if dropCaps {
			m.emitCapabilities(serverID, nil)
		}
		m.reportError(config, err)
		return nil, &UnavailableError{ServerID: serverID, State: StateFailed, Err: err}
	}

	st.session, st.client, st.transport = up.session, up.client, up.kind
	st.caps = up.caps
	st.retry = nil
	st.lastErr = nil
	st.generation++
	change := st.transition(serverID, StateReady, nil)
	m.mu.Unlock()

	m.logger.Info("upstream ready",
		slog.String("server", serverID),
		slog.String("transport", string(up.kind)),
		slog.Int("tools", len(up.caps.Tools)),
		slog.Int("prompts", len(up.caps.Prompts)),
		slog.Int("resources", len(up.caps.Resources)))
	m.emitCapabilities(serverID, up.caps)
	m.emitState(change)
	go m.monitorSession(serverID, st, up.session)
	return up.session, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, serverID string, cfg ServerConfig) (*upstreamSession, error) {
	policy := m.options.Retry
	timeout := m.timeoutFor(cfg)
	delays := policy.Backoff.NewBackOff()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, delays.NextBackOff()); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}
		up, err := m.establishSession(ctx, serverID, cfg, timeout)
		if err == nil {
			caps, derr := m.discover(ctx, up.session, timeout)
			if derr == nil {
				up.caps = caps
				return up, nil
			}
			_ = up.session.Close()
			err = fmt.Errorf("discovery: %w", derr)
		}
		lastErr = err
		m.logger.Warn("upstream connect attempt failed",
			slog.String("server", serverID),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Any("error", err))
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (m *Manager) establishSession(ctx context.Context, serverID string, cfg ServerConfig, timeout time.Duration) (*upstreamSession, error) {
	base := cfg.base()
	impl := &mcp.Implementation{
		Name:    m.effectiveClientName(serverID),
		Version: m.effectiveClientVersion(base),
	}
	clientOpts := m.composeClientOptions(serverID, base)
	rpcLogger := m.resolveRPCLogger(base)

	connectCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	plan, err := m.buildDialPlan(connectCtx, serverID, cfg)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, candidate := range plan {
		transport := candidate.transport
		if rpcLogger != nil {
			transport = &loggingTransport{serverID: serverID, delegate: transport, logger: rpcLogger}
		}
		client := mcp.NewClient(impl, &clientOpts)
		session, err := client.Connect(connectCtx, transport, nil)
		if err == nil {
			return &upstreamSession{session: session, client: client, kind: candidate.kind}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", candidate.kind, err))
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) discover(ctx context.Context, session *mcp.ClientSession, timeout time.Duration) (*Capabilities, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	caps := &Capabilities{DiscoveredAt: time.Now()}
	var err error
	caps.Tools, err = paginate("tools/list", func(cursor string) ([]*mcp.Tool, string, error) {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, "", err
		}
		return res.Tools, res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	caps.Prompts, err = paginate("prompts/list", func(cursor string) ([]*mcp.Prompt, string, error) {
		res, err := session.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, "", err
		}
		return res.Prompts, res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	caps.Resources, err = paginate("resources/list", func(cursor string) ([]*mcp.Resource, string, error) {
		res, err := session.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, "", err
		}
		return res.Resources, res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	caps.ResourceTemplates, err = paginate("resources/templates/list", func(cursor string) ([]*mcp.ResourceTemplate, string, error) {
		res, err := session.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			return nil, "", err
		}
		return res.ResourceTemplates, res.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// paginate drains a cursor-paginated listing. Servers that do not implement
// method yield an empty list.
func paginate[T any](method string, fetch func(cursor string) ([]T, string, error)) ([]T, error) {
	var (
		out    []T
		cursor string
	)
	for {
		page, next, err := fetch(cursor)
		if err != nil {
			if isMethodUnavailableError(err, method) {
				return out, nil
			}
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		out = append(out, page...)
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

func (m *Manager) monitorSession(serverID string, st *managedState, session *mcp.ClientSession) {
	err := session.Wait()

	m.mu.Lock()
	if m.states[serverID] != st || st.session != session {
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("session closed")
	}
	st.session, st.client = nil, nil
	change := st.transition(serverID, StateFailed, err)
	dropCaps := m.options.Policy == FailClosed && st.caps != nil
	if dropCaps {
		st.caps = nil
	}
	config := st.config
	m.scheduleReconnectLocked(serverID, st)
	m.mu.Unlock()

	m.logger.Warn("upstream session lost", slog.String("server", serverID), slog.Any("error", err))
	m.emitState(change)
	if dropCaps {
		m.emitCapabilities(serverID, nil)
	}
	m.reportError(config, err)
}

func (m *Manager) scheduleReconnectLocked(serverID string, st *managedState) {
	if m.closed || st.stopped {
		return
	}
	if st.reconnect != nil {
		st.reconnect.Stop()
	}
	if st.retry == nil {
		st.retry = m.options.Retry.Backoff.NewBackOff()
	}
	delay := st.retry.NextBackOff()
	m.logger.Debug("scheduling reconnect", slog.String("server", serverID), slog.Duration("delay", delay))
	st.reconnect = time.AfterFunc(delay, func() {
		if _, err := m.connect(m.ctx, serverID, nil, false); err != nil {
			m.logger.Debug("background reconnect failed", slog.String("server", serverID), slog.Any("error", err))
		}
	})
}

func (m *Manager) refresh(serverID string) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.state != StateReady || st.session == nil {
		m.mu.Unlock()
		return
	}
	st.refreshSeq++
	seq, gen, session := st.refreshSeq, st.generation, st.session
	timeout := m.timeoutFor(st.config)
	m.mu.Unlock()

	caps, err := m.discover(m.ctx, session, timeout)
	if err != nil {
		m.logger.Warn("capability refresh failed", slog.String("server", serverID), slog.Any("error", err))
		return
	}

	m.mu.Lock()
	if m.states[serverID] != st || st.generation != gen || st.refreshSeq != seq {
		m.mu.Unlock()
		return
	}
	st.caps = caps
	m.mu.Unlock()
	m.emitCapabilities(serverID, caps)
}

func (m *Manager) effectiveClientName(serverID string) string {
	if m.options.DefaultClientName != "" {
		return m.options.DefaultClientName
	}
	return serverID
}

func (m *Manager) effectiveClientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return m.options.DefaultClientVersion
}

func (m *Manager) timeoutFor(cfg ServerConfig) time.Duration {
	if cfg != nil && cfg.base().Timeout > 0 {
		return cfg.base().Timeout
	}
	return m.options.DefaultTimeout
}

// callTimeoutFor bounds forwarded requests. Only an explicit per-server
// timeout applies; otherwise the caller's context is the deadline.
func callTimeoutFor(cfg ServerConfig) time.Duration {
	if cfg == nil {
		return 0
	}
	return cfg.base().Timeout
}

func (m *Manager) reportError(cfg ServerConfig, err error) {
	if cfg == nil || err == nil {
		return
	}
	if onErr := cfg.base().OnError; onErr != nil {
		onErr(err)
	}
}

func (m *Manager) composeClientOptions(serverID string, base *BaseServerConfig) mcp.ClientOptions {
	opts := m.options.DefaultClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)

	originalTool := opts.ToolListChangedHandler
	originalPrompt := opts.PromptListChangedHandler
	originalResList := opts.ResourceListChangedHandler
	originalProgress := opts.ProgressNotificationHandler

	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if originalTool != nil {
			originalTool(ctx, req)
		}
		go m.refresh(serverID)
	}
	opts.PromptListChangedHandler = func(ctx context.Context, req *mcp.PromptListChangedRequest) {
		if originalPrompt != nil {
			originalPrompt(ctx, req)
		}
		go m.refresh(serverID)
	}
	opts.ResourceListChangedHandler = func(ctx context.Context, req *mcp.ResourceListChangedRequest) {
		if originalResList != nil {
			originalResList(ctx, req)
		}
		go m.refresh(serverID)
	}
	opts.ProgressNotificationHandler = func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
		if originalProgress != nil {
			originalProgress(ctx, req)
		}
		if req != nil && req.Params != nil {
			m.emitProgress(serverID, req.Params)
		}
	}
	return opts
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.PromptListChangedHandler != nil {
		dst.PromptListChangedHandler = src.PromptListChangedHandler
	}
	if src.ResourceListChangedHandler != nil {
		dst.ResourceListChangedHandler = src.ResourceListChangedHandler
	}
	if src.ResourceUpdatedHandler != nil {
		dst.ResourceUpdatedHandler = src.ResourceUpdatedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}

func (m *Manager) emitState(changes ...StateChange) {
	if len(changes) == 0 {
		return
	}
	m.obsMu.RLock()
	observers := append([]func(StateChange){}, m.stateObservers...)
	m.obsMu.RUnlock()
	for _, change := range changes {
		m.logger.Debug("upstream state",
			slog.String("server", change.ServerID),
			slog.String("from", string(change.From)),
			slog.String("to", string(change.To)))
		for _, fn := range observers {
			fn(change)
		}
	}
}

func (m *Manager) emitCapabilities(serverID string, caps *Capabilities) {
	m.obsMu.RLock()
	observers := append([]func(string, *Capabilities){}, m.capObservers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(serverID, caps)
	}
}

func (m *Manager) emitProgress(serverID string, params *mcp.ProgressNotificationParams) {
	m.obsMu.RLock()
	observers := append([]ProgressHandler{}, m.progressObservers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(serverID, params)
	}
}

// DisconnectServer closes the session for serverID and stops reconnecting
// until ConnectToServer is called again.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.stopped = true
	if st.reconnect != nil {
		st.reconnect.Stop()
		st.reconnect = nil
	}
	session := st.session
	var changes []StateChange
	switch st.state {
	case StateReady:
		st.session, st.client = nil, nil
		changes = append(changes,
			st.transition(serverID, StateFailed, nil),
			st.transition(serverID, StateDisconnected, nil))
	case StateFailed:
		changes = append(changes, st.transition(serverID, StateDisconnected, nil))
	}
	dropCaps := m.options.Policy == FailClosed && st.caps != nil
	if dropCaps {
		st.caps = nil
	}
	m.mu.Unlock()

	m.emitState(changes...)
	if dropCaps {
		m.emitCapabilities(serverID, nil)
	}
	if session != nil {
		return session.Close()
	}
	return nil
}

// DisconnectAllServers closes every session.
func (m *Manager) DisconnectAllServers(ctx context.Context) error {
	var errs []error
	for _, id := range m.ListServers() {
		if err := m.DisconnectServer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveServer disconnects serverID and forgets its configuration. Observers
// receive a nil capability snapshot for it.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	if err := m.DisconnectServer(ctx, serverID); err != nil {
		m.logger.Debug("close on remove", slog.String("server", serverID), slog.Any("error", err))
	}
	m.mu.Lock()
	_, ok := m.states[serverID]
	delete(m.states, serverID)
	m.mu.Unlock()
	if ok {
		m.emitCapabilities(serverID, nil)
	}
	return nil
}

// Close disconnects every server and cancels pending reconnects. The
// manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	return m.DisconnectAllServers(context.Background())
}

// PingServer sends a ping to the given server.
func (m *Manager) PingServer(ctx context.Context, serverID string, params *mcp.PingParams) error {
	session, timeout, err := m.readySession(serverID)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return m.classify(serverID, session, session.Ping(ctx, params))
}

// CallTool forwards tools/call to serverID.
func (m *Manager) CallTool(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, timeout, err := m.readySession(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	return res, m.classify(serverID, session, err)
}

// GetPrompt forwards prompts/get to serverID.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	session, timeout, err := m.readySession(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.GetPrompt(ctx, params)
	return res, m.classify(serverID, session, err)
}

// ReadResource forwards resources/read to serverID.
func (m *Manager) ReadResource(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	session, timeout, err := m.readySession(serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := session.ReadResource(ctx, params)
	return res, m.classify(serverID, session, err)
}

// readySession returns the live session for serverID without blocking. A
// server that was never dialed is kicked into connecting in the background.
func (m *Manager) readySession(serverID string) (*mcp.ClientSession, time.Duration, error) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.RUnlock()
		return nil, 0, unknownServer(serverID)
	}
	if st.state == StateReady && st.session != nil {
		session, timeout := st.session, callTimeoutFor(st.config)
		m.mu.RUnlock()
		return session, timeout, nil
	}
	state, lastErr := st.state, st.lastErr
	kick := state == StateDisconnected && !st.stopped && !m.closed
	m.mu.RUnlock()

	if kick {
		go func() {
			if _, err := m.connect(m.ctx, serverID, nil, false); err != nil {
				m.logger.Debug("on-demand connect failed", slog.String("server", serverID), slog.Any("error", err))
			}
		}()
	}
	return nil, 0, &UnavailableError{ServerID: serverID, State: state, Err: lastErr}
}

// classify marks errors caused by a lost session as unavailability.
func (m *Manager) classify(serverID string, session *mcp.ClientSession, err error) error {
	if err == nil {
		return nil
	}
	m.mu.RLock()
	st, ok := m.states[serverID]
	lost := !ok || st.session != session
	state := StateDisconnected
	if ok {
		state = st.state
	}
	m.mu.RUnlock()
	if lost || errors.Is(err, mcp.ErrConnectionClosed) {
		return &UnavailableError{ServerID: serverID, State: state, Err: err}
	}
	return err
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) && wireErr.Code == -32601 {
		return true
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	return method == "" || strings.Contains(lower, strings.ToLower(method)) || strings.Contains(lower, "method")
}
