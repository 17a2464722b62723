package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Upstreams is the view of the upstream pool the gateway routes through.
// *mcpmgr.Manager satisfies it.
type Upstreams interface {
	ListServers() []string
	State(serverID string) mcpmgr.State
	Capabilities(serverID string) *mcpmgr.Capabilities

	CallTool(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)

	OnStateChange(fn func(mcpmgr.StateChange))
	OnCapabilitiesChanged(fn func(serverID string, caps *mcpmgr.Capabilities))
	OnProgress(fn mcpmgr.ProgressHandler)
}

var _ Upstreams = (*mcpmgr.Manager)(nil)

// Protocol revisions the gateway can speak, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

const (
	methodInitialize             = "initialize"
	methodPing                   = "ping"
	methodToolsList              = "tools/list"
	methodToolsCall              = "tools/call"
	methodPromptsList            = "prompts/list"
	methodPromptsGet             = "prompts/get"
	methodResourcesList          = "resources/list"
	methodResourceTemplatesList  = "resources/templates/list"
	methodResourcesRead          = "resources/read"
	notificationInitialized      = "notifications/initialized"
	notificationCancelled        = "notifications/cancelled"
	notificationToolsChanged     = "notifications/tools/list_changed"
	notificationPromptsChanged   = "notifications/prompts/list_changed"
	notificationResourcesChanged = "notifications/resources/list_changed"
)

// dispatcher answers local methods from the aggregated index and forwards
// the rest to the owning upstream.
type dispatcher struct {
	upstreams Upstreams
	index     *featureIndex
	pending   *pendingTable
	progress  *progressTracker

	impl           *mcp.Implementation
	instructions   string
	requestTimeout time.Duration

	logger  *slog.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// forwardCall is a resolved request ready to send upstream.
type forwardCall struct {
	serverID string
	invoke   func(ctx context.Context) (any, error)
	release  func()
}

// handle routes one inbound message from s.
func (d *dispatcher) handle(ctx context.Context, s *ClientSession, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		if m.ID.IsValid() {
			d.dispatch(ctx, s, m)
			return
		}
		d.notification(s, m)
	case *jsonrpc.Response:
		d.logger.Debug("ignoring client response", slog.String("session", s.ID()), slog.Any("id", m.ID.Raw()))
	}
}

func (d *dispatcher) notification(s *ClientSession, n *jsonrpc.Request) {
	switch n.Method {
	case notificationInitialized:
		s.markInitialized()
	case notificationCancelled:
		var params struct {
			RequestID any    `json:"requestId"`
			Reason    string `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			d.logger.Debug("bad cancellation", slog.String("session", s.ID()), slog.Any("error", err))
			return
		}
		id, err := jsonrpc.MakeID(params.RequestID)
		if err != nil || !id.IsValid() {
			d.logger.Debug("bad cancellation id", slog.String("session", s.ID()), slog.Any("requestId", params.RequestID))
			return
		}
		if d.cancel(s, id) {
			d.logger.Debug("request cancelled", slog.String("session", s.ID()), slog.Any("id", id.Raw()), slog.String("reason", params.Reason))
		}
	default:
		d.logger.Debug("ignoring notification", slog.String("session", s.ID()), slog.String("method", n.Method))
	}
}

// dispatch answers req. Local methods reply before dispatch returns;
// forwarded methods reply from their own goroutine.
func (d *dispatcher) dispatch(ctx context.Context, s *ClientSession, req *jsonrpc.Request) {
	started := d.now()
	ctx, span := d.tracer.Start(ctx, "mcp.dispatch", trace.WithAttributes(
		attribute.String("mcp.method", req.Method),
		attribute.String("mcp.session", s.ID()),
	))
	finish := func(serverID string, release func()) func(error) {
		return func(err error) {
			if release != nil {
				release()
			}
			d.metrics.ObserveDispatch(req.Method, outcome(err), d.now().Sub(started).Seconds())
			if serverID != "" {
				span.SetAttributes(attribute.String("mcp.server", serverID))
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}

	if result, local, err := d.local(s, req); local {
		finish("", nil)(err)
		d.reply(s, req.ID, result, err)
		return
	}

	call, err := d.resolve(s, req)
	if err == nil && d.upstreams.State(call.serverID) != mcpmgr.StateReady {
		err = &Error{Kind: KindUpstreamUnavailable, Code: CodeUpstreamUnavailable, Message: "upstream unavailable", Server: call.serverID}
	}
	if err != nil {
		if call != nil && call.release != nil {
			call.release()
		}
		finish("", nil)(err)
		d.reply(s, req.ID, nil, err)
		return
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingRequest{
		key:      keyFor(s.ID(), req.ID),
		id:       req.ID,
		session:  s,
		serverID: call.serverID,
		method:   req.Method,
		started:  started,
		ctx:      callCtx,
		cancel:   cancel,
		finish:   finish(call.serverID, call.release),
	}
	if err := d.pending.add(p); err != nil {
		cancel()
		p.finish(err)
		d.reply(s, req.ID, nil, err)
		return
	}
	if !d.begin() {
		d.pending.remove(p)
		cancel()
		err := &Error{Kind: KindInternal, Code: CodeInternalError, Message: "gateway shutting down"}
		p.finish(err)
		d.reply(s, req.ID, nil, err)
		return
	}
	go d.run(p, call.invoke)
}

// begin registers a forwarded request unless the dispatcher is closing.
func (d *dispatcher) begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Add(1)
	return true
}

// run forwards p and answers it, unless a timeout, cancellation or session
// close claimed it first.
func (d *dispatcher) run(p *pendingRequest, invoke func(context.Context) (any, error)) {
	defer d.wg.Done()
	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := invoke(p.ctx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(d.requestTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if !d.pending.remove(p) {
			return
		}
		p.cancel()
		err := r.err
		if err != nil {
			err = classify(err, p.serverID)
			d.logger.Debug("upstream call failed",
				slog.String("server", p.serverID),
				slog.String("method", p.method),
				slog.String("session", p.session.ID()),
				slog.Any("error", r.err))
		}
		p.finish(err)
		d.reply(p.session, p.id, r.value, err)
	case <-timer.C:
		if !d.pending.remove(p) {
			return
		}
		p.cancel()
		err := &Error{Kind: KindTimeout, Code: CodeTimeout, Message: "request timed out", Server: p.serverID}
		d.logger.Warn("upstream request timed out",
			slog.String("server", p.serverID),
			slog.String("method", p.method),
			slog.String("session", p.session.ID()))
		p.finish(err)
		d.reply(p.session, p.id, nil, err)
	case <-p.ctx.Done():
	}
}

func (d *dispatcher) reply(s *ClientSession, id jsonrpc.ID, result any, err error) {
	resp := &jsonrpc.Response{ID: id}
	if err == nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			err = &Error{Kind: KindInternal, Code: CodeInternalError, Message: "encode result", Err: mErr}
		} else {
			resp.Result = raw
		}
	}
	if err != nil {
		resp.Error = wireError(err)
	}
	if dErr := s.deliver(resp); dErr != nil {
		d.logger.Debug("response dropped", slog.String("session", s.ID()), slog.Any("id", id.Raw()), slog.Any("error", dErr))
	}
}

// local answers methods served by the gateway itself. handled is false when
// req must be forwarded.
func (d *dispatcher) local(s *ClientSession, req *jsonrpc.Request) (result any, handled bool, err error) {
	switch req.Method {
	case methodInitialize:
		res, err := d.initialize(s, req.Params)
		return res, true, err
	case methodPing:
		return struct{}{}, true, nil
	case methodToolsList:
		return &mcp.ListToolsResult{Tools: d.index.Tools()}, true, nil
	case methodPromptsList:
		return &mcp.ListPromptsResult{Prompts: d.index.Prompts()}, true, nil
	case methodResourcesList:
		return &mcp.ListResourcesResult{Resources: d.index.Resources()}, true, nil
	case methodResourceTemplatesList:
		return &mcp.ListResourceTemplatesResult{ResourceTemplates: d.index.ResourceTemplates()}, true, nil
	case methodToolsCall, methodPromptsGet, methodResourcesRead:
		return nil, false, nil
	default:
		return nil, true, methodNotFound(req.Method)
	}
}

func (d *dispatcher) initialize(s *ClientSession, raw json.RawMessage) (*mcp.InitializeResult, error) {
	var params mcp.InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams(err)
		}
	}
	version := negotiateVersion(params.ProtocolVersion)
	s.setInitialize(version, params.ClientInfo, params.Capabilities)
	if params.ClientInfo != nil {
		d.logger.Info("client initialized",
			slog.String("session", s.ID()),
			slog.String("client", params.ClientInfo.Name),
			slog.String("protocol", version))
	}
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      d.impl,
		Instructions:    d.instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools:     &mcp.ToolCapabilities{ListChanged: true},
			Prompts:   &mcp.PromptCapabilities{ListChanged: true},
			Resources: &mcp.ResourceCapabilities{ListChanged: true},
		},
	}, nil
}

func negotiateVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return supportedProtocolVersions[0]
}

// resolve maps a forwarded request onto its owning upstream and native name.
func (d *dispatcher) resolve(s *ClientSession, req *jsonrpc.Request) (*forwardCall, error) {
	switch req.Method {
	case methodToolsCall:
		var in struct {
			Meta      map[string]any  `json:"_meta,omitempty"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if err := decodeParams(req.Params, &in); err != nil {
			return nil, err
		}
		if in.Name == "" {
			return nil, invalidParams(errors.New("missing tool name"))
		}
		target, ok := d.index.ResolveTool(in.Name)
		if !ok {
			return nil, unknownCapability("tool", in.Name)
		}
		params := &mcp.CallToolParams{Meta: in.Meta, Name: target.NativeName}
		if len(in.Arguments) > 0 {
			params.Arguments = in.Arguments
		}
		release := d.progress.track(target.ServerID, s, params)
		return &forwardCall{
			serverID: target.ServerID,
			release:  release,
			invoke: func(ctx context.Context) (any, error) {
				res, err := d.upstreams.CallTool(ctx, target.ServerID, params)
				if err != nil {
					return nil, err
				}
				d.translateToolResult(target.ServerID, res)
				return res, nil
			},
		}, nil

	case methodPromptsGet:
		var params mcp.GetPromptParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, invalidParams(errors.New("missing prompt name"))
		}
		target, ok := d.index.ResolvePrompt(params.Name)
		if !ok {
			return nil, unknownCapability("prompt", params.Name)
		}
		params.Name = target.NativeName
		release := d.progress.track(target.ServerID, s, &params)
		return &forwardCall{
			serverID: target.ServerID,
			release:  release,
			invoke: func(ctx context.Context) (any, error) {
				res, err := d.upstreams.GetPrompt(ctx, target.ServerID, &params)
				if err != nil {
					return nil, err
				}
				d.translatePromptResult(target.ServerID, res)
				return res, nil
			},
		}, nil

	case methodResourcesRead:
		var params mcp.ReadResourceParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, invalidParams(errors.New("missing resource uri"))
		}
		target, ok := d.index.ResolveResource(params.URI)
		if !ok {
			return nil, unknownCapability("resource", params.URI)
		}
		requested := resourceRequest{exposed: params.URI, native: target.NativeURI}
		params.URI = target.NativeURI
		release := d.progress.track(target.ServerID, s, &params)
		return &forwardCall{
			serverID: target.ServerID,
			release:  release,
			invoke: func(ctx context.Context) (any, error) {
				res, err := d.upstreams.ReadResource(ctx, target.ServerID, &params)
				if err != nil {
					return nil, err
				}
				d.translateReadResult(target.ServerID, requested, res)
				return res, nil
			},
		}, nil
	}
	return nil, methodNotFound(req.Method)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

// cancel cancels the pending request id on s and acknowledges it with a
// Cancelled error. It reports whether the request was still pending.
func (d *dispatcher) cancel(s *ClientSession, id jsonrpc.ID) bool {
	p := d.pending.take(keyFor(s.ID(), id))
	if p == nil {
		return false
	}
	p.cancel()
	err := &Error{Kind: KindCancelled, Code: CodeRequestCancelled, Message: "request cancelled", Server: p.serverID}
	p.finish(err)
	d.reply(s, p.id, nil, err)
	return true
}

// abandon cancels every request of a closed session without answering.
func (d *dispatcher) abandon(s *ClientSession) {
	for _, p := range d.pending.drainSession(s.ID()) {
		p.cancel()
		p.finish(&Error{Kind: KindCancelled, Code: CodeRequestCancelled, Message: "session closed", Server: p.serverID, Err: s.Err()})
	}
}

// wait refuses new forwarded requests and blocks until the in-flight ones
// have settled.
func (d *dispatcher) wait() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.wg.Wait()
}
