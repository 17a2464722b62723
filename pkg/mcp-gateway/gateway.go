package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

// Gateway fronts every upstream in the pool as a single MCP server reachable
// over stdio or HTTP.
type Gateway struct {
	upstreams Upstreams
	opts      Options

	index      *featureIndex
	progress   *progressTracker
	sessions   *SessionManager
	dispatcher *dispatcher

	httpHandler http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	httpServerMu sync.Mutex
	httpServer   *http.Server
	closeOnce    sync.Once
}

// New builds a Gateway over upstreams, seeds the aggregated namespace from
// whatever the pool has already discovered, and subscribes to pool changes.
// A pool without servers is a configuration error.
func New(upstreams Upstreams, opts *Options) (*Gateway, error) {
	if upstreams == nil {
		return nil, &Error{Kind: KindConfiguration, Message: "upstream pool is required"}
	}
	servers := upstreams.ListServers()
	if len(servers) == 0 {
		return nil, &Error{Kind: KindConfiguration, Message: "no upstream servers configured"}
	}
	options := opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		upstreams: upstreams,
		opts:      options,
		index:     newFeatureIndex(options.Namespace),
		progress:  newProgressTracker(options.Logger),
		sessions:  newSessionManager(options.IdleTimeout, options.Logger, options.Metrics),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.dispatcher = &dispatcher{
		upstreams:      upstreams,
		index:          g.index,
		pending:        newPendingTable(options.Metrics.SetPendingRequests),
		progress:       g.progress,
		impl:           options.Implementation,
		instructions:   options.Instructions,
		requestTimeout: options.RequestTimeout,
		logger:         options.Logger,
		metrics:        options.Metrics,
		tracer:         g.tracer(),
		now:            time.Now,
	}
	g.sessions.onClose = g.dispatcher.abandon
	g.sessions.cancel = g.dispatcher.cancel
	g.httpHandler = g.mountHandler()

	upstreams.OnCapabilitiesChanged(g.capabilitiesChanged)
	upstreams.OnProgress(func(serverID string, params *mcp.ProgressNotificationParams) {
		g.progress.relay(serverID, params)
	})
	upstreams.OnStateChange(g.stateChanged)

	for _, id := range servers {
		options.Metrics.SetUpstreamReady(id, upstreams.State(id) == mcpmgr.StateReady)
		if caps := upstreams.Capabilities(id); caps != nil {
			g.index.Register(id, caps)
		}
	}
	g.publishCatalogMetrics()

	go g.sessions.runReaper(ctx)
	return g, nil
}

// Handler exposes the HTTP handler serving the MCP endpoint, health probes
// and metrics.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Sessions exposes the live client sessions.
func (g *Gateway) Sessions() *SessionManager {
	return g.sessions
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		g.opts.Logger.Info("gateway listening", slog.String("addr", srv.Addr), slog.String("path", g.opts.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		g.sessions.CloseAll(errSessionClosed)
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	g.sessions.CloseAll(errSessionClosed)
	return srv.Shutdown(ctx)
}

// Close ends every session, stops the idle reaper and waits for in-flight
// requests to settle. The upstream pool is left to its owner.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.cancel()
		g.sessions.CloseAll(errSessionClosed)
		g.dispatcher.wait()
	})
	return nil
}

func (g *Gateway) capabilitiesChanged(serverID string, caps *mcpmgr.Capabilities) {
	change := g.index.Register(serverID, caps)
	if !change.Any() {
		return
	}
	g.publishCatalogMetrics()
	g.opts.Logger.Debug("catalog changed",
		slog.String("server", serverID),
		slog.Bool("tools", change.Tools),
		slog.Bool("prompts", change.Prompts),
		slog.Bool("resources", change.Resources))
	if change.Tools {
		g.sessions.Broadcast(&jsonrpc.Request{Method: notificationToolsChanged})
	}
	if change.Prompts {
		g.sessions.Broadcast(&jsonrpc.Request{Method: notificationPromptsChanged})
	}
	if change.Resources {
		g.sessions.Broadcast(&jsonrpc.Request{Method: notificationResourcesChanged})
	}
}

func (g *Gateway) stateChanged(c mcpmgr.StateChange) {
	g.opts.Metrics.SetUpstreamReady(c.ServerID, c.To == mcpmgr.StateReady)
	g.opts.Metrics.IncrementUpstreamTransitions(c.ServerID, string(c.To))
	attrs := []any{slog.String("server", c.ServerID), slog.String("from", string(c.From)), slog.String("to", string(c.To))}
	if c.Err != nil {
		attrs = append(attrs, slog.Any("error", c.Err))
	}
	if c.To == mcpmgr.StateFailed {
		g.opts.Logger.Warn("upstream state changed", attrs...)
		return
	}
	g.opts.Logger.Info("upstream state changed", attrs...)
}

func (g *Gateway) publishCatalogMetrics() {
	g.opts.Metrics.SetCatalogEntries("tools", len(g.index.Tools()))
	g.opts.Metrics.SetCatalogEntries("prompts", len(g.index.Prompts()))
	g.opts.Metrics.SetCatalogEntries("resources", len(g.index.Resources()))
	g.opts.Metrics.SetCatalogEntries("resource_templates", len(g.index.ResourceTemplates()))
}
