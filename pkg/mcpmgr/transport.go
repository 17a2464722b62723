package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// dialPlan is the ordered list of transports tried for one connect attempt.
// HTTP upstreams yield streamable first and SSE as a fallback.
type dialPlan []namedTransport

type namedTransport struct {
	kind      ConfigTransport
	transport mcp.Transport
}

func (m *Manager) buildDialPlan(ctx context.Context, serverID string, cfg ServerConfig) (dialPlan, error) {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		t, err := buildStdioTransport(serverID, c)
		if err != nil {
			return nil, err
		}
		return dialPlan{{kind: TransportStdio, transport: t}}, nil
	case *HTTPServerConfig:
		return buildHTTPPlan(serverID, c)
	case *CustomServerConfig:
		if c.Dial == nil {
			return nil, fmt.Errorf("mcpmgr: dial func missing for %q", serverID)
		}
		t, err := c.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return dialPlan{{kind: TransportCustom, transport: t}}, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config for %q", serverID)
	}
}

func buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	// The child's stderr is its log channel; stdout carries the protocol.
	cmd.Stderr = os.Stderr
	return &mcp.CommandTransport{Command: cmd}, nil
}

func buildHTTPPlan(serverID string, cfg *HTTPServerConfig) (dialPlan, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcpmgr: endpoint missing for %q", serverID)
	}
	client := decorateHTTPClient(cfg.HTTPClient, requestHeaders(cfg), cfg.AuthProvider)
	streamable := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: client,
		MaxRetries: cfg.MaxRetries,
	}
	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client}
	if shouldPreferSSE(cfg) {
		return dialPlan{{kind: TransportSSE, transport: sse}}, nil
	}
	return dialPlan{
		{kind: TransportHTTP, transport: streamable},
		{kind: TransportSSE, transport: sse},
	}, nil
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func requestHeaders(cfg *HTTPServerConfig) http.Header {
	headers := cloneHeader(cfg.Headers)
	if cfg.APIKey == "" || cfg.AuthProvider != nil {
		return headers
	}
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Authorization") == "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return headers
}

func decorateHTTPClient(base *http.Client, headers http.Header, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         otelhttp.NewTransport(defaultRoundTripper(base.Transport)),
		headers:      headers,
		authProvider: provider,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

func (m *Manager) resolveRPCLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	if base.LogJSONRPC || m.options.DefaultLogJSONRPC {
		logger := m.logger
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc",
				slog.String("server", event.ServerID),
				slog.String("direction", string(event.Direction)),
				slog.String("message", string(event.Message)))
		}
	}
	return nil
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded, _ = json.Marshal(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}
