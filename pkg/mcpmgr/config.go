package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests initiated by the manager.
type HTTPAuthProvider func(context.Context) (string, error)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	// Timeout bounds each connect attempt and each forwarded request.
	Timeout    time.Duration
	Version    string
	OnError    func(error)
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// StdioServerConfig describes an MCP server launched as a child process and
// spoken to over its stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over the streamable HTTP
// transport, falling back to SSE.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	HTTPClient *http.Client
	MaxRetries int

	// Headers are added to every outbound request.
	Headers http.Header
	// APIKey, when set, is sent as "Authorization: Bearer <APIKey>" unless
	// AuthProvider or Headers already supply an Authorization header.
	APIKey       string
	AuthProvider HTTPAuthProvider
	// PreferSSE forces the legacy SSE transport. When nil, endpoints ending
	// in "/sse" select SSE.
	PreferSSE *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// CustomServerConfig hands transport construction to the caller. Dial is
// invoked once per connect attempt and must return a fresh transport each
// time.
type CustomServerConfig struct {
	BaseServerConfig
	Dial func(ctx context.Context) (mcp.Transport, error)
}

func (c *CustomServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// CapabilityPolicy controls what happens to cached capabilities while an
// upstream is unreachable.
type CapabilityPolicy string

const (
	// StaleButAvailable keeps the last discovered capabilities registered
	// until a replacement discovery completes.
	StaleButAvailable CapabilityPolicy = "stale"
	// FailClosed drops a server's capabilities as soon as its session is lost.
	FailClosed CapabilityPolicy = "fail-closed"
)

// RetryPolicy bounds connect attempts and spaces them out.
type RetryPolicy struct {
	// MaxAttempts is the number of dials tried before the server is marked
	// Failed. Defaults to 5.
	MaxAttempts int
	Backoff     Backoff
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	p.Backoff = p.Backoff.withDefaults()
	return p
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, the server ID is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout bounds connect attempts and discovery whenever a server
	// configuration omits an explicit timeout. Forwarded requests are not
	// bounded by it.
	DefaultTimeout time.Duration
	// DefaultClientOptions are merged into each server's BaseServerConfig
	// options prior to connection.
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC toggles logging of JSON-RPC traffic for all servers
	// unless overridden per server.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// AutoConnect instructs the manager to dial all configured servers in the
	// background immediately after construction.
	AutoConnect bool
	// Retry bounds connect attempts. Zero values select 5 attempts with a
	// 200ms base, 30s cap and ±20% jitter.
	Retry RetryPolicy
	// Policy selects the capability policy applied while a server is down.
	// Defaults to StaleButAvailable.
	Policy CapabilityPolicy
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = StaleButAvailable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Retry = opts.Retry.withDefaults()
	return opts
}
