package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
	"go.opentelemetry.io/otel/trace"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway to clients during initialize.
	Implementation *mcp.Implementation
	// Instructions are returned to clients in the initialize result.
	Instructions string
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the MCP endpoint. Defaults to "/mcp".
	Path string
	// Namespace customizes how upstream names and URIs are exposed to downstream
	// clients. Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy

	// RequestTimeout bounds every forwarded request. Defaults to 30s.
	RequestTimeout time.Duration
	// IdleTimeout closes sessions without inbound traffic. Defaults to 10m;
	// negative disables reaping.
	IdleTimeout time.Duration
	// FramingErrorLimit is the number of consecutive malformed messages that
	// closes a session. Defaults to 2.
	FramingErrorLimit int
	// MaxMessageBytes caps a single inbound message. Defaults to 4 MiB.
	MaxMessageBytes int

	// TokenVerifier enables bearer authentication on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions carries the resource metadata URL and required scopes
	// applied by TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// CORS wraps the HTTP handler when set.
	CORS *cors.Options

	// Metrics receives gateway measurements. Defaults to a no-op sink.
	Metrics metrics.Metrics
	// TracerProvider supplies the dispatch tracer. Defaults to the global one.
	TracerProvider trace.TracerProvider
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful HTTP shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-aggregator",
			Title:   "MCP Aggregator",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.FramingErrorLimit <= 0 {
		opts.FramingErrorLimit = 2
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
