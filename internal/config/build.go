package config

import (
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	mcpgateway "github.com/vikashloomba/mcp-aggregator-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

// Version is reported to clients and upstreams.
var Version = "1.0.0"

// ServerConfigs converts the enabled servers into upstream pool entries.
func (c *Config) ServerConfigs() map[string]mcpmgr.ServerConfig {
	out := make(map[string]mcpmgr.ServerConfig, len(c.Servers))
	for _, name := range c.EnabledServers() {
		out[name] = c.Servers[name].toManager()
	}
	return out
}

func (s *ServerConfig) toManager() mcpmgr.ServerConfig {
	base := mcpmgr.BaseServerConfig{Timeout: s.Timeout}
	kind, _ := mcpmgr.ParseTransport(s.Transport)
	if kind == mcpmgr.TransportStdio {
		return &mcpmgr.StdioServerConfig{
			BaseServerConfig: base,
			Command:          s.Command,
			Args:             append([]string(nil), s.Args...),
			Env:              s.Env,
		}
	}
	cfg := &mcpmgr.HTTPServerConfig{
		BaseServerConfig: base,
		Endpoint:         s.URL,
		APIKey:           s.APIKey,
	}
	if len(s.Headers) > 0 {
		cfg.Headers = make(http.Header, len(s.Headers))
		for k, v := range s.Headers {
			cfg.Headers.Set(k, v)
		}
	}
	if kind == mcpmgr.TransportSSE {
		preferSSE := true
		cfg.PreferSSE = &preferSSE
	}
	return cfg
}

func (c *Config) namespace() mcpgateway.NamespaceStrategy {
	prefix := mcpgateway.ServerPrefixNamespace{Separator: c.NamespaceSeparator}
	if c.NamespaceStyle == "suffix" {
		return mcpgateway.ServerSuffixNamespace{ServerPrefixNamespace: prefix}
	}
	return prefix
}

// ManagerOptions returns the upstream pool options.
func (c *Config) ManagerOptions(logger *slog.Logger) *mcpmgr.ManagerOptions {
	return &mcpmgr.ManagerOptions{
		DefaultClientName:    c.Name,
		DefaultClientVersion: Version,
		Policy:               mcpmgr.CapabilityPolicy(c.ReconnectPolicy),
		Logger:               logger,
	}
}

// GatewayOptions returns the gateway options. Metrics, tracing and logging
// are left for the caller.
func (c *Config) GatewayOptions() *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Implementation: &mcp.Implementation{Name: c.Name, Version: Version},
		Addr:           c.Listen,
		Path:           c.Path,
		Namespace:      c.namespace(),
		RequestTimeout: c.RequestTimeout,
		IdleTimeout:    c.IdleTimeout,
	}
	if c.Auth.Enabled() {
		var jwtVerifier auth.TokenVerifier
		if c.Auth.JWTSecret != "" {
			jwtVerifier = mcpgateway.JWTVerifier([]byte(c.Auth.JWTSecret), c.Auth.JWTIssuer)
		}
		var static auth.TokenVerifier
		if len(c.Auth.BearerTokens) > 0 {
			static = mcpgateway.StaticTokenVerifier(c.Auth.BearerTokens...)
		}
		opts.TokenVerifier = mcpgateway.ChainVerifiers(static, jwtVerifier)
		opts.TokenOptions = &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: c.Auth.ResourceMetadataURL,
			Scopes:              c.Auth.RequiredScopes,
		}
	}
	if c.CORS != nil && len(c.CORS.AllowedOrigins) > 0 {
		opts.CORS = &cors.Options{
			AllowedOrigins:   c.CORS.AllowedOrigins,
			AllowCredentials: c.CORS.AllowCredentials,
		}
	}
	return opts
}
