package mcpmgr

import "strings"

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio  ConfigTransport = "stdio"
	TransportHTTP   ConfigTransport = "http"
	TransportSSE    ConfigTransport = "sse"
	TransportCustom ConfigTransport = "custom"
)

// ParseTransport maps a configuration string onto a ConfigTransport. The
// empty string and "streamable" select HTTP.
func ParseTransport(value string) (ConfigTransport, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "http", "streamable", "streamable-http":
		return TransportHTTP, true
	case "sse":
		return TransportSSE, true
	case "stdio":
		return TransportStdio, true
	default:
		return "", false
	}
}

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		if c.PreferSSE != nil && *c.PreferSSE {
			return TransportSSE
		}
		return TransportHTTP
	case *CustomServerConfig:
		return TransportCustom
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	_, ok := cfg.(*HTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig, returning (nil, false) when it
// does not match.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}
