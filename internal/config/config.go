// Package config loads the aggregator's YAML configuration and turns it into
// upstream pool and gateway options.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	mcpgateway "github.com/vikashloomba/mcp-aggregator-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

// Config is the on-disk configuration.
type Config struct {
	Name               string                   `yaml:"name"`
	Listen             string                   `yaml:"listen"`
	Path               string                   `yaml:"path"`
	Transport          string                   `yaml:"transport"`
	RequestTimeout     time.Duration            `yaml:"request_timeout"`
	IdleTimeout        time.Duration            `yaml:"idle_timeout"`
	ReconnectPolicy    string                   `yaml:"reconnect_policy"`
	NamespaceSeparator string                   `yaml:"namespace_separator"`
	NamespaceStyle     string                   `yaml:"namespace_style"`
	LogLevel           string                   `yaml:"log_level"`
	Auth               AuthConfig               `yaml:"auth"`
	CORS               *CORSConfig              `yaml:"cors"`
	ServersFile        string                   `yaml:"servers_file"`
	Servers            map[string]*ServerConfig `yaml:"servers"`
}

// AuthConfig enables bearer authentication on the HTTP endpoint.
type AuthConfig struct {
	BearerTokens        []string `yaml:"bearer_tokens"`
	JWTSecret           string   `yaml:"jwt_secret"`
	JWTIssuer           string   `yaml:"jwt_issuer"`
	ResourceMetadataURL string   `yaml:"resource_metadata_url"`
	RequiredScopes      []string `yaml:"required_scopes"`
}

// Enabled reports whether any verifier is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.BearerTokens) > 0 || a.JWTSecret != ""
}

// CORSConfig lists the browser origins allowed to reach the endpoint.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ServerConfig describes one upstream.
type ServerConfig struct {
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	APIKey    string            `yaml:"api_key"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	Disabled  bool              `yaml:"disabled"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
}

// Defaults applied to omitted fields.
const (
	DefaultName            = "mcp-aggregator"
	DefaultListen          = ":8080"
	DefaultPath            = "/mcp"
	DefaultTransport       = "http"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultReconnectPolicy = string(mcpmgr.StaleButAvailable)
	DefaultSeparator       = "."
	DefaultNamespaceStyle  = "prefix"
	DefaultLogLevel        = "info"
)

// Load reads the file at path, or starts from an empty configuration when
// path is empty, then applies environment fallbacks, defaults and
// validation. Validation failures are configuration errors.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{}, ".")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError(err, "read config %s", path)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML (or JSON) configuration. Relative servers_file paths are
// resolved against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configError(err, "parse config")
	}
	return finish(&cfg, baseDir)
}

func finish(cfg *Config, baseDir string) (*Config, error) {
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerConfig)
	}
	if cfg.ServersFile != "" {
		file := cfg.ServersFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		if err := mergeServersFile(cfg, file); err != nil {
			return nil, err
		}
	}
	applyEnvironment(cfg)
	resolveEnvVars(cfg)
	setDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment honours the single-upstream variables when nothing else
// configures a server.
func applyEnvironment(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = os.Getenv("NAME")
	}
	if cfg.Listen == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.Listen = ":" + port
		}
	}
	if len(cfg.Servers) > 0 {
		return
	}
	url := os.Getenv("MCP_SERVER_URL")
	if url == "" {
		return
	}
	name := os.Getenv("MCP_SERVER_NAME")
	if name == "" {
		name = "default"
	}
	transport := os.Getenv("MCP_SERVER_TRANSPORT")
	if transport == "" {
		transport = "http"
	}
	cfg.Servers[name] = &ServerConfig{URL: url, Transport: transport}
}

func resolveEnvVars(cfg *Config) {
	cfg.Auth.BearerTokens = resolveEnvSlice(cfg.Auth.BearerTokens)
	cfg.Auth.JWTSecret = ResolveEnvVar(cfg.Auth.JWTSecret)
	cfg.Auth.ResourceMetadataURL = ResolveEnvVar(cfg.Auth.ResourceMetadataURL)
	for _, s := range cfg.Servers {
		if s == nil {
			continue
		}
		s.URL = ResolveEnvVar(s.URL)
		s.APIKey = ResolveEnvVar(s.APIKey)
		s.Command = ResolveEnvVar(s.Command)
		resolveEnvMap(s.Headers)
		resolveEnvMap(s.Env)
	}
}

func setDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReconnectPolicy == "" {
		cfg.ReconnectPolicy = DefaultReconnectPolicy
	}
	if cfg.NamespaceSeparator == "" {
		cfg.NamespaceSeparator = DefaultSeparator
	}
	if cfg.NamespaceStyle == "" {
		cfg.NamespaceStyle = DefaultNamespaceStyle
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	for _, s := range cfg.Servers {
		if s != nil && s.Transport == "" && s.Command != "" {
			s.Transport = string(mcpmgr.TransportStdio)
		}
	}
}

// Validate checks cfg after defaults were applied.
func Validate(cfg *Config) error {
	switch cfg.Transport {
	case "http", "stdio":
	default:
		return configError(nil, "transport %q: want http or stdio", cfg.Transport)
	}
	switch mcpmgr.CapabilityPolicy(cfg.ReconnectPolicy) {
	case mcpmgr.StaleButAvailable, mcpmgr.FailClosed:
	default:
		return configError(nil, "reconnect_policy %q: want stale or fail-closed", cfg.ReconnectPolicy)
	}
	switch cfg.NamespaceStyle {
	case "prefix", "suffix":
	default:
		return configError(nil, "namespace_style %q: want prefix or suffix", cfg.NamespaceStyle)
	}
	if cfg.RequestTimeout < 0 {
		return configError(nil, "request_timeout must be positive")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	enabled := 0
	for _, name := range sortedNames(cfg.Servers) {
		s := cfg.Servers[name]
		if strings.TrimSpace(name) == "" {
			return configError(nil, "server with empty name")
		}
		if s == nil {
			return configError(nil, "server %q: empty definition", name)
		}
		if s.Disabled {
			continue
		}
		kind, ok := mcpmgr.ParseTransport(s.Transport)
		if !ok {
			return configError(nil, "server %q: unknown transport %q", name, s.Transport)
		}
		switch kind {
		case mcpmgr.TransportStdio:
			if s.Command == "" {
				return configError(nil, "server %q: stdio transport requires command", name)
			}
		default:
			if s.URL == "" {
				return configError(nil, "server %q: %s transport requires url", name, kind)
			}
		}
		if s.Timeout < 0 {
			return configError(nil, "server %q: timeout must be positive", name)
		}
		enabled++
	}
	if enabled == 0 {
		return configError(nil, "no upstream servers configured")
	}
	return nil
}

// ParseLogLevel maps debug, info, warn or error onto a slog level.
func ParseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return 0, configError(err, "log_level %q", value)
	}
	return level, nil
}

// EnabledServers lists the names of servers that are not disabled, sorted.
func (c *Config) EnabledServers() []string {
	var names []string
	for _, name := range sortedNames(c.Servers) {
		if s := c.Servers[name]; s != nil && !s.Disabled {
			names = append(names, name)
		}
	}
	return names
}

func sortedNames(servers map[string]*ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func configError(err error, format string, args ...any) error {
	return &mcpgateway.Error{
		Kind:    mcpgateway.KindConfiguration,
		Message: "config: " + fmt.Sprintf(format, args...),
		Err:     err,
	}
}
