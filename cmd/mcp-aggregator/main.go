// Command mcp-aggregator fronts a set of upstream MCP servers as a single
// MCP server over stdio or streamable HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-aggregator-go/internal/config"
	mcpgateway "github.com/vikashloomba/mcp-aggregator-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/metrics"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// Options are the command line flags.
type Options struct {
	Config    string `short:"c" long:"config" description:"YAML configuration file"`
	EnvFile   string `long:"env-file" description:"dotenv file loaded before the configuration" default:".env"`
	Addr      string `short:"a" long:"addr" description:"HTTP listen address, overrides listen"`
	Transport string `short:"t" long:"transport" description:"inbound transport, overrides transport" choice:"http" choice:"stdio"`
	LogLevel  string `long:"log-level" description:"debug, info, warn or error"`
	LogJSON   bool   `long:"log-json" description:"write JSON logs"`
	Check     bool   `long:"check" description:"connect to every upstream, print a summary and exit"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	var opts Options
	if _, err := flags.NewParser(&opts, flags.Default).ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return exitOK
		}
		return exitConfig
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		fmt.Fprintf(stderr, "mcp-aggregator: %v\n", err)
		return exitConfig
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, opts.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Check {
		return check(ctx, cfg, logger, os.Stdout)
	}
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("aggregator stopped", slog.Any("error", err))
		if errors.Is(err, mcpgateway.ErrConfiguration) {
			return exitConfig
		}
		return exitFatal
	}
	return exitOK
}

// loadConfig reads the env file, the configuration and the flag overrides.
func loadConfig(opts *Options) (*config.Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Addr != "" {
		cfg.Listen = opts.Addr
	}
	if opts.Transport != "" {
		cfg.Transport = opts.Transport
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, shutdownTracing, err := setupTracing(ctx, cfg.Name)
	if err != nil {
		return err
	}
	defer shutdownTracing(logger)

	manager := mcpmgr.NewManager(cfg.ServerConfigs(), cfg.ManagerOptions(logger))
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("closing upstreams", slog.Any("error", err))
		}
	}()
	opts := cfg.GatewayOptions()
	opts.Logger = logger
	opts.Metrics = metrics.NewMetrics(metrics.InstanceInfo{Name: cfg.Name, Version: config.Version})
	opts.TracerProvider = tp
	gw, err := mcpgateway.New(manager, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	// Upstreams register with the gateway as they come up. Servers that fail
	// keep retrying in the background and are reported as
	// UpstreamUnavailable until then.
	group.Go(func() error {
		if err := manager.ConnectAll(gctx); err != nil {
			logger.Warn("some upstreams failed to connect", slog.Any("error", err))
		}
		logSummaries(logger, manager)
		return nil
	})
	group.Go(func() error {
		defer cancel()
		if cfg.Transport == "stdio" {
			logger.Info("serving stdio", slog.String("name", cfg.Name))
			return gw.ServeStdio(gctx)
		}
		return gw.ListenAndServe(gctx)
	})
	err = group.Wait()
	// The transport has stopped, so no new requests can arrive.
	logger.Info("shutting down")
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	return err
}

func logSummaries(logger *slog.Logger, manager *mcpmgr.Manager) {
	for _, s := range manager.GetServerSummaries() {
		logger.Info("upstream",
			slog.String("server", s.ID),
			slog.String("transport", string(s.Transport)),
			slog.String("state", string(s.State)),
			slog.Int("tools", s.Tools),
			slog.Int("prompts", s.Prompts),
			slog.Int("resources", s.Resources))
	}
}

// check connects to the configured upstreams once and prints their state.
// It exits non-zero when none of them is Ready.
func check(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) int {
	manager := mcpmgr.NewManager(cfg.ServerConfigs(), cfg.ManagerOptions(logger))
	defer manager.Close()
	if err := manager.ConnectAll(ctx); err != nil {
		logger.Warn("some upstreams failed to connect", slog.Any("error", err))
	}
	ready := 0
	for _, s := range manager.GetServerSummaries() {
		fmt.Fprintf(out, "%-24s %-8s %-12s tools=%d prompts=%d resources=%d templates=%d",
			s.ID, s.Transport, s.State, s.Tools, s.Prompts, s.Resources, s.ResourceTemplates)
		if s.LastError != "" {
			fmt.Fprintf(out, " error=%q", s.LastError)
		}
		fmt.Fprintln(out)
		if s.State == mcpmgr.StateReady {
			ready++
		}
	}
	if ready == 0 {
		return exitFatal
	}
	return exitOK
}
