// Package main is the entry point for the SmartSuite MCP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/config"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/engine"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/metrics"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/tools"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/upstream"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("smartsuite-mcp %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger. Stdout carries the MCP transport, so logs go to stderr
	// or a rotated file.
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting smartsuite-mcp",
		slog.String("version", version),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("timezone", cfg.Cache.Timezone),
	)

	store, err := cache.Open(cfg.Cache.Path, cache.Options{
		Logger:   logger,
		Location: cfg.Location(),
		TTLs:     cfg.TTLDefaults(),
	})
	if err != nil {
		logger.Error("failed to open cache", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()

	// The observer closes over the engine pointer because the client must
	// exist before the engine does.
	var eng *engine.Engine
	clientOpts := []upstream.Option{
		upstream.WithLogger(logger),
		upstream.WithObserver(func(method, endpoint string, duration time.Duration, err error) {
			m.RecordUpstreamCall(method, duration, upstreamStatus(err))
			if eng != nil {
				eng.RecordAPICall(method, endpoint)
			}
		}),
		upstream.WithMaxRetryTime(time.Duration(cfg.API.MaxRetrySeconds) * time.Second),
	}
	if cfg.API.BaseURL != "" {
		clientOpts = append(clientOpts, upstream.WithBaseURL(cfg.API.BaseURL))
	}
	client := upstream.New(cfg.API.Key, cfg.API.AccountID, clientOpts...)

	eng = engine.New(store, client, engine.Options{
		Logger:    logger,
		Observer:  m,
		AccountID: cfg.API.AccountID,
		EmailHint: cfg.API.EmailHint,
	})

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "smartsuite-mcp",
		Version: version,
	}, nil)
	tools.Register(server, eng, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// TTL hot-reload: rewrite the config file and new lifetimes apply
	// without a restart.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(fresh *config.Config) {
				store.SetTTLDefaults(fresh.TTLDefaults())
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Address, m)
		logger.Info("metrics listener enabled", slog.String("address", cfg.Metrics.Address))
		go func() {
			if err := metricsSrv.Start(); err != nil {
				logger.Error("metrics listener error", slog.String("error", err.Error()))
			}
		}()
	}

	runErr := server.Run(ctx, &mcp.StdioTransport{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("cache close error", slog.String("error", err.Error()))
	}

	if runErr != nil && ctx.Err() == nil {
		logger.Error("server error", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// upstreamStatus labels a failed upstream call for metrics; an empty string
// marks success.
func upstreamStatus(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.StatusCode)
	}
	return "error"
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
