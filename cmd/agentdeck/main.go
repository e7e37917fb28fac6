package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/gateway"
	"github.com/basket/agentdeck/internal/ingest"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/store"
	"github.com/basket/agentdeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownTimeout = 5 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentdeck %s - task report aggregation daemon

USAGE:
  %s                 Run the daemon
  %s status          Query a running daemon's /healthz

FLAGS:
`, Version, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTDECK_HOME              Data directory (default: ~/.agentdeck)
  AGENTDECK_BIND_ADDR         Listen address override
  AGENTDECK_STORAGE_BACKEND   file | sqlite
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Interactive terminals default to quiet file logging unless asked.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger failures leave a trace.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	st, err := store.Open(cfg.Storage)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	if err := st.Init(ctx); err != nil {
		fatalStartup(logger, "E_STORE_INIT", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)

	engine := ingest.New(st, eventBus, logger, limitsFromConfig(cfg))

	metrics, err := otel.NewIngestMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	watcher, err := config.NewWatcher(ctx, cfg.HomeDir, cfg, func(next config.Config) {
		engine.SetLimits(limitsFromConfig(next))
	}, logger)
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	gw := gateway.New(gateway.Config{
		Engine:            engine,
		Bus:               eventBus,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("startup phase", "phase", "server_listening", "addr", cfg.BindAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_HTTP_SERVE", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}

func limitsFromConfig(cfg config.Config) ingest.Limits {
	return ingest.Limits{
		OfflineTimeout:   cfg.OfflineTimeout(),
		HistoryMax:       cfg.HistoryMaxEntries,
		PreviewMaxImages: cfg.PreviewMaxImages,
		PreviewMaxBytes:  cfg.PreviewMaxBytes,
	}
}

// fatalStartup emits a structured fatal event with an explicit reason code
// and exits non-zero.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.ActionStartupFailed, reasonCode, message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
