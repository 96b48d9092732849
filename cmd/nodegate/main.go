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
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/nodegate/internal/approval"
	"github.com/basket/nodegate/internal/audit"
	"github.com/basket/nodegate/internal/bus"
	"github.com/basket/nodegate/internal/config"
	"github.com/basket/nodegate/internal/gateway"
	"github.com/basket/nodegate/internal/maintenance"
	"github.com/basket/nodegate/internal/nodes"
	otelPkg "github.com/basket/nodegate/internal/otel"
	"github.com/basket/nodegate/internal/persistence"
	"github.com/basket/nodegate/internal/subagents"
	"github.com/basket/nodegate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func defaultHomeDir() string {
	if v := os.Getenv("NODEGATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodegate"
	}
	return filepath.Join(home, ".nodegate")
}

// fatalStartup records a startup failure to the audit trail before exiting.
// When the logger is not up yet the message still reaches stderr as JSON.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n", reasonCode, message)
	}
	os.Exit(1)
}

func main() {
	homeFlag := flag.String("home", defaultHomeDir(), "gateway home directory")
	quietFlag := flag.Bool("quiet", false, "log to file only, not stdout")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("nodegate", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *homeFlag
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger-init failures are audited.
	if err := audit.Init(homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Piped non-interactive output defaults to quiet; the log file has it all.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	quiet := *quietFlag || !interactive

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("nodegate starting", "version", Version, "home", homeDir,
		"bind_addr", cfg.BindAddr, "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	store, err := persistence.Open(persistence.DefaultDBPath(homeDir), logger)
	if err != nil {
		fatalStartup(logger, "E_PERSISTENCE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	eventBus := bus.New()
	nodeStore := nodes.NewStore()
	approvals := approval.NewStore(time.Duration(cfg.Exec.ApprovalTimeoutSeconds)*time.Second, logger)

	// The registry announces through the gateway, which does not exist yet.
	// Startup is single-threaded, so the late bind is safe: no run can reach
	// a terminal state before the server below is constructed.
	var srv *gateway.Server
	registry := subagents.NewRegistry(subagents.Config{
		Grace:         cfg.GracePeriod(),
		ArchiveAfter:  cfg.ArchiveAfter(),
		MaxConcurrent: cfg.Subagents.MaxConcurrent,
		Announce: func(run subagents.Snapshot, outcome subagents.Outcome) error {
			if srv == nil {
				return errors.New("gateway not ready")
			}
			return srv.AnnounceOutcome(run, outcome)
		},
		Recorder: store,
		Bus:      eventBus,
		Logger:   logger,
	})

	srv, err = gateway.New(gateway.Config{
		Auth: cfg.Auth,
		Exec: cfg.Exec,
		NodeOverrides: nodes.Overrides{
			AllowCommands: cfg.Gateway.Nodes.AllowCommands,
			DenyCommands:  cfg.Gateway.Nodes.DenyCommands,
		},
		ProtectedRoutes:   cfg.Gateway.ProtectedRoutes,
		ConfigFingerprint: cfg.Fingerprint(),
		IdleTimeout:       time.Duration(cfg.Gateway.IdleTimeoutSeconds) * time.Second,
		RateLimit:         cfg.RateLimit,
		CanvasTTL:         time.Duration(cfg.Gateway.CanvasTokenTTLSeconds) * time.Second,
		Bus:               eventBus,
		Registry:          registry,
		Nodes:             nodeStore,
		Approvals:         approvals,
		Store:             store,
		Runner:            &loopbackRunner{logger: logger},
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	// Metrics ride the bus; handlers publish and the recorder counts.
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	metricsRecorder := otelPkg.StartRecorder(ctx, eventBus, metrics)
	defer metricsRecorder.Stop()

	sweeper, err := maintenance.NewScheduler(maintenance.Config{
		Schedule: cfg.Maintenance.Schedule,
		Logger:   logger,
		Sweepers: []maintenance.Sweeper{
			{Name: "subagent_archive", Run: registry.SweepArchived},
			{Name: "rate_limit_windows", Run: func() int {
				return srv.Limiter().EvictStale(10 * time.Minute)
			}},
			{Name: "canvas_tokens", Run: srv.Canvas().Sweep},
			{Name: "approvals", Run: approvals.Sweep},
			{Name: "run_history", Run: func() int {
				removed, err := store.PruneRuns(30 * 24 * time.Hour)
				if err != nil {
					logger.Warn("run history prune failed", "error", err)
				}
				return removed
			}},
		},
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load(homeDir)
			if err != nil {
				logger.Error("config reload rejected; retaining previous config", "error", err)
				continue
			}
			srv.Reload(gateway.ReloadConfig{
				Auth: newCfg.Auth,
				Exec: newCfg.Exec,
				NodeOverrides: nodes.Overrides{
					AllowCommands: newCfg.Gateway.Nodes.AllowCommands,
					DenyCommands:  newCfg.Gateway.Nodes.DenyCommands,
				},
				ProtectedRoutes:   newCfg.Gateway.ProtectedRoutes,
				ConfigFingerprint: newCfg.Fingerprint(),
			})
			logger.Info("config hot-reloaded", "config_fingerprint", newCfg.Fingerprint())
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_HTTP_LISTEN", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("nodegate stopped")
}

// loopbackRunner acknowledges agent dispatches without invoking a model.
// A real deployment replaces this with a backend that talks to the agent
// runtime; the gateway only brokers either way.
type loopbackRunner struct {
	logger *slog.Logger
}

func (r *loopbackRunner) Run(_ context.Context, params gateway.AgentParams) (gateway.AgentResult, error) {
	r.logger.Info("agent dispatch", "run_id", params.RunID,
		"session_key", params.SessionKey, "agent_id", params.AgentID)
	return gateway.AgentResult{
		Reply: fmt.Sprintf("accepted run %s for session %s", params.RunID, params.SessionKey),
	}, nil
}
