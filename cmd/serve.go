package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nextlevelbuilder/agentmemory/internal/config"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
	"github.com/nextlevelbuilder/agentmemory/internal/embedbackfill"
	"github.com/nextlevelbuilder/agentmemory/internal/embedqueue"
	"github.com/nextlevelbuilder/agentmemory/internal/mcptransport"
	"github.com/nextlevelbuilder/agentmemory/internal/metrics"
	"github.com/nextlevelbuilder/agentmemory/internal/session"
	"github.com/nextlevelbuilder/agentmemory/internal/tenancy"
	"github.com/nextlevelbuilder/agentmemory/internal/toolapi"
)

const (
	backfillCronExpr   = "*/5 * * * *" // every 5 minutes
	compactionCronExpr = "*/10 * * * *"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP memory service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runServe wires the HTTP+SSE/JSON-RPC surface (C10), the tool dispatcher
// (bridging to C2/C3/C8), and the background embedding/compaction workers
// (C4/C5/C7) into one process, following the teacher's runGateway shape
// (cmd/gateway.go): set up logging, load config, construct components,
// install signal-triggered graceful shutdown, serve.
func runServe() {
	metrics.SetupLogging(verbose)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if stop, err := config.Watch(cfgPath, cfg); err != nil {
		slog.Warn("config hot-reload watcher unavailable", "error", err)
	} else {
		defer stop()
	}

	db, err := dbx.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := dbx.EnsureControlPlaneSchema(db); err != nil {
		slog.Error("failed to ensure control-plane schema", "error", err)
		os.Exit(1)
	}

	controlStore := tenancy.NewControlPlaneSQLStore(db)
	router := tenancy.NewRouter(controlStore, filepath.Dir(cfg.Database.Path))

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background())
	metricsProvider, err := metrics.New(meterProvider)
	if err != nil {
		slog.Error("failed to build metrics provider", "error", err)
		os.Exit(1)
	}

	embedProvider := embedqueue.NewGatewayProvider(cfg.Embedding.GatewayBaseURL, cfg.Embedding.GatewayAPIKey)
	queue := embedqueue.New(db, embedProvider, embedqueue.Config{
		GatewayBaseURL:     cfg.Embedding.GatewayBaseURL,
		GatewayAPIKey:      cfg.Embedding.GatewayAPIKey,
		DefaultMaxAttempts: cfg.Embedding.MaxAttempts,
		RetryBase:          time.Duration(cfg.Embedding.RetryBaseMs) * time.Millisecond,
		RetryMax:           time.Duration(cfg.Embedding.RetryMaxMs) * time.Millisecond,
		ProcessingTimeout:  time.Duration(cfg.Embedding.ProcessingTimeoutMs) * time.Millisecond,
		WorkerBatchSize:    cfg.Embedding.WorkerBatchSize,
	})
	queue.SetOutcomeRecorder(metricsProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := embedbackfill.Trigger(func() {
		go func() {
			if _, err := queue.ProcessDueJobs(ctx, cfg.Embedding.WorkerBatchSize); err != nil {
				slog.Warn("embedding queue drain failed", "error", err)
			}
		}()
	})
	backfiller := embedbackfill.New(db, queue, trigger)
	backfiller.SetProgressRecorder(metricsProvider)

	var dailyLog session.DailyLogWriter
	if cfg.OpenClaw.FileModeEnabled {
		w, err := session.NewFileDailyLog(cfg.OpenClaw.DailyLogDir)
		if err != nil {
			slog.Warn("openclaw daily log unavailable", "error", err)
		} else {
			dailyLog = w
		}
	}
	sessionMgr := session.New(db, dailyLog)

	toolDispatcher := toolapi.New(queue, cfg.Embedding.DefaultModelID, cfg.WorkingMemoryTTL())

	mcpHandler := mcptransport.NewHandler(router, toolDispatcher,
		cfg.Gateway.MaxConnectionsPerKey, cfg.Gateway.MaxConnectionsPerIP, cfg.Gateway.SessionIdleMs)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.Handle("/api/mcp", mcpHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go runBackgroundTicks(ctx, cfg, backfiller, sessionMgr)

	go func() {
		<-sigCh
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("memoryd starting", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// runBackgroundTicks gates the backfill and inactivity-compaction sweeps
// behind cron expressions, checked once a minute via gronx, the same
// "is this minute due" idiom spec.md §6 names for these two schedules.
// Both workers run against the default/local database only: the process's
// own control-plane handle, not every tenant database the router might
// route requests to (SPEC_FULL.md doesn't describe a tenant-enumeration
// sweep API, so a single-process deployment backfills/compacts its own
// local tenant; routed requests to other tenant handles still work, they
// just aren't background-swept by this process).
func runBackgroundTicks(ctx context.Context, cfg *config.Config, backfiller *embedbackfill.Backfiller, sessionMgr *session.Manager) {
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if due, _ := gron.IsDue(backfillCronExpr, now); due {
				scope := embedbackfill.Scope{ModelID: cfg.Embedding.DefaultModelID}
				if _, err := backfiller.RunBatch(ctx, scope, cfg.Embedding.BackfillBatchSize, cfg.Embedding.BackfillThrottleMs); err != nil {
					slog.Warn("backfill batch failed", "error", err)
				}
			}
			if due, _ := gron.IsDue(compactionCronExpr, now); due {
				opts := session.WorkerOptions{
					InactivityMinutes: cfg.Sessions.InactivityMinutes,
					Limit:             cfg.Sessions.CompactionLimit,
					EventWindow:       cfg.Sessions.EventWindow,
				}
				if _, err := sessionMgr.RunInactivityCompactionWorker(ctx, opts); err != nil {
					slog.Warn("inactivity compaction worker failed", "error", err)
				}
			}
		}
	}
}
