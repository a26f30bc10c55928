// Command marketcore runs the ingestion scheduler and strategy arena in one
// process: HTTP API, cron-driven plugin extraction, and the arena's
// discussion/competition/evaluation loops all share the same Postgres pool.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketcore/platform/pkg/api"
	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/calendar"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/competition"
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/database"
	"github.com/marketcore/platform/pkg/discussion"
	"github.com/marketcore/platform/pkg/evaluator"
	"github.com/marketcore/platform/pkg/llm"
	"github.com/marketcore/platform/pkg/ratelimit"
	"github.com/marketcore/platform/pkg/scheduler"
	"github.com/marketcore/platform/pkg/store"
	"github.com/marketcore/platform/pkg/stream"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	pluginDir := flag.String("plugin-dir", getEnv("PLUGIN_DIR", "./deploy/plugins"), "Path to plugin declaration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := config.LoadDotEnv(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("loading database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer dbClient.Close()
	slog.Info("connected to postgres", "host", dbCfg.Host, "database", dbCfg.Database)

	plugins, groups, err := config.DiscoverPlugins(*pluginDir)
	if err != nil {
		log.Fatalf("discovering plugins: %v", err)
	}
	registry, err := config.NewRegistry(plugins, groups, config.NewOverrideStore())
	if err != nil {
		log.Fatalf("building plugin registry: %v", err)
	}
	slog.Info("plugin registry loaded", "plugin_count", len(plugins), "group_count", len(groups))

	clk := clock.Real{}
	execStore := store.NewExecutionStore(dbClient.Pool, clk)
	synchronizer := store.NewSchemaSynchronizer(dbClient.Pool, clk)
	loader := store.NewLoader(dbClient.Pool, synchronizer, clk)
	governor := ratelimit.New()
	cal := calendar.NewWeekdayCalendar(nil)
	missing := store.NewMissingDataDetector(dbClient.Pool, registry, cal)

	sched, err := scheduler.New(scheduler.Config{
		DB:             dbClient.Pool,
		Registry:       registry,
		ExecutionStore: execStore,
		Loader:         loader,
		Governor:       governor,
		Calendar:       cal,
		Clock:          clk,
		WorkerCount:    8,
	})
	if err != nil {
		log.Fatalf("constructing scheduler: %v", err)
	}
	// Extractor registration is upstream-provider-specific (A-share/HK/ETF/
	// index feeds) and out of this module's scope; operators wire real
	// extractors via sched.RegisterExtractor before Start. A claimed SubTask
	// whose plugin has no registered extractor is marked failed with
	// ErrUnknownExtractor.
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("starting scheduler: %v", err)
	}
	defer sched.Stop()

	arenaMgr := arena.NewManager(dbClient.Pool, clk)
	processor := stream.New(clk)
	llmClient := llm.NewClient(llm.ConfigFromEnv())
	orchestrator := discussion.New(arenaMgr, processor, llmClient, clk)
	marketProvider := competition.NewMarketDataProvider(dbClient.Pool,
		getEnv("BENCHMARK_TABLE", "daily_bar"),
		getEnv("BENCHMARK_DATE_COLUMN", "trade_date"),
		getEnv("BENCHMARK_CLOSE_COLUMN", "close"),
		getEnv("BENCHMARK_REGIME_COLUMN", ""),
	)
	compEngine := competition.New(arenaMgr, marketProvider)
	eval := evaluator.New(arenaMgr, clk)
	if err := eval.Start(ctx); err != nil {
		log.Fatalf("starting evaluator: %v", err)
	}
	defer eval.Stop()

	server := api.NewServer(api.Dependencies{
		DB:           dbClient,
		Scheduler:    sched,
		ExecStore:    execStore,
		Missing:      missing,
		Registry:     registry,
		ArenaMgr:     arenaMgr,
		Orchestrator: orchestrator,
		Competition:  compEngine,
		Evaluator:    eval,
		Processor:    processor,
	})

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Handler(),
	}

	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}
}
