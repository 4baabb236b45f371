// Market Sentinel: periodic crypto-news ingestion, LLM analysis, and
// Telegram reporting, with an authorized interactive command surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/market-sentinel/internal/analyzer"
	"github.com/arc-self/market-sentinel/internal/command"
	"github.com/arc-self/market-sentinel/internal/config"
	"github.com/arc-self/market-sentinel/internal/coordinator"
	"github.com/arc-self/market-sentinel/internal/events"
	"github.com/arc-self/market-sentinel/internal/fetcher"
	"github.com/arc-self/market-sentinel/internal/handler"
	"github.com/arc-self/market-sentinel/internal/llm"
	"github.com/arc-self/market-sentinel/internal/messenger"
	"github.com/arc-self/market-sentinel/internal/report"
	"github.com/arc-self/market-sentinel/internal/snapshot"
	"github.com/arc-self/market-sentinel/internal/store"
	"github.com/arc-self/market-sentinel/internal/telemetry"
	"github.com/arc-self/market-sentinel/internal/xtool"
)

// Exit codes: 0 clean shutdown or successful one-shot, 1 invalid
// configuration, 2 failed one-shot run, 3 unexpected fault.
const (
	exitOK     = 0
	exitConfig = 1
	exitRun    = 2
	exitFault  = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	configPath := flag.String("config", "", "path to sentinel.yaml (default: ./sentinel.yaml, /etc/sentinel)")
	once := flag.Bool("once", false, "execute a single run against the broadcast chat and exit")
	flag.Parse()

	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("unexpected fault", zap.Any("panic", r), zap.Stack("stack"))
			code = exitFault
		}
	}()

	// --- Configuration & Secrets ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfig
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		fmt.Fprintln(os.Stderr, "secret loading failed:", err)
		return exitConfig
	}
	if secrets.AnthropicAPIKey == "" {
		fmt.Fprintln(os.Stderr, "configuration invalid: ANTHROPIC_API_KEY is not set")
		return exitConfig
	}
	if secrets.TelegramToken == "" {
		fmt.Fprintln(os.Stderr, "configuration invalid: TELEGRAM_TOKEN is not set")
		return exitConfig
	}
	// Secrets are kept out of Config, so this dump is safe.
	logger.Debug("configuration loaded", zap.Any("config", cfg))

	// --- OpenTelemetry ---
	var metrics *telemetry.PipelineMetrics
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		tp, err := telemetry.InitTracerProvider(context.Background(), "market-sentinel", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "market-sentinel", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", otelEndpoint))
	}
	metrics, err = telemetry.NewPipelineMetrics()
	if err != nil {
		logger.Error("pipeline metrics registration failed", zap.Error(err))
		metrics = nil
	}

	// --- Store (Postgres, or in-memory without a DSN) ---
	storeOpts := store.Options{
		DedupWindow:       time.Duration(cfg.Storage.DedupWindowDays) * 24 * time.Hour,
		SentCacheTTL:      time.Duration(cfg.Storage.SentCacheTTLHours) * time.Hour,
		SentSummaryMax:    cfg.Storage.SentSummaryMaxChars,
		RetentionDays:     cfg.Storage.RetentionDays,
		ActiveWindowHours: cfg.TimeWindowHours,
	}
	dsn := secrets.PostgresDSN
	if dsn == "" {
		dsn = cfg.Storage.DSN
	}
	var st store.Store
	if dsn != "" {
		st, err = store.NewPostgres(context.Background(), dsn, storeOpts, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "store initialization failed:", err)
			return exitConfig
		}
	} else {
		logger.Warn("no Postgres DSN configured, using in-memory store; state will not survive a restart")
		st = store.NewMemory(storeOpts, logger)
	}
	defer st.Close()

	// --- LLM, Snapshot Provider, Analyzer ---
	usage := llm.NewUsage()
	llmClient := llm.NewAnthropic(secrets.AnthropicAPIKey, usage, metrics, logger)
	snapshots := snapshot.NewCached(llmClient, cfg.LLM.SnapshotModel,
		time.Duration(cfg.LLM.SnapshotTTLMinutes)*time.Minute, logger)
	analysis := analyzer.New(llmClient, cfg.LLM, logger)

	// --- Fetchers ---
	registry := fetcher.NewRegistry(
		fetcher.NewRSS(time.Duration(cfg.Fetch.RSSTimeoutSeconds)*time.Second, logger),
		fetcher.NewX(xtool.NewRunner(cfg.X.ToolPath, logger), cfg.X, logger),
		fetcher.NewREST(time.Duration(cfg.Fetch.RESTTimeoutSeconds)*time.Second, logger),
	)
	if err := registry.ValidateSources(cfg.Sources); err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfig
	}

	// --- Messenger (Telegram) ---
	tg, err := messenger.NewTelegram(secrets.TelegramToken, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "telegram initialization failed:", err)
		return exitConfig
	}
	defer tg.Close()

	renderer := report.NewRenderer(cfg.MaxMessageChars, cfg.DisplayLocation(), tg.Escaper())

	// --- Run Events (NATS JetStream, optional) ---
	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, run events disabled", zap.Error(err))
		} else {
			publisher = nats
			defer nats.Close()
		}
	}

	// --- Coordinator ---
	coord := coordinator.New(cfg, st, registry, analysis, snapshots, renderer, tg, publisher, metrics, logger)

	if *once {
		logger.Info("one-shot mode, executing a single run")
		if err := coord.RunOnce(context.Background()); err != nil {
			logger.Error("one-shot run failed", zap.Error(err))
			return exitRun
		}
		return exitOK
	}

	// --- Scheduler ---
	var sched *coordinator.Scheduler
	if cfg.SchedulerEnabled {
		sched = coordinator.NewScheduler(coord, cfg.ExecutionInterval(), logger)
		if err := sched.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "configuration invalid:", err)
			return exitConfig
		}
	}

	// --- Command Surface ---
	surfaceCtx, stopSurface := context.WithCancel(context.Background())
	defer stopSurface()
	if cfg.Command.Enabled {
		surface := command.NewSurface(cfg, coord, tg, snapshots, usage,
			messenger.MarkdownV2Escaper().Text, logger)
		surface.ResolveAuthorized(surfaceCtx)
		go surface.Serve(surfaceCtx)
	}

	// --- Ops HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("market-sentinel"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	handler.NewOpsHandler(coord, usage).Register(e)

	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.AdminListen))
		if err := e.Start(cfg.AdminListen); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failure", zap.Error(err))
		}
	}()

	logger.Info("market-sentinel started",
		zap.Int("sources", len(cfg.Sources)),
		zap.Duration("interval", cfg.ExecutionInterval()),
		zap.Bool("scheduler", cfg.SchedulerEnabled),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")
	if sched != nil {
		sched.Stop()
	}
	stopSurface()
	coord.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	logger.Info("market-sentinel shut down cleanly")
	return exitOK
}
