// Package app builds and holds the long-lived services: logger, metrics
// registry, rate-limit store, engines, dispatcher, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferozemohideen/harvester/internal/api"
	"github.com/ferozemohideen/harvester/internal/clock/system"
	"github.com/ferozemohideen/harvester/internal/config"
	"github.com/ferozemohideen/harvester/internal/dispatcher"
	"github.com/ferozemohideen/harvester/internal/extract/html"
	"github.com/ferozemohideen/harvester/internal/extract/pdf"
	"github.com/ferozemohideen/harvester/internal/fetcher/crawlframe"
	"github.com/ferozemohideen/harvester/internal/fetcher/detect"
	"github.com/ferozemohideen/harvester/internal/fetcher/headless"
	"github.com/ferozemohideen/harvester/internal/fetcher/static"
	"github.com/ferozemohideen/harvester/internal/logging"
	"github.com/ferozemohideen/harvester/internal/ratelimit"
	"github.com/ferozemohideen/harvester/internal/retrier"
	"github.com/ferozemohideen/harvester/internal/scraper"
	"github.com/ferozemohideen/harvester/internal/telemetry"
)

const memoryJanitorInterval = time.Minute

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	dispatch *dispatcher.Dispatcher
	server   *api.Server

	memStore    *ratelimit.MemoryStore
	redisClient *redis.Client
	headlessEng *headless.Fetcher
}

// Logger exposes the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Dispatcher exposes the scrape dispatcher for one-shot commands.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Build assembles the application from configuration, failing fast on any
// collaborator it cannot construct.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	sink, err := a.buildSink()
	if err != nil {
		return nil, err
	}
	store := a.buildStore(ctx)
	limiter := ratelimit.New(store, system.New(), logger.Named("ratelimit"))

	engines, err := a.buildEngines()
	if err != nil {
		return nil, err
	}

	a.dispatch, err = dispatcher.New(dispatcher.Deps{
		Limiter:  limiter,
		Profiles: cfg.RateProfiles(),
		Engines:  engines,
		Retries:  retrier.NewTable(cfg.RetryOverrides()),
		HTML:     html.New(html.Config{ValidateSelectors: cfg.HTML.ValidateSelectors}),
		PDF: pdf.New(pdf.Options{
			MaxFileSize:     cfg.PDF.MaxFileSize,
			MaxPages:        cfg.PDF.MaxPages,
			AllowEncrypted:  cfg.PDF.AllowEncrypted,
			AllowJavaScript: cfg.PDF.AllowJavaScript,
		}),
		Detector: detect.NewHeuristic(cfg.Dispatch.ShellThresholdBytes),
		Rules:    extractionRules(cfg.HTML.MultiValueFields),
		Sink:     sink,
		Clock:    system.New(),
		Logger:   logger.Named("dispatcher"),
	}, dispatcher.Config{
		MaxPermitWait:    cfg.Dispatch.MaxPermitWait(),
		EscalateHeadless: cfg.Dispatch.EscalateHeadless,
		RefundOnFailure:  cfg.Dispatch.RefundOnFailure,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher init: %w", err)
	}

	a.server = api.NewServer(a.dispatch, a.registry, logger.Named("api"))
	return a, nil
}

// extractionRules maps the configurable multi-value fields into per-field
// rules. Transform rules are code, not config, so only embedders add those.
func extractionRules(multiValue map[string][]string) map[string]map[string]html.Rule {
	if len(multiValue) == 0 {
		return nil
	}
	rules := make(map[string]map[string]html.Rule, len(multiValue))
	for institution, fields := range multiValue {
		perField := make(map[string]html.Rule, len(fields))
		for _, field := range fields {
			perField[field] = html.Rule{Kind: html.RuleMultiValue}
		}
		rules[institution] = perField
	}
	return rules
}

func (a *App) buildSink() (telemetry.Sink, error) {
	promSink, err := telemetry.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics sink init: %w", err)
	}
	return telemetry.MultiSink{
		telemetry.NewLogSink(a.logger.Named("events")),
		promSink,
	}, nil
}

// buildStore selects the shared window store. With no Redis address the
// window accounting is process-local.
func (a *App) buildStore(ctx context.Context) ratelimit.Store {
	lockTTL := a.cfg.RateLimits.LockTTL()
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using in-memory rate limit store")
		a.memStore = ratelimit.NewMemoryStore(ratelimit.WithLockTTL(lockTTL))
		return a.memStore
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(pingCtx).Err(); err != nil {
		// The limiter fails open, so an unreachable store degrades rather
		// than blocks startup.
		a.logger.Warn("redis unreachable at startup", zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
	} else {
		a.logger.Info("using redis rate limit store", zap.String("addr", a.cfg.Redis.Addr))
	}
	return ratelimit.NewRedisStore(a.redisClient, ratelimit.WithRedisLockTTL(lockTTL))
}

func (a *App) buildEngines() (map[scraper.EngineType]scraper.Fetcher, error) {
	engines := make(map[scraper.EngineType]scraper.Fetcher)

	staticCfg := a.cfg.Engines.Static
	staticEng, err := static.New(static.Config{
		UserAgent:      a.cfg.Scrape.UserAgent,
		Timeout:        staticCfg.Timeout(),
		MaxConcurrency: staticCfg.MaxConcurrency,
		MaxBodyBytes:   staticCfg.MaxBodyBytes,
		PerHostRPS:     staticCfg.PerHostRPS,
		RespectRobots:  a.cfg.Scrape.RespectRobots,
	})
	if err != nil {
		return nil, fmt.Errorf("static engine init: %w", err)
	}
	engines[scraper.EngineStatic] = staticEng

	if frameCfg := a.cfg.Engines.CrawlFramework; frameCfg.Enabled {
		frameEng, err := crawlframe.New(crawlframe.Config{
			UserAgent:      a.cfg.Scrape.UserAgent,
			Timeout:        frameCfg.Timeout(),
			MaxConcurrency: frameCfg.MaxConcurrency,
			MaxBodyBytes:   int(frameCfg.MaxBodyBytes),
		})
		if err != nil {
			return nil, fmt.Errorf("crawl-framework engine init: %w", err)
		}
		engines[scraper.EngineCrawlFramework] = frameEng
	}

	if headlessCfg := a.cfg.Engines.Headless; headlessCfg.Enabled {
		headlessEng, err := headless.New(headless.Config{
			MaxConcurrency:    headlessCfg.MaxConcurrency,
			UserAgent:         a.cfg.Scrape.UserAgent,
			NavigationTimeout: headlessCfg.Timeout(),
			WaitSelector:      headlessCfg.WaitSelector,
			MaxBodyBytes:      int(headlessCfg.MaxBodyBytes),
		})
		if err != nil {
			return nil, fmt.Errorf("headless engine init: %w", err)
		}
		a.headlessEng = headlessEng
		engines[scraper.EngineHeadless] = headlessEng
	}
	return engines, nil
}

// Run starts the HTTP server and blocks until the context finishes or a
// shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.memStore != nil {
		a.memStore.StartJanitor(ctx, memoryJanitorInterval)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.Close()
	return nil
}

// Close releases held resources.
func (a *App) Close() {
	if a.headlessEng != nil {
		a.headlessEng.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
