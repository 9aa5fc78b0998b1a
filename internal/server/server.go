package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/discovery"
	"github.com/mohammad-safakhou/mentor/internal/discovery/fetch"
	"github.com/mohammad-safakhou/mentor/internal/ingest"
	"github.com/mohammad-safakhou/mentor/internal/queue/streams"
	"github.com/mohammad-safakhou/mentor/internal/runtime"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/internal/telemetry"
	"github.com/mohammad-safakhou/mentor/internal/trainer"
	"github.com/mohammad-safakhou/mentor/internal/vetting"
	openai_provider "github.com/mohammad-safakhou/mentor/provider/openai"
)

// platform bundles the wired components shared by the API server and the
// standalone worker.
type platform struct {
	store     *store.Store
	rdb       *redis.Client
	sched     *trainer.Scheduler
	manager   *trainer.Manager
	refresher *trainer.Refresher
	search    *ingest.SearchIndex
}

// buildPlatform wires store, LLM provider, discovery sources, vetting,
// ingestion, scheduler, and refresher. ctx is the process lifecycle the
// scheduler runs plans on.
func buildPlatform(ctx context.Context, cfg *config.Config, logger *log.Logger) (*platform, error) {
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		logger.Printf("warn: migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, err
	}

	// Redis is optional: without it plan locks and the feed stream are
	// disabled, which is fine for a single replica.
	var rdb *redis.Client
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	} else {
		logger.Printf("warn: redis not configured, plan locks and feed stream disabled")
	}

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured (llm.api_key)")
	}
	llm := openai_provider.New(cfg.LLM)
	metrics := telemetry.NewMetrics()

	sources := discovery.NewSources(cfg.Sources)
	fetcher := fetch.New(cfg.Sources.Fetcher)
	scorer := vetting.NewScorer(llm, cfg.Vetting, nil)

	ingestSvc := ingest.NewService(st, llm, cfg.Ingestion, nil)
	var searchIndex *ingest.SearchIndex
	if cfg.Ingestion.SearchIndexEnabled {
		searchIndex, err = ingest.NewSearchIndex(cfg.Ingestion.SearchIndexMaxDocs)
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		ingestSvc.WithSearchIndex(searchIndex)
	}
	if rdb != nil {
		ingestSvc.WithPublisher(streams.NewPublisher(rdb), cfg.Telemetry.FeedStream)
	}

	limiters := trainer.NewRateLimiters(cfg.Training.RequestsPerMinute)
	executor := trainer.NewTaskExecutor(sources, fetcher, st, scorer, ingestSvc, limiters, metrics,
		cfg.Training.ItemsPerPage, cfg.Ingestion.MinChunkSize, nil)

	meter := otel.Meter("mentor/trainer")
	sched := trainer.NewScheduler(ctx, st, executor, cfg.Training, metrics, rdb, meter, nil)

	sourceTypes := make([]string, 0, len(sources))
	for t := range sources {
		sourceTypes = append(sourceTypes, t)
	}
	manager := trainer.NewManager(st, sched, sourceTypes, nil)
	refresher := trainer.NewRefresher(st, manager, cfg.Training.RefreshInterval, nil)

	return &platform{
		store:     st,
		rdb:       rdb,
		sched:     sched,
		manager:   manager,
		refresher: refresher,
		search:    searchIndex,
	}, nil
}

// Run wires the whole platform together and serves the HTTP API.
func Run(cfg *config.Config, addr string) error {
	cfg.Normalize()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Plan runs must outlive any single HTTP request, so the scheduler gets
	// the process context, not a request context.
	ctx := context.Background()
	p, err := buildPlatform(ctx, cfg, baseLogger)
	if err != nil {
		return err
	}

	p.refresher.Start(ctx)
	if err := p.sched.ResumeRunning(ctx); err != nil {
		baseLogger.Printf("warn: resume running plans: %v", err)
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: p.store, Secret: secret}
	auth.Register(api.Group("/auth"))

	ph := &PlansHandler{Store: p.store, Manager: p.manager}
	ph.Register(api.Group("/plans"), secret)

	mh := &MemoriesHandler{Store: p.store, Index: p.search}
	mh.Register(api.Group("/agents"), secret)

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// RunWorker runs the scheduler and refresher without the public API:
// it resumes plans left running, trains until signaled, and exposes only
// health and metrics on the telemetry port.
func RunWorker(cfg *config.Config) error {
	cfg.Normalize()
	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPlatform(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Telemetry.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Printf("metrics listener: %v", err)
			}
		}()
	}

	p.refresher.Start(ctx)
	if err := p.sched.ResumeRunning(ctx); err != nil {
		logger.Printf("warn: resume running plans: %v", err)
	}

	<-ctx.Done()
	logger.Printf("shutting down, waiting for plan loops")
	p.refresher.Stop()
	p.sched.Wait()
	return nil
}
