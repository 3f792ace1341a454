package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	appconfig "github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/agent/telemetry"
	"github.com/openscribe/fhirlink/internal/auth"
	"github.com/openscribe/fhirlink/internal/cache"
	"github.com/openscribe/fhirlink/internal/queue/streams"
	"github.com/openscribe/fhirlink/internal/store"
)

// Run wires storage, redis, the discovery engine and the HTTP API together
// and serves until the process exits.
func Run(cfgPath, addr string) error {
	cfg := appconfig.LoadConfig(cfgPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()

	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}

	rdb, err := cache.Connect(ctx, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	docCache := cache.NewDocCache(rdb, 0)

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	engine, err := core.NewEngine(cfg, llm, st, docCache, tele)
	if err != nil {
		return err
	}

	secret, err := auth.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(tele.Handler()))

	api := e.Group("/api")
	authHandler := &AuthHandler{Store: st, Secret: secret}
	authHandler.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(auth.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	publisher := streams.NewPublisher(rdb)
	mh := &MappingsHandler{Store: st, Engine: engine, Publisher: publisher, Stream: cfg.Scheduler.Stream}
	mh.Register(api.Group("/mappings"), secret)

	rh := &RunsHandler{Store: st}
	rh.Register(api.Group("/runs"), secret)

	bh := &BundlesHandler{Store: st}
	bh.Register(api.Group("/bundles"), secret)

	if cfg.Scheduler.Enabled {
		if err := streams.EnsureGroup(ctx, rdb, cfg.Scheduler.Stream, cfg.Scheduler.Group); err != nil {
			return fmt.Errorf("refresh stream group: %w", err)
		}
		sched := &Scheduler{Store: st, Rdb: rdb, Publisher: publisher, Cfg: cfg.Scheduler, Stop: make(chan struct{})}
		sched.Start()

		worker := NewRefreshWorker(st, engine, streams.NewConsumer(rdb, cfg.Scheduler.Group, workerName()), cfg.Scheduler.Stream)
		go worker.Run(ctx)
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10002"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
