package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	appconfig "github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/agent/telemetry"
	"github.com/openscribe/fhirlink/internal/cache"
	"github.com/openscribe/fhirlink/internal/queue/streams"
	"github.com/openscribe/fhirlink/internal/store"
)

// RunWorker runs the refresh scheduler and stream consumer without the
// HTTP API, for deployments that scale workers separately from the API.
// It blocks until the process receives an interrupt.
func RunWorker(cfgPath string) error {
	cfg := appconfig.LoadConfig(cfgPath)
	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}
	defer st.DB.Close()

	rdb, err := cache.Connect(ctx, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer rdb.Close()

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()

	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	engine, err := core.NewEngine(cfg, llm, st, cache.NewDocCache(rdb, 0), tele)
	if err != nil {
		return err
	}

	if err := streams.EnsureGroup(ctx, rdb, cfg.Scheduler.Stream, cfg.Scheduler.Group); err != nil {
		return fmt.Errorf("refresh stream group: %w", err)
	}

	sched := &Scheduler{Store: st, Rdb: rdb, Publisher: streams.NewPublisher(rdb), Cfg: cfg.Scheduler, Stop: make(chan struct{})}
	sched.Start()
	defer close(sched.Stop)

	name := workerName()
	logger.Printf("consuming %s as %s", cfg.Scheduler.Stream, name)
	worker := NewRefreshWorker(st, engine, streams.NewConsumer(rdb, cfg.Scheduler.Group, name), cfg.Scheduler.Stream)
	worker.Run(ctx)
	return nil
}
