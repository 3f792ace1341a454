package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/queue/streams"
	"github.com/openscribe/fhirlink/internal/store"
)

// Scheduler queues re-discovery jobs for mappings that have gone stale. It
// only enqueues; the RefreshWorker does the actual work.
type Scheduler struct {
	Store     *store.Store
	Rdb       *redis.Client
	Publisher jobPublisher
	Cfg       config.SchedulerConfig
	Stop      chan struct{}

	logger *log.Logger
	last   *time.Time
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ctx := context.Background()
	now := time.Now()
	if !isDue(s.Cfg.RefreshCron, s.last) {
		return
	}

	// distributed lock so only one replica enqueues per cycle
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "sched:lock:refresh", "1", s.Cfg.LockTTL).Result()
		if !ok {
			return
		}
	}

	cutoff := now.Add(-refreshInterval(s.Cfg.RefreshCron))
	ids, err := s.Store.ListMappingsUpdatedBefore(ctx, cutoff, 100)
	if err != nil {
		s.logger.Printf("list stale mappings: %v", err)
		return
	}
	queued := 0
	for _, id := range ids {
		// per-EMR lock so a still-pending refresh is not queued twice
		if s.Rdb != nil {
			ok, _ := s.Rdb.SetNX(ctx, "sched:lock:refresh:"+id, "1", s.Cfg.LockTTL).Result()
			if !ok {
				continue
			}
		}
		job := streams.RefreshJob{EMRID: id, Reason: streams.ReasonScheduled}
		if _, err := s.Publisher.Publish(ctx, s.Cfg.Stream, job, streams.WithMaxLenApprox(1024)); err != nil {
			s.logger.Printf("queue refresh for %s: %v", id, err)
			continue
		}
		queued++
	}
	s.last = &now
	if queued > 0 {
		s.logger.Printf("queued %d mapping refreshes", queued)
	}
}

// isDue determines if a refresh cycle should run now given the last cycle
// time. Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}

// refreshInterval derives the staleness cutoff from the cron cadence: a
// mapping is stale when it has not been refreshed within one cycle.
func refreshInterval(cronSpec string) time.Duration {
	switch cronSpec {
	case "@daily":
		return 24 * time.Hour
	case "@hourly":
		return time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return 24 * time.Hour
		}
		first := expr.Next(time.Now())
		second := expr.Next(first)
		if d := second.Sub(first); d > 0 {
			return d
		}
		return 24 * time.Hour
	}
}

// RefreshWorker consumes refresh jobs and re-runs discovery against the
// EMR's stored sample bundle.
type RefreshWorker struct {
	store    *store.Store
	engine   discoveryEngine
	consumer *streams.Consumer
	stream   string
	logger   *log.Logger
}

func NewRefreshWorker(st *store.Store, engine discoveryEngine, consumer *streams.Consumer, stream string) *RefreshWorker {
	return &RefreshWorker{
		store:    st,
		engine:   engine,
		consumer: consumer,
		stream:   stream,
		logger:   log.New(log.Writer(), "[REFRESH] ", log.LstdFlags),
	}
}

// Run blocks consuming refresh jobs until the context is cancelled. Jobs
// abandoned by crashed workers are reclaimed periodically.
func (w *RefreshWorker) Run(ctx context.Context) {
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.consumer.Read(ctx, w.stream, streams.WithBlock(5*time.Second), streams.WithCount(10))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("read refresh jobs: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg.Job)
			if err := w.consumer.Ack(ctx, w.stream, msg.ID); err != nil {
				w.logger.Printf("ack %s: %v", msg.ID, err)
			}
		}

		if time.Since(lastClaim) >= 5*time.Minute {
			lastClaim = time.Now()
			w.claimAbandoned(ctx)
		}
	}
}

func (w *RefreshWorker) claimAbandoned(ctx context.Context) {
	claimed, _, err := w.consumer.Claim(ctx, w.stream, 10*time.Minute, "0-0", 10)
	if err != nil {
		w.logger.Printf("claim abandoned jobs: %v", err)
		return
	}
	for _, msg := range claimed {
		w.handle(ctx, msg.Job)
		if err := w.consumer.Ack(ctx, w.stream, msg.ID); err != nil {
			w.logger.Printf("ack %s: %v", msg.ID, err)
		}
	}
}

func (w *RefreshWorker) handle(ctx context.Context, job streams.RefreshJob) {
	rec, ok, err := w.store.GetMapping(ctx, job.EMRID)
	if err != nil {
		w.logger.Printf("job %s: load mapping for %s: %v", job.JobID, job.EMRID, err)
		return
	}
	if !ok {
		w.logger.Printf("job %s: no mapping for %s, skipping", job.JobID, job.EMRID)
		return
	}

	bundles, err := w.store.ListBundles(ctx, job.EMRID, 1)
	if err != nil {
		w.logger.Printf("job %s: load sample bundle for %s: %v", job.JobID, job.EMRID, err)
		return
	}
	if len(bundles) == 0 {
		w.logger.Printf("job %s: no sample bundle stored for %s, skipping refresh", job.JobID, job.EMRID)
		return
	}
	var sample map[string]any
	if err := json.Unmarshal(bundles[0].Bundle, &sample); err != nil {
		w.logger.Printf("job %s: sample bundle %s is not a JSON object: %v", job.JobID, bundles[0].ID, err)
		return
	}

	res := w.engine.Run(ctx, core.DiscoveryInput{
		EMRID:      job.EMRID,
		APIDocURL:  rec.APIDocURL,
		SampleData: sample,
	})

	if audit, err := store.RunRecordFromResult(res); err != nil {
		w.logger.Printf("job %s: record conversion failed: %v", job.JobID, err)
	} else if err := w.store.InsertDiscoveryRun(ctx, audit); err != nil {
		w.logger.Printf("job %s: audit insert failed: %v", job.JobID, err)
	}
	w.logger.Printf("job %s: refresh for %s finished: success=%v attempts=%d", job.JobID, job.EMRID, res.Success, res.Attempts)
}
