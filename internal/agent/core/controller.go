package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openscribe/fhirlink/internal/agent/telemetry"
)

const (
	// DefaultMaxAttempts bounds the execute/critique/replan loop when the
	// caller does not say otherwise.
	DefaultMaxAttempts = 10

	persistTimeout = 10 * time.Second
)

// ControllerDeps are the collaborators one controller drives. Store and
// Indexer are optional; everything else is required.
type ControllerDeps struct {
	Planner     *QueryPlanner
	Retriever   *DocumentRetriever
	Synthesizer *MappingSynthesizer
	Executor    *Executor
	Critic      *Critic
	Replanner   *Replanner
	Store       MappingStore
	Indexer     func(docs []Document) (Excerpter, error)
	Telemetry   *telemetry.Telemetry
}

// LoopController owns the discovery state machine: search and fetch once,
// plan once, then execute, critique and replan under an attempt budget and
// an optional wall-clock deadline. It is the single point of contact with
// the mapping store.
type LoopController struct {
	deps        ControllerDeps
	maxAttempts int
	deadline    time.Duration
	logger      *log.Logger
}

func NewLoopController(deps ControllerDeps, maxAttempts int, deadline time.Duration) *LoopController {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &LoopController{
		deps:        deps,
		maxAttempts: maxAttempts,
		deadline:    deadline,
		logger:      log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags),
	}
}

// Run executes one discovery session start to finish and returns its
// outcome. The run object is owned here for the whole session; callers see
// only the result.
func (c *LoopController) Run(ctx context.Context, input DiscoveryInput) DiscoveryResult {
	run := c.initRun(input)
	if run.State.Terminal() {
		return c.result(run)
	}

	if c.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	// search and fetch happen once per run, not per attempt
	if c.expired(ctx, run) {
		return c.result(run)
	}
	c.transition(run, StateSearching)
	st := time.Now()
	run.Queries = c.deps.Planner.PlanQueries(ctx, input.APIDocURL)
	c.recordStage(ctx, run, StateSearching, st, true)
	c.logger.Printf("run %s: %d queries planned", run.ID, len(run.Queries))

	if c.expired(ctx, run) {
		return c.result(run)
	}
	c.transition(run, StateFetching)
	st = time.Now()
	retrieved := c.deps.Retriever.Retrieve(ctx, run.Queries)
	run.Corpus = retrieved.Corpus
	run.SourceURLs = retrieved.URLs
	c.recordStage(ctx, run, StateFetching, st, run.Corpus != "")
	if run.Corpus == "" {
		// degraded mode, not an error: synthesis proceeds without grounding
		c.logger.Printf("run %s: %v, continuing with empty corpus", run.ID, ErrNoDocsFound)
	}
	if c.deps.Indexer != nil && len(retrieved.Docs) > 0 {
		ex, err := c.deps.Indexer(retrieved.Docs)
		if err != nil {
			c.logger.Printf("run %s: corpus indexing failed, critique falls back to raw corpus: %v", run.ID, err)
		} else {
			run.excerpts = ex
		}
	}

	if c.expired(ctx, run) {
		return c.result(run)
	}
	c.transition(run, StatePlanning)
	st = time.Now()
	plan, err := c.deps.Synthesizer.Synthesize(ctx, run.Corpus, input.SampleData)
	c.recordStage(ctx, run, StatePlanning, st, err == nil)
	if err != nil {
		if c.expired(ctx, run) {
			return c.result(run)
		}
		c.fail(run, FailurePlanParse, err)
		return c.result(run)
	}
	run.Plan = plan

	for {
		if c.expired(ctx, run) {
			return c.result(run)
		}
		c.transition(run, StateExecuting)
		rec := c.deps.Executor.Execute(ctx, run, run.Plan.Primary(), input.SampleData, input.Credentials)
		if rec.Success() {
			c.succeed(run)
			return c.result(run)
		}
		if run.Attempts >= run.MaxAttempts {
			c.fail(run, FailureBudget, &BudgetExhaustedError{MaxAttempts: run.MaxAttempts})
			return c.result(run)
		}

		if c.expired(ctx, run) {
			return c.result(run)
		}
		c.transition(run, StateCritiquing)
		st = time.Now()
		diag := c.deps.Critic.Critique(ctx, run, rec.Spec, rec)
		c.recordStage(ctx, run, StateCritiquing, st, true)

		if c.expired(ctx, run) {
			return c.result(run)
		}
		c.transition(run, StateReplanning)
		st = time.Now()
		next, err := c.deps.Replanner.Replan(ctx, run, run.Plan, rec, diag)
		c.recordStage(ctx, run, StateReplanning, st, err == nil)
		if err != nil {
			if c.expired(ctx, run) {
				return c.result(run)
			}
			c.fail(run, FailureStagnation, err)
			return c.result(run)
		}
		run.Plan = next
	}
}

func (c *LoopController) initRun(input DiscoveryInput) *AgentRun {
	emrID := strings.TrimSpace(input.EMRID)
	if emrID == "" {
		emrID = "default"
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	run := &AgentRun{
		ID:          uuid.NewString(),
		EMRID:       emrID,
		APIDocURL:   input.APIDocURL,
		MaxAttempts: maxAttempts,
		State:       StateInit,
		StartedAt:   time.Now(),
	}
	if len(input.SampleData) == 0 {
		c.fail(run, FailureInvalidInput, fmt.Errorf("sample_data is required"))
	}
	return run
}

// expired turns a passed deadline into a terminal timeout, with the
// attempts completed so far preserved and nothing persisted.
func (c *LoopController) expired(ctx context.Context, run *AgentRun) bool {
	if ctx.Err() == nil {
		return false
	}
	c.fail(run, FailureTimeout, &DeadlineError{Attempts: run.Attempts})
	return true
}

func (c *LoopController) transition(run *AgentRun, to RunState) {
	if run.State.Terminal() {
		return
	}
	for _, allowed := range validTransitions[run.State] {
		if allowed == to {
			run.State = to
			return
		}
	}
	// unreachable by construction; fail the run rather than corrupt it
	c.logger.Printf("run %s: invalid transition %s -> %s", run.ID, run.State, to)
	c.fail(run, FailureInternal, fmt.Errorf("invalid transition %s -> %s", run.State, to))
}

func (c *LoopController) fail(run *AgentRun, kind FailureKind, err error) {
	if run.State.Terminal() {
		return
	}
	run.State = StateFailed
	run.FailureKind = kind
	run.LastError = err.Error()
	run.FinishedAt = time.Now()
	c.logger.Printf("run %s failed after %d attempts: %s", run.ID, run.Attempts, run.LastError)
}

// succeed finalizes the run and hands the plan to the store. A failed
// upsert is reported separately and never downgrades the discovery.
func (c *LoopController) succeed(run *AgentRun) {
	c.transition(run, StateSucceeded)
	run.FinishedAt = time.Now()
	c.logger.Printf("run %s succeeded after %d attempts", run.ID, run.Attempts)

	if c.deps.Store == nil {
		return
	}
	now := time.Now().UTC()
	record := MappingRecord{
		EMRID:     run.EMRID,
		APIDocURL: run.APIDocURL,
		PushFHIR:  run.Plan.PushFHIR,
		GetFHIR:   run.Plan.GetFHIR,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// detached context: the run already succeeded, persistence gets its own budget
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.deps.Store.UpsertMapping(pctx, record); err != nil {
		run.persistErr = &PersistenceError{EMRID: run.EMRID, Cause: err}
		c.logger.Printf("%v (discovery outcome unchanged)", run.persistErr)
	}
}

func (c *LoopController) result(run *AgentRun) DiscoveryResult {
	res := DiscoveryResult{
		Success:     run.State == StateSucceeded,
		Attempts:    run.Attempts,
		History:     run.History,
		RunID:       run.ID,
		EMRID:       run.EMRID,
		FailureKind: run.FailureKind,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
	if res.Success {
		res.FinalMapping = run.Plan
	} else {
		res.LastError = run.LastError
		if n := len(run.History); n > 0 {
			res.LastResponseBody = run.History[n-1].Body
		}
	}
	if run.persistErr != nil {
		res.PersistenceError = run.persistErr.Error()
	}
	c.recordRun(run)
	return res
}

func (c *LoopController) recordRun(run *AgentRun) {
	if c.deps.Telemetry == nil {
		return
	}
	c.deps.Telemetry.RecordRunEvent(context.Background(), telemetry.RunEvent{
		RunID:       run.ID,
		EMRID:       run.EMRID,
		Success:     run.State == StateSucceeded,
		FailureKind: string(run.FailureKind),
		Attempts:    run.Attempts,
		Duration:    run.FinishedAt.Sub(run.StartedAt),
	})
}

func (c *LoopController) recordStage(ctx context.Context, run *AgentRun, stage RunState, started time.Time, success bool) {
	if c.deps.Telemetry == nil {
		return
	}
	c.deps.Telemetry.RecordStageEvent(ctx, telemetry.StageEvent{
		RunID:    run.ID,
		Stage:    string(stage),
		Duration: time.Since(started),
		Success:  success,
	})
}
