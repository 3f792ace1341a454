package core

import (
	"context"
	"log"
	"time"

	"github.com/openscribe/fhirlink/internal/agent/telemetry"
)

// Replanner turns a failed attempt and its diagnostic into a revised plan.
// The revised primary spec must differ from the previous one in at least
// one templated field; an identical resubmission is stagnation, not
// progress, and ends the run rather than burning budget on a no-op loop.
type Replanner struct {
	llm    LLMProvider
	model  string
	tel    *telemetry.Telemetry
	logger *log.Logger
}

func NewReplanner(llm LLMProvider, model string, tel *telemetry.Telemetry) *Replanner {
	return &Replanner{
		llm:    llm,
		model:  model,
		tel:    tel,
		logger: log.New(log.Writer(), "[REPLANNER] ", log.LstdFlags),
	}
}

// Replan produces the next candidate plan. It retries locally once when
// inference returns an invalid or unchanged plan; failing that, the run is
// over with a StagnationError.
func (r *Replanner) Replan(ctx context.Context, run *AgentRun, prev *MappingPlan, rec AttemptRecord, diag Diagnostic) (*MappingPlan, error) {
	excerpts := failureExcerpts(run, prev.Primary(), rec)

	retryNote := ""
	for try := 0; try < 2; try++ {
		if ctx.Err() != nil {
			break
		}

		started := time.Now()
		out, inTok, outTok, err := r.llm.GenerateWithTokens(ctx, buildReplanPrompt(prev, rec, diag, excerpts, retryNote), r.model, map[string]interface{}{
			"temperature": 0.3,
			"max_tokens":  2000,
		})
		r.record(ctx, inTok, outTok, time.Since(started), err == nil)
		if err != nil {
			r.logger.Printf("replan call failed: %v", err)
			retryNote = "\nYour previous response failed. Return ONLY valid JSON matching the schema."
			continue
		}

		plan, perr := ParsePlan(out)
		if perr != nil {
			r.logger.Printf("replan returned invalid plan: %v", perr)
			retryNote = "\nYour previous response was rejected: it did not match the schema."
			continue
		}
		if !SpecsDiffer(prev.Primary(), plan.Primary()) {
			r.logger.Printf("replan after attempt %d reproduced the failing spec", rec.Attempt)
			retryNote = "\nYour previous revision was identical to the failing spec. You MUST change at least one of method, url, headers, or body shape."
			continue
		}
		return plan, nil
	}
	return nil, &StagnationError{Attempt: rec.Attempt}
}

func (r *Replanner) record(ctx context.Context, inTok, outTok int64, dur time.Duration, success bool) {
	if r.tel == nil {
		return
	}
	r.tel.RecordLLMEvent(ctx, telemetry.LLMEvent{
		Stage:        "replan",
		Model:        r.model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Cost:         r.llm.CalculateCost(inTok, outTok, r.model),
		Duration:     dur,
		Success:      success,
	})
}
