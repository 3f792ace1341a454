package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/openscribe/fhirlink/internal/agent/telemetry"
	"github.com/openscribe/fhirlink/utils"
)

// FaultCategory is the critic's coarse classification of a failure.
type FaultCategory string

const (
	FaultAuthentication FaultCategory = "authentication"
	FaultPathMismatch   FaultCategory = "path_mismatch"
	FaultBodyShape      FaultCategory = "body_shape"
	FaultMissingField   FaultCategory = "missing_field"
	FaultRateLimited    FaultCategory = "rate_limited"
	FaultUnknown        FaultCategory = "unknown"
)

var knownFaults = map[FaultCategory]bool{
	FaultAuthentication: true,
	FaultPathMismatch:   true,
	FaultBodyShape:      true,
	FaultMissingField:   true,
	FaultRateLimited:    true,
	FaultUnknown:        true,
}

// Diagnostic is advisory text consumed only by the replanner. It is never
// validated hard: an unusable diagnostic degrades to an unknown fault.
type Diagnostic struct {
	Category   FaultCategory `json:"category"`
	Feedback   string        `json:"feedback"`
	Confidence float64       `json:"confidence"`
}

// Critic explains a failed attempt from the spec, its record and the
// retrieved corpus.
type Critic struct {
	llm    LLMProvider
	model  string
	tel    *telemetry.Telemetry
	logger *log.Logger
}

func NewCritic(llm LLMProvider, model string, tel *telemetry.Telemetry) *Critic {
	return &Critic{
		llm:    llm,
		model:  model,
		tel:    tel,
		logger: log.New(log.Writer(), "[CRITIC] ", log.LstdFlags),
	}
}

// Critique never fails and never aborts the run: any inference or parse
// problem collapses to an unknown-fault diagnostic the replanner can still
// act on generically.
func (c *Critic) Critique(ctx context.Context, run *AgentRun, spec RequestSpec, rec AttemptRecord) Diagnostic {
	excerpts := failureExcerpts(run, spec, rec)

	started := time.Now()
	out, inTok, outTok, err := c.llm.GenerateWithTokens(ctx, buildCritiquePrompt(spec, rec, excerpts), c.model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  600,
	})
	c.record(ctx, inTok, outTok, time.Since(started), err == nil)
	if err != nil {
		c.logger.Printf("critique call failed, treating as unknown fault: %v", err)
		return Diagnostic{Category: FaultUnknown, Feedback: rec.Error}
	}

	var parsed struct {
		Category   string  `json:"category"`
		Feedback   string  `json:"feedback"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); err != nil {
		c.logger.Printf("critique returned no usable JSON, treating as unknown fault")
		return Diagnostic{Category: FaultUnknown, Feedback: utils.Truncate(out, 500, "...")}
	}

	diag := Diagnostic{
		Category:   parseFault(parsed.Category),
		Feedback:   parsed.Feedback,
		Confidence: parsed.Confidence,
	}
	c.logger.Printf("attempt %d diagnosed as %s (confidence %.0f)", rec.Attempt, diag.Category, diag.Confidence)
	return diag
}

func parseFault(s string) FaultCategory {
	cat := FaultCategory(strings.ToLower(strings.TrimSpace(s)))
	if knownFaults[cat] {
		return cat
	}
	return FaultUnknown
}

// failureExcerpts pulls the corpus passages most relevant to the failure.
// Without an index it falls back to the head of the corpus.
func failureExcerpts(run *AgentRun, spec RequestSpec, rec AttemptRecord) []string {
	if run == nil {
		return nil
	}
	if run.excerpts != nil {
		query := fmt.Sprintf("%s %s %s", spec.Method, spec.URL, rec.Error)
		if found := run.excerpts.Excerpts(query, promptExcerptLimit); len(found) > 0 {
			return found
		}
	}
	if run.Corpus != "" {
		return []string{utils.Truncate(run.Corpus, 2000, "...")}
	}
	return nil
}

func (c *Critic) record(ctx context.Context, inTok, outTok int64, dur time.Duration, success bool) {
	if c.tel == nil {
		return
	}
	c.tel.RecordLLMEvent(ctx, telemetry.LLMEvent{
		Stage:        "critique",
		Model:        c.model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Cost:         c.llm.CalculateCost(inTok, outTok, c.model),
		Duration:     dur,
		Success:      success,
	})
}
