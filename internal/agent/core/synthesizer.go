package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openscribe/fhirlink/internal/agent/telemetry"
)

// MappingSynthesizer produces the first candidate plan from the corpus and
// a sample payload. Schema violations trigger local retries of the
// inference call, bounded separately from the run's attempt budget;
// exhausting them is fatal.
type MappingSynthesizer struct {
	llm     LLMProvider
	model   string
	retries int
	tel     *telemetry.Telemetry
	logger  *log.Logger
}

func NewMappingSynthesizer(llm LLMProvider, model string, retries int, tel *telemetry.Telemetry) *MappingSynthesizer {
	if retries < 0 {
		retries = 0
	}
	return &MappingSynthesizer{
		llm:     llm,
		model:   model,
		retries: retries,
		tel:     tel,
		logger:  log.New(log.Writer(), "[SYNTHESIZER] ", log.LstdFlags),
	}
}

// Synthesize asks the inference provider for push and get specs and
// validates the result. On schema success the plan becomes attempt 0's
// candidate; on exhausted retries the run ends with a PlanParseError
// before any attempt is consumed.
func (s *MappingSynthesizer) Synthesize(ctx context.Context, corpusText string, sample map[string]any) (*MappingPlan, error) {
	prompt := buildSynthesisPrompt(corpusText, sample)
	tries := s.retries + 1

	var lastErr error
	for i := 0; i < tries; i++ {
		if ctx.Err() != nil {
			break
		}
		p := prompt
		if i > 0 && lastErr != nil {
			p += fmt.Sprintf("\n\nYour previous response was rejected: %v. Return ONLY valid JSON matching the schema.", lastErr)
		}

		started := time.Now()
		out, inTok, outTok, err := s.llm.GenerateWithTokens(ctx, p, s.model, map[string]interface{}{
			"temperature": 0.2,
			"max_tokens":  2000,
		})
		s.record(ctx, inTok, outTok, time.Since(started), err == nil)
		if err != nil {
			lastErr = err
			s.logger.Printf("synthesis call %d/%d failed: %v", i+1, tries, err)
			continue
		}

		plan, perr := ParsePlan(out)
		if perr != nil {
			lastErr = perr
			s.logger.Printf("synthesis call %d/%d returned invalid plan: %v", i+1, tries, perr)
			continue
		}
		s.logger.Printf("synthesized plan: %d push specs, %d get specs", len(plan.PushFHIR), len(plan.GetFHIR))
		return plan, nil
	}
	return nil, &PlanParseError{Tries: tries, Cause: lastErr}
}

func (s *MappingSynthesizer) record(ctx context.Context, inTok, outTok int64, dur time.Duration, success bool) {
	if s.tel == nil {
		return
	}
	s.tel.RecordLLMEvent(ctx, telemetry.LLMEvent{
		Stage:        "synthesis",
		Model:        s.model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Cost:         s.llm.CalculateCost(inTok, outTok, s.model),
		Duration:     dur,
		Success:      success,
	})
}
