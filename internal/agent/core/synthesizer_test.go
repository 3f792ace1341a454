package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSynthesizeParsesPlan(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"Here is the mapping:\n" + planJSON(t, "https://emr.example.com/fhir/Bundle"),
	}}
	s := NewMappingSynthesizer(llm, "stub", 2, nil)

	plan, err := s.Synthesize(context.Background(), "corpus", sampleBundle())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := plan.Primary().Method; got != "POST" {
		t.Fatalf("primary method = %s", got)
	}
	if llm.calls != 1 {
		t.Fatalf("llm called %d times, want 1", llm.calls)
	}
}

func TestSynthesizeRecoversOnRetry(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"push_fhir":[],"get_fhir":[]}`,
		planJSON(t, "https://emr.example.com/fhir/Bundle"),
	}}
	s := NewMappingSynthesizer(llm, "stub", 2, nil)

	plan, err := s.Synthesize(context.Background(), "corpus", sampleBundle())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if plan == nil || llm.calls != 2 {
		t.Fatalf("plan=%v calls=%d, want recovery on second call", plan, llm.calls)
	}
	if !strings.Contains(llm.prompts[1], "previous response was rejected") {
		t.Fatalf("retry prompt missing rejection feedback")
	}
}

func TestSynthesizeFailsAfterRetries(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"not a plan"}}
	s := NewMappingSynthesizer(llm, "stub", 2, nil)

	_, err := s.Synthesize(context.Background(), "corpus", sampleBundle())
	var perr *PlanParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PlanParseError", err)
	}
	if perr.Tries != 3 {
		t.Fatalf("tries = %d, want 3", perr.Tries)
	}
	if llm.calls != 3 {
		t.Fatalf("llm called %d times, want 3", llm.calls)
	}
}

func TestSynthesizeZeroRetriesMeansOneCall(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"not a plan"}}
	s := NewMappingSynthesizer(llm, "stub", 0, nil)

	_, err := s.Synthesize(context.Background(), "", sampleBundle())
	if err == nil {
		t.Fatalf("expected failure")
	}
	if llm.calls != 1 {
		t.Fatalf("llm called %d times, want 1", llm.calls)
	}
}
