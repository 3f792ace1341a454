package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func failedAttempt(spec RequestSpec) AttemptRecord {
	return AttemptRecord{
		Attempt:    4,
		Spec:       spec,
		StatusCode: 404,
		Error:      "HTTP 404: unknown path",
		Body:       `{"error":"unknown path"}`,
	}
}

func TestReplanAcceptsRevisedPlan(t *testing.T) {
	prev, err := ParsePlan(planJSON(t, "https://emr.example.com/v1/Bundle"))
	if err != nil {
		t.Fatalf("parse prev: %v", err)
	}
	llm := &scriptedLLM{responses: []string{planJSON(t, "https://emr.example.com/v2/Bundle")}}
	r := NewReplanner(llm, "stub", nil)

	rec := failedAttempt(prev.Primary())
	next, err := r.Replan(context.Background(), &AgentRun{}, prev, rec, Diagnostic{Category: FaultPathMismatch})
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if next.Primary().URL != "https://emr.example.com/v2/Bundle" {
		t.Fatalf("revised url = %s", next.Primary().URL)
	}
	if llm.calls != 1 {
		t.Fatalf("llm called %d times, want 1", llm.calls)
	}
}

func TestReplanStagnatesOnIdenticalPlan(t *testing.T) {
	same := planJSON(t, "https://emr.example.com/v1/Bundle")
	prev, _ := ParsePlan(same)
	llm := &scriptedLLM{responses: []string{same}}
	r := NewReplanner(llm, "stub", nil)

	rec := failedAttempt(prev.Primary())
	_, err := r.Replan(context.Background(), &AgentRun{}, prev, rec, Diagnostic{Category: FaultUnknown})

	var serr *StagnationError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want StagnationError", err)
	}
	if serr.Attempt != rec.Attempt {
		t.Fatalf("stagnation attempt = %d, want %d", serr.Attempt, rec.Attempt)
	}
	if llm.calls != 2 {
		t.Fatalf("llm called %d times, want one local retry", llm.calls)
	}
	if !strings.Contains(llm.prompts[1], "MUST change") {
		t.Fatalf("retry prompt missing the change demand")
	}
}

func TestReplanRecoversAfterIdenticalFirstTry(t *testing.T) {
	v1 := planJSON(t, "https://emr.example.com/v1/Bundle")
	prev, _ := ParsePlan(v1)
	llm := &scriptedLLM{responses: []string{v1, planJSON(t, "https://emr.example.com/v2/Bundle")}}
	r := NewReplanner(llm, "stub", nil)

	next, err := r.Replan(context.Background(), &AgentRun{}, prev, failedAttempt(prev.Primary()), Diagnostic{})
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if next.Primary().URL != "https://emr.example.com/v2/Bundle" {
		t.Fatalf("revised url = %s", next.Primary().URL)
	}
}

func TestReplanMappingOnlyChangeIsStagnation(t *testing.T) {
	prev, _ := ParsePlan(planJSON(t, "https://emr.example.com/v1/Bundle"))

	revised := *prev
	revised.PushFHIR = append([]RequestSpec(nil), prev.PushFHIR...)
	revised.PushFHIR[0].FieldMapping = map[string]string{"entries": "entry[0]"}
	raw := mustMarshal(t, revised)

	llm := &scriptedLLM{responses: []string{raw}}
	r := NewReplanner(llm, "stub", nil)

	_, err := r.Replan(context.Background(), &AgentRun{}, prev, failedAttempt(prev.Primary()), Diagnostic{})
	var serr *StagnationError
	if !errors.As(err, &serr) {
		t.Fatalf("mapping-only change must stagnate, got %v", err)
	}
}
