package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func assertQuerySet(t *testing.T, queries []string) {
	t.Helper()
	if len(queries) < 3 || len(queries) > 5 {
		t.Fatalf("planned %d queries, want 3 to 5", len(queries))
	}
	seen := make(map[string]bool)
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			t.Fatalf("planned an empty query")
		}
		key := strings.ToLower(q)
		if seen[key] {
			t.Fatalf("planned duplicate query %q", q)
		}
		seen[key] = true
	}
}

func TestPlanQueriesFallbackWithoutInference(t *testing.T) {
	p := NewQueryPlanner(nil, "")

	queries := p.PlanQueries(context.Background(), "")
	assertQuerySet(t, queries)

	queries = p.PlanQueries(context.Background(), "https://docs.epic.example.com/fhir")
	assertQuerySet(t, queries)
	if queries[0] != "https://docs.epic.example.com/fhir API documentation" {
		t.Fatalf("doc url not woven into the first query: %q", queries[0])
	}
	found := false
	for _, q := range queries {
		if strings.Contains(q, "docs.epic.example.com") && strings.Contains(q, "FHIR") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no host-scoped query in %v", queries)
	}
}

func TestPlanQueriesUsesInference(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"queries":["epic fhir api","epic bundle upload","epic oauth token"]}`}}
	p := NewQueryPlanner(llm, "stub")

	queries := p.PlanQueries(context.Background(), "https://docs.epic.example.com")
	assertQuerySet(t, queries)
	if queries[0] != "epic fhir api" {
		t.Fatalf("inferred queries not used: %v", queries)
	}
}

func TestPlanQueriesPadsShortInference(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"queries":["only one"]}`}}
	p := NewQueryPlanner(llm, "stub")

	queries := p.PlanQueries(context.Background(), "")
	assertQuerySet(t, queries)
	if queries[0] != "only one" {
		t.Fatalf("inferred query dropped: %v", queries)
	}
}

func TestPlanQueriesClampsAndDedupes(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"queries":["a","A","b"," ","c","d","e","f","g"]}`}}
	p := NewQueryPlanner(llm, "stub")

	queries := p.PlanQueries(context.Background(), "")
	assertQuerySet(t, queries)
	if len(queries) != 5 {
		t.Fatalf("planned %d queries, want clamp to 5", len(queries))
	}
}

func TestPlanQueriesSurvivesInferenceFailures(t *testing.T) {
	p := NewQueryPlanner(&scriptedLLM{err: errors.New("boom")}, "stub")
	assertQuerySet(t, p.PlanQueries(context.Background(), ""))

	p = NewQueryPlanner(&scriptedLLM{responses: []string{"no json in sight"}}, "stub")
	assertQuerySet(t, p.PlanQueries(context.Background(), ""))
}
