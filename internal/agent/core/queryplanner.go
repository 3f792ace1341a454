package core

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strings"
)

const (
	minQueries = 3
	maxQueries = 5
)

// QueryPlanner turns an optional documentation URL into search queries.
// It never fails: when inference is unavailable or yields nothing usable it
// falls back to a deterministic generic set, so an empty corpus downstream
// is a degraded mode rather than an error here.
type QueryPlanner struct {
	llm    LLMProvider
	model  string
	logger *log.Logger
}

func NewQueryPlanner(llm LLMProvider, model string) *QueryPlanner {
	return &QueryPlanner{
		llm:    llm,
		model:  model,
		logger: log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags),
	}
}

func (p *QueryPlanner) PlanQueries(ctx context.Context, docURL string) []string {
	queries := p.inferQueries(ctx, docURL)
	queries = dedupeQueries(queries)
	if len(queries) < minQueries {
		queries = dedupeQueries(append(queries, fallbackQueries(docURL)...))
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

func (p *QueryPlanner) inferQueries(ctx context.Context, docURL string) []string {
	if p.llm == nil {
		return nil
	}
	out, err := p.llm.Generate(ctx, buildQueryPrompt(docURL), p.model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  300,
	})
	if err != nil {
		p.logger.Printf("query inference failed, using fallback set: %v", err)
		return nil
	}
	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); err != nil {
		p.logger.Printf("query inference returned no usable JSON, using fallback set")
		return nil
	}
	return parsed.Queries
}

func fallbackQueries(docURL string) []string {
	var queries []string
	if docURL != "" {
		queries = append(queries, docURL+" API documentation")
		if host := hostOf(docURL); host != "" {
			queries = append(queries, host+" FHIR REST API")
		}
	}
	return append(queries,
		"EMR REST API endpoints",
		"FHIR API push",
		"FHIR bundle upload REST API documentation",
	)
}

func dedupeQueries(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	var out []string
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
