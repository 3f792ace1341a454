package core

import (
	"context"
	"strings"
	"time"
)

// RequestSpec is one templated HTTP interaction against a target EMR API.
// Specs are immutable once produced: a revision is always a new value,
// never an in-place mutation.
type RequestSpec struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	FieldMapping map[string]string `json:"field_mapping,omitempty"`
}

// MappingPlan is one candidate set of push and get specs. The first push
// spec is the one attempts execute; the rest are persisted alongside it.
type MappingPlan struct {
	PushFHIR []RequestSpec `json:"push_fhir"`
	GetFHIR  []RequestSpec `json:"get_fhir"`
}

// Primary returns the spec attempts are executed against.
func (p *MappingPlan) Primary() RequestSpec {
	if p == nil || len(p.PushFHIR) == 0 {
		return RequestSpec{}
	}
	return p.PushFHIR[0]
}

// AttemptRecord is the logged outcome of one executor invocation.
// Records are append-only; one exists per invocation regardless of outcome.
type AttemptRecord struct {
	Attempt    int         `json:"attempt"`
	Spec       RequestSpec `json:"spec"`
	StatusCode int         `json:"status_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Body       string      `json:"body,omitempty"`
	LatencyMS  int64       `json:"latency_ms"`
}

// Success reports whether the attempt landed in the 2xx range with no
// transport error.
func (r AttemptRecord) Success() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// RunState tracks where a discovery run is in its lifecycle.
type RunState string

const (
	StateInit       RunState = "init"
	StateSearching  RunState = "searching"
	StateFetching   RunState = "fetching"
	StatePlanning   RunState = "planning"
	StateExecuting  RunState = "executing"
	StateCritiquing RunState = "critiquing"
	StateReplanning RunState = "replanning"
	StateSucceeded  RunState = "succeeded"
	StateFailed     RunState = "failed"
)

// Terminal reports whether a run in this state is finished. Terminal runs
// are never transitioned again.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// validTransitions guards every state change the controller makes. Any
// state may additionally fail on the run deadline.
var validTransitions = map[RunState][]RunState{
	StateInit:       {StateSearching, StateFailed},
	StateSearching:  {StateFetching, StateFailed},
	StateFetching:   {StatePlanning, StateFailed},
	StatePlanning:   {StateExecuting, StateFailed},
	StateExecuting:  {StateSucceeded, StateCritiquing, StateFailed},
	StateCritiquing: {StateReplanning, StateFailed},
	StateReplanning: {StateExecuting, StateFailed},
}

// FailureKind classifies why a run ended in StateFailed.
type FailureKind string

const (
	FailurePlanParse    FailureKind = "plan_parse_error"
	FailureStagnation   FailureKind = "stagnation"
	FailureTimeout      FailureKind = "timeout_exceeded"
	FailureBudget       FailureKind = "attempt_budget_exhausted"
	FailureInvalidInput FailureKind = "invalid_input"
	FailureInternal     FailureKind = "internal_error"
)

// AgentRun is the complete transient state of one discovery session. It is
// owned by the controller for the run's lifetime and discarded after
// termination except for what callers keep from the result.
type AgentRun struct {
	ID          string          `json:"id"`
	EMRID       string          `json:"emr_id"`
	APIDocURL   string          `json:"api_doc_url,omitempty"`
	Queries     []string        `json:"queries,omitempty"`
	Corpus      string          `json:"-"`
	SourceURLs  []string        `json:"source_urls,omitempty"`
	Plan        *MappingPlan    `json:"plan,omitempty"`
	History     []AttemptRecord `json:"history"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       RunState        `json:"state"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`

	excerpts   Excerpter
	persistErr error
}

// Credentials are opaque caller-supplied material handed through to the
// executor. BaseURL anchors relative spec URLs; the token and client id
// fill standard auth headers when the spec leaves them empty.
type Credentials struct {
	BaseURL  string            `json:"base_url,omitempty"`
	APIToken string            `json:"api_token,omitempty"`
	ClientID string            `json:"client_id,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// DiscoveryInput is the entry contract for one discovery run.
type DiscoveryInput struct {
	APIDocURL   string         `json:"api_doc_url,omitempty"`
	EMRID       string         `json:"emr_id,omitempty"`
	SampleData  map[string]any `json:"sample_data"`
	Credentials Credentials    `json:"credentials,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// DiscoveryResult is what a run hands back, success or not. A persistence
// failure after a successful discovery is reported in PersistenceError and
// never downgrades Success; callers must check both.
type DiscoveryResult struct {
	Success          bool            `json:"success"`
	FinalMapping     *MappingPlan    `json:"final_mapping,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	LastResponseBody string          `json:"last_response_body,omitempty"`
	Attempts         int             `json:"attempts"`
	History          []AttemptRecord `json:"history"`
	PersistenceError string          `json:"persistence_error,omitempty"`

	RunID       string      `json:"run_id"`
	EMRID       string      `json:"emr_id"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// MappingRecord is the durable artifact of a successful run, keyed by
// emr_id. Re-discovery overwrites the whole record, never merges fields.
type MappingRecord struct {
	EMRID     string        `json:"emr_id"`
	APIDocURL string        `json:"api_doc_url,omitempty"`
	PushFHIR  []RequestSpec `json:"push_fhir"`
	GetFHIR   []RequestSpec `json:"get_fhir"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SearchResult is one ranked hit from a search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider turns a query into ranked results. Provider errors are
// absorbed by the retriever as empty result sets.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// FetchProvider resolves a URL to document text.
type FetchProvider interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// MappingStore is the durable home of discovered mappings. Upsert replaces
// the whole record for its emr_id, last write wins.
type MappingStore interface {
	GetMapping(ctx context.Context, emrID string) (MappingRecord, bool, error)
	UpsertMapping(ctx context.Context, rec MappingRecord) error
}

// DocCache short-circuits repeat fetches of the same document. Lookups are
// best-effort; implementations absorb their own errors.
type DocCache interface {
	Get(ctx context.Context, url string) (string, bool)
	Set(ctx context.Context, url, text string)
}

// Excerpter pulls failure-relevant passages out of the retrieved corpus
// for critique and replan prompts.
type Excerpter interface {
	Excerpts(query string, limit int) []string
}

// Document is one fetched source kept alongside the flattened corpus.
type Document struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// LLMProvider is the inference capability behind planning, critique and
// replanning.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	GetAvailableModels() []string
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo describes one configured model.
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// normalizeSpec strips presentation noise before field comparison: method
// case, surrounding whitespace and header-name case never count as a
// material difference.
func normalizeSpec(s RequestSpec) RequestSpec {
	n := RequestSpec{
		Method: strings.ToUpper(strings.TrimSpace(s.Method)),
		URL:    strings.TrimSpace(s.URL),
		Body:   s.Body,
	}
	if len(s.Headers) > 0 {
		n.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			n.Headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return n
}

// SpecsDiffer reports whether two specs differ in at least one templated
// field: method, URL, header set or body shape. Field mapping alone does
// not count; a mapping-only change replays the same request.
func SpecsDiffer(a, b RequestSpec) bool {
	na, nb := normalizeSpec(a), normalizeSpec(b)
	if na.Method != nb.Method || na.URL != nb.URL {
		return true
	}
	if len(na.Headers) != len(nb.Headers) {
		return true
	}
	for k, v := range na.Headers {
		if bv, ok := nb.Headers[k]; !ok || bv != v {
			return true
		}
	}
	return canonicalJSON(na.Body) != canonicalJSON(nb.Body)
}
