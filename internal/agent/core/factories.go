package core

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/agent/telemetry"
	"github.com/openscribe/fhirlink/internal/corpus"
	"github.com/openscribe/fhirlink/tools/web_fetch"
	"github.com/openscribe/fhirlink/tools/web_search"
	"github.com/openscribe/fhirlink/utils"
)

// NewLLMProvider creates an LLM provider based on configuration.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			return NewOpenAIProvider(provider), nil
		case "groq":
			return NewGroqProvider(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// NewSearchProvider wires the configured web searcher behind the engine's
// search capability.
func NewSearchProvider(cfg config.SearchConfig) (SearchProvider, error) {
	var apiKey string
	switch web_search.Provider(cfg.Provider) {
	case web_search.TavilyProvider:
		apiKey = cfg.TavilyAPIKey
	case web_search.BraveProvider:
		apiKey = cfg.BraveAPIKey
	case web_search.SerperProvider:
		apiKey = cfg.SerperAPIKey
	}

	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Provider), apiKey)
	if err != nil {
		return nil, err
	}

	perQuery := cfg.ResultsPerQuery
	if perQuery <= 0 {
		perQuery = 5
	}
	return &webSearchProvider{
		searcher:   searcher,
		perQuery:   perQuery,
		snippetMax: cfg.SnippetMaxChars,
		timeout:    cfg.Timeout,
	}, nil
}

type webSearchProvider struct {
	searcher   web_search.WebSearcher
	perQuery   int
	snippetMax int
	timeout    time.Duration
}

func (p *webSearchProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	found, err := p.searcher.Discover(ctx, query, p.perQuery, nil, 0)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(found))
	for _, r := range found {
		snippet := r.Snippet
		if p.snippetMax > 0 {
			snippet = utils.Truncate(snippet, p.snippetMax, "")
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: snippet})
	}
	return results, nil
}

// NewFetchProvider wires the configured document fetcher behind the
// engine's fetch capability. Defaults to the plain HTTP fetcher; API
// documentation is usually server-rendered.
func NewFetchProvider(cfg config.FetchConfig) (FetchProvider, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = string(web_fetch.HTTPFetcherType)
	}

	fetcher, err := web_fetch.NewWebFetcher(web_fetch.FetcherType(provider), cfg.Timeout, cfg.MaxChars)
	if err != nil {
		return nil, err
	}
	return &webFetchProvider{fetcher: fetcher}, nil
}

type webFetchProvider struct {
	fetcher web_fetch.WebFetcher
}

func (p *webFetchProvider) Fetch(ctx context.Context, url string) (string, error) {
	res, err := p.fetcher.Exec(ctx, url)
	if err != nil {
		return "", &FetchError{URL: url, Cause: err}
	}
	if res.Status < 200 || res.Status >= 300 {
		return "", &FetchError{URL: url, Status: res.Status}
	}
	return res.Text, nil
}

// NewCorpusIndexer returns the excerpt index builder the critic draws
// failure context from. Index errors surface to the controller, which
// falls back to the raw corpus.
func NewCorpusIndexer() func(docs []Document) (Excerpter, error) {
	return func(docs []Document) (Excerpter, error) {
		idx, err := corpus.New()
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if err := idx.Add(doc.URL, doc.Text); err != nil {
				idx.Close()
				return nil, err
			}
		}
		return idx, nil
	}
}

// NewEngine assembles a discovery controller from configuration. Store and
// cache may be nil: without a store successful mappings are not persisted,
// without a cache every document is fetched fresh.
func NewEngine(cfg *config.Config, llm LLMProvider, store MappingStore, cache DocCache, tel *telemetry.Telemetry) (*LoopController, error) {
	searcher, err := NewSearchProvider(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("search provider: %w", err)
	}
	fetcher, err := NewFetchProvider(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("fetch provider: %w", err)
	}

	agent := cfg.Agent.Normalize()
	routing := cfg.LLM.Routing

	deps := ControllerDeps{
		Planner: NewQueryPlanner(llm, routedModel(routing.QueryPlanning, routing.Fallback)),
		Retriever: NewDocumentRetriever(searcher, fetcher, cache, RetrieverConfig{
			TopK:         cfg.Search.ResultsPerQuery,
			MaxDocs:      cfg.Fetch.MaxDocs,
			PerDocChars:  agent.DocMaxChars,
			CorpusChars:  agent.CorpusMaxChars,
			FetchTimeout: cfg.Fetch.Timeout,
			Concurrency:  cfg.Fetch.Concurrency,
		}),
		Synthesizer: NewMappingSynthesizer(llm, routedModel(routing.Synthesis, routing.Fallback), agent.SynthesisRetries, tel),
		Executor:    NewExecutor(agent.ExecTimeout, agent.BodyKeepChars, agent.VerifyJSON),
		Critic:      NewCritic(llm, routedModel(routing.Critique, routing.Fallback), tel),
		Replanner:   NewReplanner(llm, routedModel(routing.Replanning, routing.Fallback), tel),
		Store:       store,
		Indexer:     NewCorpusIndexer(),
		Telemetry:   tel,
	}
	return NewLoopController(deps, agent.MaxAttempts, agent.RunDeadline), nil
}

func routedModel(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

// OpenAIProvider implements LLMProvider against an OpenAI-compatible chat
// completions API. Groq exposes the same surface, so one implementation
// serves both with a different base URL and key.
type OpenAIProvider struct {
	name      string
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	http      *HTTPClient
	baseURL   string
	envKey    string
}

// NewOpenAIProvider creates a provider backed by api.openai.com.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	return newChatProvider("openai", "https://api.openai.com/v1", "OPENAI_API_KEY", cfg)
}

// NewGroqProvider creates a provider backed by Groq's OpenAI-compatible API.
func NewGroqProvider(cfg config.LLMProvider) *OpenAIProvider {
	return newChatProvider("groq", "https://api.groq.com/openai/v1", "GROQ_API_KEY", cfg)
}

func newChatProvider(name, baseURL, envKey string, cfg config.LLMProvider) *OpenAIProvider {
	provider := &OpenAIProvider{
		name:      name,
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		http:      NewHTTPClient(cfg.Timeout, cfg.MaxRetries, 300*time.Millisecond),
		baseURL:   baseURL,
		envKey:    envKey,
	}

	for key, model := range cfg.Models {
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        name,
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Description:     fmt.Sprintf("%s %s model", name, model.Name),
		}
	}

	return provider
}

// Generate generates text for a prompt.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

// GenerateWithTokens generates text and returns token usage.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(p.envKey)
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("%s API key not configured", p.name)
	}

	m, ok := p.rawModels[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	reqBody := struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = p.baseURL
	}
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if err := p.http.DoJSON(ctx, http.MethodPost, baseURL+"/chat/completions", headers, reqBody, &out); err != nil {
		return "", 0, 0, fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("%s returned no choices", p.name)
	}

	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// GetAvailableModels returns the configured model keys.
func (p *OpenAIProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model.
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}

	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

// MemoryStore keeps mappings in process memory. It backs the single-shot
// CLI when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]MappingRecord
}

// NewMemoryStore creates an empty in-memory mapping store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]MappingRecord)}
}

// GetMapping returns the stored mapping for an EMR, if any.
func (s *MemoryStore) GetMapping(ctx context.Context, emrID string) (MappingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[emrID]
	return rec, ok, nil
}

// UpsertMapping replaces the stored mapping for rec.EMRID wholesale.
func (s *MemoryStore) UpsertMapping(ctx context.Context, rec MappingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.records[rec.EMRID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.EMRID] = rec
	return nil
}
