package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openscribe/fhirlink/config"
)

// Telemetry tracks discovery runs, stage timings, provider calls and LLM
// spend. Counters are mirrored into a private prometheus registry served
// through Handler.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex

	registry      *prometheus.Registry
	runsTotal     *prometheus.CounterVec
	attemptsHist  prometheus.Histogram
	stageSeconds  *prometheus.HistogramVec
	llmTokens     *prometheus.CounterVec
	llmCost       *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
}

// Metrics holds the in-memory counters behind the snapshot API.
type Metrics struct {
	TotalRuns     int64
	SucceededRuns int64
	FailedRuns    int64
	TotalAttempts int64
	AverageRun    time.Duration

	FailureKinds map[string]int64

	StageExecutions map[string]int64
	StageAverage    map[string]time.Duration

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	ProviderRequests     map[string]int64
	ProviderSuccessRates map[string]float64
	ProviderAverage      map[string]time.Duration
}

// CostTracker accumulates inference spend per model and per stage.
type CostTracker struct {
	StageCosts  map[string]float64
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent is one finished discovery run.
type RunEvent struct {
	RunID       string
	EMRID       string
	Success     bool
	FailureKind string
	Attempts    int
	Duration    time.Duration
}

// StageEvent is one executed state of the discovery machine.
type StageEvent struct {
	RunID    string
	Stage    string
	Duration time.Duration
	Success  bool
}

// LLMEvent is one inference call.
type LLMEvent struct {
	Stage        string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Duration     time.Duration
	Success      bool
}

// ProviderEvent is one search or fetch provider call.
type ProviderEvent struct {
	Provider string
	Duration time.Duration
	Success  bool
	Results  int
}

// NewTelemetry creates a telemetry instance with its own prometheus
// registry; multiple instances can coexist in one process.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	registry := prometheus.NewRegistry()
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			FailureKinds:         make(map[string]int64),
			StageExecutions:      make(map[string]int64),
			StageAverage:         make(map[string]time.Duration),
			LLMRequests:          make(map[string]int64),
			LLMTokensUsed:        make(map[string]int64),
			ProviderRequests:     make(map[string]int64),
			ProviderSuccessRates: make(map[string]float64),
			ProviderAverage:      make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			StageCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirlink_discovery_runs_total",
			Help: "Discovery runs by outcome.",
		}, []string{"outcome"}),
		attemptsHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhirlink_discovery_attempts",
			Help:    "Attempts consumed per discovery run.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirlink_stage_duration_seconds",
			Help:    "Duration of discovery stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirlink_llm_tokens_total",
			Help: "LLM tokens by model and direction.",
		}, []string{"model", "direction"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirlink_llm_cost_dollars_total",
			Help: "Estimated LLM spend by model.",
		}, []string{"model"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirlink_provider_calls_total",
			Help: "Search and fetch provider calls by outcome.",
		}, []string{"provider", "outcome"}),
	}
	registry.MustRegister(t.runsTotal, t.attemptsHist, t.stageSeconds, t.llmTokens, t.llmCost, t.providerCalls)

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsReporting()
	}
	return t
}

// Handler serves this instance's prometheus registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordRunEvent records a finished discovery run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	outcome := "succeeded"
	if event.Success {
		t.metrics.SucceededRuns++
	} else {
		t.metrics.FailedRuns++
		outcome = "failed"
		if event.FailureKind != "" {
			t.metrics.FailureKinds[event.FailureKind]++
		}
	}
	t.metrics.TotalAttempts += int64(event.Attempts)

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRun = event.Duration
	} else {
		total := t.metrics.AverageRun * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRun = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.runsTotal.WithLabelValues(outcome).Inc()
	t.attemptsHist.Observe(float64(event.Attempts))

	t.logger.Printf("Run Event: ID=%s, EMR=%s, Success=%t, Attempts=%d, Duration=%v, Reason=%s",
		event.RunID, event.EMRID, event.Success, event.Attempts, event.Duration, event.FailureKind)
}

// RecordStageEvent records one state execution.
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StageExecutions[event.Stage]++
	count := t.metrics.StageExecutions[event.Stage]
	if count == 1 {
		t.metrics.StageAverage[event.Stage] = event.Duration
	} else {
		total := t.metrics.StageAverage[event.Stage] * time.Duration(count-1)
		t.metrics.StageAverage[event.Stage] = (total + event.Duration) / time.Duration(count)
	}

	t.stageSeconds.WithLabelValues(event.Stage).Observe(event.Duration.Seconds())
}

// RecordLLMEvent records one inference call with its token usage and cost.
func (t *Telemetry) RecordLLMEvent(ctx context.Context, event LLMEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[event.Model]++
	t.metrics.LLMTokensUsed[event.Model] += event.InputTokens + event.OutputTokens

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.InputTokens + event.OutputTokens
	t.costTracker.ModelCosts[event.Model] += event.Cost
	t.costTracker.StageCosts[event.Stage] += event.Cost

	t.llmTokens.WithLabelValues(event.Model, "input").Add(float64(event.InputTokens))
	t.llmTokens.WithLabelValues(event.Model, "output").Add(float64(event.OutputTokens))
	t.llmCost.WithLabelValues(event.Model).Add(event.Cost)

	t.logger.Printf("LLM Event: Stage=%s, Model=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d/%d",
		event.Stage, event.Model, event.Success, event.Duration, event.Cost, event.InputTokens, event.OutputTokens)
}

// RecordProviderEvent records one search or fetch provider call.
func (t *Telemetry) RecordProviderEvent(ctx context.Context, event ProviderEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ProviderRequests[event.Provider]++
	count := t.metrics.ProviderRequests[event.Provider]

	current := t.metrics.ProviderSuccessRates[event.Provider] * float64(count-1)
	if event.Success {
		current += 1.0
	}
	t.metrics.ProviderSuccessRates[event.Provider] = current / float64(count)

	if count == 1 {
		t.metrics.ProviderAverage[event.Provider] = event.Duration
	} else {
		total := t.metrics.ProviderAverage[event.Provider] * time.Duration(count-1)
		t.metrics.ProviderAverage[event.Provider] = (total + event.Duration) / time.Duration(count)
	}

	outcome := "ok"
	if !event.Success {
		outcome = "error"
	}
	t.providerCalls.WithLabelValues(event.Provider, outcome).Inc()
}

// GetMetrics returns a copy of the current counters.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.FailureKinds = copyInt64Map(t.metrics.FailureKinds)
	metrics.StageExecutions = copyInt64Map(t.metrics.StageExecutions)
	metrics.StageAverage = copyDurationMap(t.metrics.StageAverage)
	metrics.LLMRequests = copyInt64Map(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyInt64Map(t.metrics.LLMTokensUsed)
	metrics.ProviderRequests = copyInt64Map(t.metrics.ProviderRequests)
	metrics.ProviderSuccessRates = copyFloat64Map(t.metrics.ProviderSuccessRates)
	metrics.ProviderAverage = copyDurationMap(t.metrics.ProviderAverage)
	return metrics
}

// CostSummary is a snapshot of accumulated inference spend.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	StageCosts  map[string]float64
	ModelCosts  map[string]float64
}

// GetCostSummary returns a copy of the current cost counters.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		StageCosts:  copyFloat64Map(t.costTracker.StageCosts),
		ModelCosts:  copyFloat64Map(t.costTracker.ModelCosts),
	}
}

func (t *Telemetry) startMetricsReporting() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()
		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, Attempts=%d, AvgRun=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SucceededRuns, metrics.TotalRuns, metrics.TotalAttempts,
			metrics.AverageRun, costs.TotalCost, costs.TotalTokens)
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SucceededRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run: %v", metrics.AverageRun)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport renders a human-readable summary.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	report := fmt.Sprintf(`
=== DISCOVERY PERFORMANCE ===
Runs: %d total, %d succeeded, %d failed
Attempts: %d total
Average Run: %v
Total Cost: $%.4f (%d tokens)

Stage Performance:
`, metrics.TotalRuns, metrics.SucceededRuns, metrics.FailedRuns,
		metrics.TotalAttempts, metrics.AverageRun, costs.TotalCost, costs.TotalTokens)

	for stage, count := range metrics.StageExecutions {
		report += fmt.Sprintf("  %s: %d executions, %v avg\n", stage, count, metrics.StageAverage[stage])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, metrics.LLMTokensUsed[model], costs.ModelCosts[model])
	}

	report += "\nProvider Performance:\n"
	for provider, requests := range metrics.ProviderRequests {
		report += fmt.Sprintf("  %s: %d requests, %.2f%% success, %v avg\n",
			provider, requests, metrics.ProviderSuccessRates[provider]*100, metrics.ProviderAverage[provider])
	}
	return report
}

func copyInt64Map(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloat64Map(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurationMap(in map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
