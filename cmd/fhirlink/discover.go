package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/agent/telemetry"
	"github.com/openscribe/fhirlink/internal/cache"
	"github.com/openscribe/fhirlink/internal/store"
)

// discoverCMD runs a single discovery against one EMR and prints the
// result as JSON. Postgres and redis are optional here: without them the
// run still completes, it just isn't persisted or cached.
func discoverCMD() *cobra.Command {
	var cfgPath string
	var emrID string
	var docURL string
	var samplePath string
	var maxAttempts int
	var baseURL string
	var apiToken string

	var discover = &cobra.Command{
		Use:          "discover",
		Short:        "Discover the API mapping for one EMR",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(log.Writer(), "[DISCOVER] ", log.LstdFlags)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			raw, err := os.ReadFile(samplePath)
			if err != nil {
				return fmt.Errorf("read sample bundle: %w", err)
			}
			var sample map[string]any
			if err := json.Unmarshal(raw, &sample); err != nil {
				return fmt.Errorf("sample bundle is not a JSON object: %w", err)
			}

			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()

			llm, err := core.NewLLMProvider(cfg.LLM)
			if err != nil {
				return fmt.Errorf("llm provider: %w", err)
			}

			var mappings core.MappingStore
			if st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN()); err != nil {
				logger.Printf("postgres unavailable, mapping will not be persisted: %v", err)
				mappings = core.NewMemoryStore()
			} else {
				defer st.DB.Close()
				mappings = st
			}

			var docs core.DocCache
			if rdb, err := cache.Connect(ctx, cfg.Storage.Redis); err != nil {
				logger.Printf("redis unavailable, fetched docs will not be cached: %v", err)
			} else {
				defer rdb.Close()
				docs = cache.NewDocCache(rdb, 0)
			}

			engine, err := core.NewEngine(cfg, llm, mappings, docs, tele)
			if err != nil {
				return fmt.Errorf("engine: %w", err)
			}

			res := engine.Run(ctx, core.DiscoveryInput{
				APIDocURL:   docURL,
				EMRID:       emrID,
				SampleData:  sample,
				MaxAttempts: maxAttempts,
				Credentials: core.Credentials{
					BaseURL:  baseURL,
					APIToken: apiToken,
				},
			})

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			fmt.Println(string(out))

			if res.PersistenceError != "" {
				logger.Printf("mapping discovered but not persisted: %s", res.PersistenceError)
			}
			if !res.Success {
				return fmt.Errorf("discovery failed after %d attempts: %s", res.Attempts, res.FailureKind)
			}
			return nil
		},
	}
	discover.Flags().StringVar(&emrID, "emr", "", "EMR identifier to discover")
	discover.Flags().StringVar(&docURL, "doc-url", "", "known API documentation URL (optional)")
	discover.Flags().StringVar(&samplePath, "sample", "", "path to a sample FHIR bundle JSON file")
	discover.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (0 = configured default)")
	discover.Flags().StringVar(&baseURL, "base-url", "", "EMR API base URL for relative spec URLs")
	discover.Flags().StringVar(&apiToken, "api-token", "", "bearer token handed to the executor")
	discover.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = discover.MarkFlagRequired("emr")
	_ = discover.MarkFlagRequired("sample")

	return discover
}
