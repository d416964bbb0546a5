// Package main is the entry point for the trial-criteria CLI. It drives
// eligibility-criteria generation jobs: similar-trial search, criteria
// synthesis and reporting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/embedding"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/trialstore"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/vectorindex"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "trial-criteria",
	Short: "Eligibility criteria generation for clinical trial design",
	Long: `trial-criteria generates draft eligibility criteria for a proposed
clinical trial. It retrieves similar registered trials from a vector index,
filters and scores them, synthesizes inclusion and exclusion criteria
grounded in those trials, and merges duplicates per category.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./trial-criteria.yaml or ~/.config/trial-criteria/config.yaml)")
	rootCmd.PersistentFlags().String("db", "trial-criteria.db", "path to the sqlite database")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("trial-criteria")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "trial-criteria"))
		}
	}

	viper.SetEnvPrefix("TRIAL_CRITERIA")
	viper.AutomaticEnv()

	viper.SetDefault("vector_index_url", vectorindex.DefaultBaseURL)
	viper.SetDefault("topk", eligibility.DefaultTopK)
	viper.SetDefault("synthesis_workers", eligibility.DefaultSynthesisWorkers)
	viper.SetDefault("merge_workers", eligibility.DefaultMergeWorkers)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setupTracing installs an OTLP HTTP exporter when otlp_endpoint is set.
// Returns a shutdown function to flush spans on exit.
func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	endpoint := viper.GetString("otlp_endpoint")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "trial-criteria"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// buildPipeline wires the store, embedder, vector index and generator into
// a ready pipeline. The caller owns closing the returned store.
func buildPipeline() (*eligibility.Pipeline, *trialstore.Store, error) {
	store, err := trialstore.Open(viper.GetString("db"))
	if err != nil {
		return nil, nil, err
	}

	embedder, err := embedding.NewOpenAIClientFromEnv()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	indexClient, err := vectorindex.NewClient(vectorindex.Config{
		APIKey:     viper.GetString("vector_index_api_key"),
		BaseURL:    viper.GetString("vector_index_url"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	generator, err := eligibility.NewAnthropicGeneratorFromEnv()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	exec := eligibility.NewStageExecutor(generator)

	pipeline := eligibility.NewPipeline(
		eligibility.NewRetriever(embedder, vectorindex.NewSectionIndex(indexClient), viper.GetInt("topk")),
		eligibility.NewFilterStage(store),
		eligibility.NewScorer(embedder, store),
		eligibility.NewSynthesizer(exec, store, viper.GetInt("synthesis_workers")),
		eligibility.NewCategorizer(exec),
		eligibility.NewMerger(exec, viper.GetInt("merge_workers")),
		eligibility.NewMetricsExtractor(exec, store),
		store,
	)
	return pipeline, store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
