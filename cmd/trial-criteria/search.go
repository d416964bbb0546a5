package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/embedding"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/trialstore"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/vectorindex"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Retrieve, filter and score similar trials without generating criteria",
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().String("request", "", "path to the job request JSON file (required)")
	_ = searchCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	requestPath, _ := cmd.Flags().GetString("request")
	req, err := loadRequest(requestPath)
	if err != nil {
		return err
	}

	store, err := trialstore.Open(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	embedder, err := embedding.NewOpenAIClientFromEnv()
	if err != nil {
		return err
	}
	indexClient, err := vectorindex.NewClient(vectorindex.Config{
		APIKey:     viper.GetString("vector_index_api_key"),
		BaseURL:    viper.GetString("vector_index_url"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}

	retriever := eligibility.NewRetriever(embedder, vectorindex.NewSectionIndex(indexClient), viper.GetInt("topk"))
	retrieved, err := retriever.Run(ctx, req)
	if err != nil {
		return err
	}
	kept, warnings := eligibility.NewFilterStage(store).Run(ctx, retrieved.Documents, req.Filters)
	scored, scoreWarnings, err := eligibility.NewScorer(embedder, store).Run(ctx, req, kept)
	if err != nil {
		return err
	}

	out := struct {
		Documents []eligibility.ScoredDocument `json:"documents"`
		Warnings  []string                     `json:"warnings"`
	}{Documents: scored, Warnings: append(append(retrieved.Warnings, warnings...), scoreWarnings...)}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Join(errors.New("encode result"), err)
	}
	fmt.Fprintln(os.Stdout, string(blob))
	return nil
}
