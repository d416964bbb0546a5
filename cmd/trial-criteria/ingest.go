package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/embedding"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/trialstore"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load trial documents into the store, embedding each section",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().String("file", "", "path to a JSON array of trial documents (required)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}

type ingestDocument struct {
	DocumentID string                         `json:"documentId"`
	Sections   map[eligibility.Section]string `json:"sections"`
	Metadata   eligibility.DocumentMetadata   `json:"metadata"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path, _ := cmd.Flags().GetString("file")
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var docs []ingestDocument
	if err := json.Unmarshal(b, &docs); err != nil {
		return fmt.Errorf("decode documents: %w", err)
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

	stored := 0
	for _, doc := range docs {
		if strings.TrimSpace(doc.DocumentID) == "" {
			fmt.Fprintln(os.Stderr, "skipping document with empty documentId")
			continue
		}
		vectors := map[eligibility.Section][]float32{}
		for section, text := range doc.Sections {
			if strings.TrimSpace(text) == "" {
				continue
			}
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embed %s/%s: %w", doc.DocumentID, section, err)
			}
			vectors[section] = vec
		}
		if err := store.UpsertDocument(ctx, trialstore.DocumentRecord{
			DocumentID: doc.DocumentID,
			Sections:   doc.Sections,
			Metadata:   doc.Metadata,
			Vectors:    vectors,
		}); err != nil {
			return fmt.Errorf("store %s: %w", doc.DocumentID, err)
		}
		stored++
	}
	fmt.Printf("ingested %d documents\n", stored)
	return nil
}
