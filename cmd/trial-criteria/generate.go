package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one eligibility-criteria generation job",
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().String("request", "", "path to the job request JSON file (required)")
	generateCmd.Flags().String("out", "", "write the full result JSON to this file")
	generateCmd.Flags().String("report", "", "write the markdown report to this file")
	_ = generateCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(generateCmd)
}

func loadRequest(path string) (eligibility.Request, error) {
	var req eligibility.Request
	b, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	shutdown, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(ctx) }()

	requestPath, _ := cmd.Flags().GetString("request")
	req, err := loadRequest(requestPath)
	if err != nil {
		return err
	}

	pipeline, store, err := buildPipeline()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := pipeline.Run(ctx, req)
	if err != nil {
		return err
	}

	if outPath, _ := cmd.Flags().GetString("out"); outPath != "" {
		blob, _ := json.MarshalIndent(result, "", "  ")
		if err := os.WriteFile(outPath, blob, 0o644); err != nil {
			return err
		}
	}
	if reportPath, _ := cmd.Flags().GetString("report"); reportPath != "" {
		if err := os.WriteFile(reportPath, []byte(eligibility.BuildReportMarkdown(result)), 0o644); err != nil {
			return err
		}
	}

	fmt.Printf("job %s %s: %d trials retained, %d inclusion, %d exclusion, %d warnings\n",
		result.JobID, result.State, len(result.Documents),
		len(result.GeneratedInclusion), len(result.GeneratedExclusion), len(result.Warnings))
	return nil
}
