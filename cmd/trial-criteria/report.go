package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/report"
	"github.com/Siro-Secret-Project/slices-trial-service/internal/trialstore"
)

var reportCmd = &cobra.Command{
	Use:   "report <ecid>",
	Short: "Render the report for a stored job",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().String("out", "", "write the markdown report to this file (default: stdout)")
	reportCmd.Flags().String("pdf", "", "also render a PDF to this file")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	jobID := args[0]

	store, err := trialstore.Open(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	result := eligibility.Result{
		JobID:               rec.JobID,
		State:               rec.State,
		GeneratedInclusion:  rec.Inclusion,
		GeneratedExclusion:  rec.Exclusion,
		CategorizedData:     rec.CategorizedData,
		UserCategorizedData: rec.UserCategorizedData,
		Metrics:             rec.Metrics,
		Warnings:            rec.Warnings,
	}
	if docs, err := store.SimilarTrials(ctx, jobID); err == nil {
		result.Documents = docs
	}

	markdown := eligibility.BuildReportMarkdown(result)
	if outPath, _ := cmd.Flags().GetString("out"); outPath != "" {
		if err := os.WriteFile(outPath, []byte(markdown), 0o644); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(os.Stdout, markdown)
	}

	if pdfPath, _ := cmd.Flags().GetString("pdf"); pdfPath != "" {
		pdf, err := report.NewChromiumPDFRenderer().Render(ctx, markdown)
		if err != nil {
			return fmt.Errorf("render pdf: %w", err)
		}
		if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
			return err
		}
	}
	return nil
}
