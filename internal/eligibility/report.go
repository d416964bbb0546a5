package eligibility

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const reportDisclaimer = "*Generated criteria are drafts grounded in similar registered trials. They require review by a qualified clinical investigator before use.*"

// BuildReportMarkdown renders a finished job as a markdown report.
func BuildReportMarkdown(result Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Eligibility Criteria Report\n\n")
	fmt.Fprintf(&b, "- Job ID: %s\n", result.JobID)
	fmt.Fprintf(&b, "- State: `%s`\n", result.State)
	fmt.Fprintf(&b, "- Date: %s\n\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "%s\n\n", reportDisclaimer)

	buildSimilarTrials(&b, result)
	buildCriteriaByCategory(&b, result)
	buildUserCriteria(&b, result)
	buildValueMetrics(&b, result)
	buildRunMetadata(&b, result)
	return b.String()
}

func buildSimilarTrials(b *strings.Builder, result Result) {
	fmt.Fprintf(b, "## Similar Trials\n\n")
	if len(result.Documents) == 0 {
		fmt.Fprintf(b, "No similar trials matched the filters.\n\n")
		return
	}
	fmt.Fprintf(b, "| Trial | Combined Score | Best Section | Phases | Countries |\n|---|---:|---|---|---|\n")
	for _, d := range result.Documents {
		phases, countries := "(none)", "(none)"
		if d.Metadata != nil {
			if len(d.Metadata.Phases) > 0 {
				phases = strings.Join(d.Metadata.Phases, ", ")
			}
			if len(d.Metadata.Countries) > 0 {
				countries = strings.Join(d.Metadata.Countries, ", ")
			}
		}
		fmt.Fprintf(b, "| [%s](%s) | %d%% | %s | %s | %s |\n", d.DocumentID, trialURL(d.DocumentID), int(d.CombinedScore*100), d.BestSection, phases, countries)
	}
	b.WriteString("\n")
}

func buildCriteriaByCategory(b *strings.Builder, result Result) {
	fmt.Fprintf(b, "## Generated Criteria\n\n")
	if len(result.CategorizedData) == 0 {
		fmt.Fprintf(b, "No criteria were generated.\n\n")
		return
	}
	for _, class := range CriteriaCategories {
		entry, ok := result.CategorizedData[class]
		if !ok || (len(entry.Inclusion) == 0 && len(entry.Exclusion) == 0) {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", class)
		if len(entry.Inclusion) > 0 {
			fmt.Fprintf(b, "Inclusion:\n\n")
			for _, c := range entry.Inclusion {
				fmt.Fprintf(b, "- %s (sources: %s)\n", safeLine(c.Statement), strings.Join(sortedSourceIDs(c.Source), ", "))
			}
			b.WriteString("\n")
		}
		if len(entry.Exclusion) > 0 {
			fmt.Fprintf(b, "Exclusion:\n\n")
			for _, c := range entry.Exclusion {
				fmt.Fprintf(b, "- %s (sources: %s)\n", safeLine(c.Statement), strings.Join(sortedSourceIDs(c.Source), ", "))
			}
			b.WriteString("\n")
		}
	}
}

func buildUserCriteria(b *strings.Builder, result Result) {
	if len(result.UserCategorizedData) == 0 {
		return
	}
	fmt.Fprintf(b, "## User Criteria By Category\n\n")
	for _, class := range CriteriaCategories {
		entry, ok := result.UserCategorizedData[class]
		if !ok || (len(entry.Inclusion) == 0 && len(entry.Exclusion) == 0) {
			continue
		}
		fmt.Fprintf(b, "### %s\n\n", class)
		for _, c := range entry.Inclusion {
			fmt.Fprintf(b, "- (inclusion) %s\n", safeLine(c.Statement))
		}
		for _, c := range entry.Exclusion {
			fmt.Fprintf(b, "- (exclusion) %s\n", safeLine(c.Statement))
		}
		b.WriteString("\n")
	}
}

func buildValueMetrics(b *strings.Builder, result Result) {
	fmt.Fprintf(b, "## Recurring Values\n\n")
	if len(result.Metrics) == 0 {
		fmt.Fprintf(b, "No recurring quantitative values were found.\n\n")
		return
	}
	fmt.Fprintf(b, "| Value | Count | Sources |\n|---|---:|---|\n")
	for _, m := range result.Metrics {
		fmt.Fprintf(b, "| %s | %d | %s |\n", safeLine(m.Value), m.Count, strings.Join(m.Source, ", "))
	}
	b.WriteString("\n")
}

func buildRunMetadata(b *strings.Builder, result Result) {
	fmt.Fprintf(b, "## Metadata\n\n")
	fmt.Fprintf(b, "- Runtime (ms): %d\n", result.Metadata.DurationMS)
	fmt.Fprintf(b, "- Model: %s\n", result.Metadata.Model)
	fmt.Fprintf(b, "- Documents retrieved: %d\n", result.Metadata.DocumentsRetrieved)
	fmt.Fprintf(b, "- Documents retained: %d\n", result.Metadata.DocumentsRetained)
	fmt.Fprintf(b, "- Sections queried: %d (failed: %d)\n", result.Metadata.SectionsQueried, result.Metadata.SectionsFailed)
	fmt.Fprintf(b, "- Generator calls: %d\n", result.Metadata.GeneratorCalls)
	if len(result.Warnings) > 0 {
		fmt.Fprintf(b, "\n### Warnings\n\n")
		for _, w := range result.Warnings {
			fmt.Fprintf(b, "- %s\n", safeLine(w))
		}
	}
	b.WriteString("\n")
}

func sortedSourceIDs(source map[string]string) []string {
	ids := make([]string, 0, len(source))
	for id := range source {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func trialURL(id string) string {
	return "https://clinicaltrials.gov/study/" + strings.TrimSpace(id)
}

func safeLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(none)"
	}
	return strings.ReplaceAll(s, "\n", " ")
}
