package eligibility

import (
	"strings"
	"testing"
)

func TestBuildReportMarkdown(t *testing.T) {
	md := DocumentMetadata{Phases: []string{"Phase 2"}, Countries: []string{"Germany", "France"}}
	result := Result{
		JobID: "job-1",
		State: JobCompleted,
		Documents: []ScoredDocument{{
			UniqueDocument: UniqueDocument{DocumentID: "NCT001", BestSection: SectionInclusion, Metadata: &md},
			CombinedScore:  0.9,
		}},
		CategorizedData: map[string]CategorizedCriteria{
			"Age": {
				Inclusion: []CandidateCriterion{{Statement: "Age >= 18", Source: map[string]string{"NCT001": "Age >= 18 years"}}},
			},
		},
		UserCategorizedData: map[string]CategorizedCriteria{
			"Health Condition/Status": {
				Inclusion: []CandidateCriterion{{Statement: "Adults with type 2 diabetes"}},
			},
		},
		Metrics:  []ValueMetric{{Value: "HbA1c 7.0-10.0%", Count: 2, Source: []string{"NCT001", "NCT002"}}},
		Warnings: []string{"metadata unavailable for NCT009"},
		Metadata: RunMetadata{Model: "test-model", DocumentsRetrieved: 3, DocumentsRetained: 1},
	}

	report := BuildReportMarkdown(result)
	for _, want := range []string{
		"# Eligibility Criteria Report",
		"Job ID: job-1",
		"## Similar Trials",
		"[NCT001](https://clinicaltrials.gov/study/NCT001)",
		"| 90% |",
		"## Generated Criteria",
		"### Age",
		"- Age >= 18 (sources: NCT001)",
		"## User Criteria By Category",
		"- (inclusion) Adults with type 2 diabetes",
		"## Recurring Values",
		"| HbA1c 7.0-10.0% | 2 | NCT001, NCT002 |",
		"## Metadata",
		"### Warnings",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestBuildReportMarkdownEmptyResult(t *testing.T) {
	report := BuildReportMarkdown(Result{JobID: "job-1", State: JobCompleted})
	if !strings.Contains(report, "No similar trials matched the filters.") {
		t.Fatalf("empty document section missing:\n%s", report)
	}
	if !strings.Contains(report, "No criteria were generated.") {
		t.Fatalf("empty criteria section missing:\n%s", report)
	}
	if strings.Contains(report, "## User Criteria By Category") {
		t.Fatal("user criteria section must be omitted when empty")
	}
}

func TestSafeLine(t *testing.T) {
	if got := safeLine(" a\nb "); got != "a b" {
		t.Fatalf("safeLine flattening failed: %q", got)
	}
	if got := safeLine("  "); got != "(none)" {
		t.Fatalf("blank input maps to (none): %q", got)
	}
}
