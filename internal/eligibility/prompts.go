package eligibility

import (
	"fmt"
	"strings"
)

const jsonOnlyHeader = "Return valid JSON only. No markdown fences, no commentary.\n\n"

// DocumentText is the section text of one stored trial document.
type DocumentText struct {
	DocumentID string             `json:"documentId"`
	Sections   map[Section]string `json:"sections"`
}

func buildSynthesisPrompt(req Request, doc DocumentText, accepted []CandidateCriterion) string {
	var b strings.Builder
	b.WriteString(jsonOnlyHeader)
	b.WriteString(`You are drafting eligibility criteria for a new clinical trial. Draft
inclusion and exclusion criteria grounded ONLY in the reference trial
document below. Do not invent criteria that have no support in the
reference document.

IMPORTANT: Return valid JSON only. No markdown fences, no commentary, no
preamble. Your entire response must be a single JSON object matching the
schema below.

TRIAL RATIONALE:
` + req.Rationale + "\n")
	if strings.TrimSpace(req.Condition) != "" {
		b.WriteString("\nMEDICAL CONDITION:\n" + req.Condition + "\n")
	}
	if strings.TrimSpace(req.Outcomes) != "" {
		b.WriteString("\nTRIAL OUTCOMES:\n" + req.Outcomes + "\n")
	}
	b.WriteString("\nUSER-PROVIDED INCLUSION CRITERIA:\n" + orNone(req.InclusionCriteria) + "\n")
	b.WriteString("\nUSER-PROVIDED EXCLUSION CRITERIA:\n" + orNone(req.ExclusionCriteria) + "\n")

	b.WriteString("\nREFERENCE TRIAL DOCUMENT:\nDOCUMENT_ID: " + doc.DocumentID + "\n")
	for _, s := range AllSections() {
		text := strings.TrimSpace(doc.Sections[s])
		if text == "" {
			continue
		}
		b.WriteString(strings.ToUpper(string(s)) + ": " + clampString(text, 4000) + "\n")
	}

	if len(accepted) > 0 {
		b.WriteString("\nCRITERIA ALREADY DRAFTED FROM OTHER REFERENCE TRIALS (avoid exact duplicates, but do not drop genuinely distinct criteria):\n")
		for _, c := range accepted {
			b.WriteString("- " + clampString(c.Statement, 300) + "\n")
		}
	}

	b.WriteString(`
RULES:
- Every drafted criterion must cite the reference document statement it was
  derived from in its source map.
- Keep each criterion a single, self-contained statement.
- Preserve numeric thresholds exactly as the reference document states them.
- Return empty arrays when the reference document supports no criteria.

Required output schema:
{
  "inclusionCriteria": [
    {
      "criteria": "string (one inclusion criterion)",
      "source": {"` + doc.DocumentID + `": "the original statement this was derived from"}
    }
  ],
  "exclusionCriteria": [
    {
      "criteria": "string (one exclusion criterion)",
      "source": {"` + doc.DocumentID + `": "the original statement this was derived from"}
    }
  ]
}`)
	return b.String()
}

func buildCategorizePrompt(criteria []CandidateCriterion) string {
	var b strings.Builder
	b.WriteString(jsonOnlyHeader)
	b.WriteString(`You are classifying clinical trial eligibility criteria. Assign each
criterion exactly one class from this fixed list:

`)
	for _, c := range CriteriaCategories {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\nCRITERIA TO CLASSIFY:\n")
	for _, c := range criteria {
		b.WriteString("CRITERIA_ID: " + c.CriteriaID + "\n")
		b.WriteString("CRITERIA: " + clampString(c.Statement, 500) + "\n\n")
	}
	b.WriteString(`Use "Other" when no listed class fits. Classify every criterion; do not
skip or invent criteria IDs.

Required output schema:
{
  "classifications": [
    {"criteriaID": "string (an id from the input)", "class": "string (one of the listed classes)"}
  ]
}`)
	return b.String()
}

func buildUserCriteriaPrompt(inclusionText, exclusionText string) string {
	var b strings.Builder
	b.WriteString(jsonOnlyHeader)
	b.WriteString(`You are splitting free-text clinical trial eligibility criteria into
individual statements and classifying each one. Assign each statement
exactly one class from this fixed list:

`)
	for _, c := range CriteriaCategories {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\nINCLUSION CRITERIA TEXT:\n" + orNone(inclusionText) + "\n")
	b.WriteString("\nEXCLUSION CRITERIA TEXT:\n" + orNone(exclusionText) + "\n")
	b.WriteString(`
Split on sentence and bullet boundaries; keep every statement verbatim.
Use "Other" when no listed class fits. Return empty arrays for empty input.

Required output schema:
{
  "inclusionCriteria": [
    {"criteria": "string (one verbatim statement)", "class": "string (one of the listed classes)"}
  ],
  "exclusionCriteria": [
    {"criteria": "string (one verbatim statement)", "class": "string (one of the listed classes)"}
  ]
}`)
	return b.String()
}

func buildMergePrompt(category string, direction Direction, batch []CandidateCriterion) string {
	var b strings.Builder
	b.WriteString(jsonOnlyHeader)
	b.WriteString(fmt.Sprintf(`You are deduplicating clinical trial %s criteria in the class %q.
Group criteria that impose THE SAME condition with THE SAME value or
threshold. Criteria with different values must stay in different groups:
"Age 18 or above" and "Age >= 18" are the same criterion, but "Age >= 18"
and "Age >= 20" are NOT and must never be merged.

CRITERIA:
`, strings.ToLower(string(direction)), category))
	for _, c := range batch {
		b.WriteString("CRITERIA_ID: " + c.CriteriaID + "\n")
		b.WriteString("CRITERIA: " + clampString(c.Statement, 500) + "\n\n")
	}
	b.WriteString(`Every input criterion must appear in exactly one group. A criterion with
no duplicate forms a group of one. Word the merged statement to preserve
the shared condition and value exactly.

Required output schema:
{
  "groups": [
    {
      "criteria": "string (the merged statement)",
      "criteriaIDs": ["string (ids from the input belonging to this group)"]
    }
  ]
}`)
	return b.String()
}

func buildMetricsPrompt(docs []DocumentText) string {
	var b strings.Builder
	b.WriteString(jsonOnlyHeader)
	b.WriteString(`You are extracting recurring quantitative values from clinical trial
eligibility criteria (ages, lab thresholds like HbA1c or eGFR ranges,
BMI bounds, washout durations). For each distinct value, list every
document it appears in.

TRIAL DOCUMENTS:
`)
	for _, d := range docs {
		b.WriteString("DOCUMENT_ID: " + d.DocumentID + "\n")
		inc := strings.TrimSpace(d.Sections[SectionInclusion])
		exc := strings.TrimSpace(d.Sections[SectionExclusion])
		if inc != "" {
			b.WriteString("INCLUSION: " + clampString(inc, 2000) + "\n")
		}
		if exc != "" {
			b.WriteString("EXCLUSION: " + clampString(exc, 2000) + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(`Report a value verbatim with its unit (e.g. "HbA1c 7.0-10.0%"). Only cite
document ids from the input. Return an empty array when no quantitative
values recur.

Required output schema:
{
  "metrics": [
    {"value": "string (the quantitative value with unit)", "source": ["string (document ids)"]}
  ]
}`)
	return b.String()
}

func orNone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(none provided)"
	}
	return s
}
