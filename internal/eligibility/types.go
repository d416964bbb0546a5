package eligibility

import "time"

const (
	DefaultLLMModel          = "claude-sonnet-4-5"
	DefaultTopK              = 10
	DefaultSynthesisWorkers  = 16
	DefaultMergeWorkers      = 5
	MergeBatchThreshold      = 25
	MaxRetainedDocuments     = 100
	MinSimilarityPercent     = 50
	WorkflowStepTrialService = "trial-services"
)

// Section names a slice of a trial document used as an independent unit of
// retrieval and scoring.
type Section string

const (
	SectionInclusion Section = "inclusion"
	SectionExclusion Section = "exclusion"
	SectionRationale Section = "rationale"
	SectionCondition Section = "condition"
	SectionOutcomes  Section = "outcomes"
	SectionTitle     Section = "title"
)

// AllSections returns the fixed retrieval taxonomy in its canonical order.
func AllSections() []Section {
	return []Section{SectionInclusion, SectionExclusion, SectionRationale, SectionCondition, SectionOutcomes, SectionTitle}
}

// SearchCriterion is one section of the caller's proposed trial. Empty text
// means the section contributes no retrieval and no weight.
type SearchCriterion struct {
	Section Section `json:"section"`
	Text    string  `json:"text"`
}

// Hit is a single nearest-neighbor match returned by the vector index.
type Hit struct {
	DocumentID string  `json:"documentId"`
	Section    Section `json:"section"`
	Score      float64 `json:"score"`
}

const Unknown = "Unknown"

// DocumentMetadata carries the structured fields used by the trial filter.
// EnrollmentUnknown marks a missing participant count.
const EnrollmentUnknown = -1

type DocumentMetadata struct {
	Countries       []string `json:"countries"`
	Phases          []string `json:"phases"`
	EnrollmentCount int      `json:"enrollmentCount"`
	StartDate       string   `json:"startDate"`
	EndDate         string   `json:"endDate"`
	SponsorClass    string   `json:"sponsorClass"`
}

// UnknownMetadata is the permissive default used when a metadata fetch fails.
func UnknownMetadata() DocumentMetadata {
	return DocumentMetadata{
		Countries:       []string{},
		Phases:          []string{},
		EnrollmentCount: EnrollmentUnknown,
		StartDate:       Unknown,
		EndDate:         Unknown,
		SponsorClass:    Unknown,
	}
}

// UniqueDocument is the per-document reduction of all section retrievals.
// BestScore never decreases once set; it equals the maximum raw score seen
// across every section retrieval that returned this document.
type UniqueDocument struct {
	DocumentID  string            `json:"documentId"`
	BestSection Section           `json:"bestSection"`
	BestScore   float64           `json:"bestScore"`
	Metadata    *DocumentMetadata `json:"metadata,omitempty"`
}

// ScoredDocument is a retained document with its weighted similarity result.
// SectionScores holds the raw per-section cosine similarity for sections
// present in both the caller's input and the document.
type ScoredDocument struct {
	UniqueDocument
	SectionScores map[Section]float64 `json:"sectionScores"`
	CombinedScore float64             `json:"combinedScore"`
}

type CountryLogic string

const (
	CountryLogicAnd CountryLogic = "AND"
	CountryLogicOr  CountryLogic = "OR"
)

// Filters are independent AND-conjunctions across dimensions. A nil/empty
// dimension is inactive and passes every document.
type Filters struct {
	Phases        []string     `json:"phases,omitempty"`
	SponsorClass  string       `json:"sponsorClass,omitempty"`
	Countries     []string     `json:"countries,omitempty"`
	CountryLogic  CountryLogic `json:"countryLogic,omitempty"`
	StartDate     string       `json:"startDate,omitempty"`
	EndDate       string       `json:"endDate,omitempty"`
	SampleSizeMin *int         `json:"sampleSizeMin,omitempty"`
	SampleSizeMax *int         `json:"sampleSizeMax,omitempty"`
}

type Direction string

const (
	DirectionInclusion Direction = "Inclusion"
	DirectionExclusion Direction = "Exclusion"
)

// CriteriaCategories is the fixed taxonomy used by categorization and the
// merge reducer. Anything the generator invents normalizes to "Other".
var CriteriaCategories = []string{
	"Age",
	"Gender",
	"Health Condition/Status",
	"Clinical and Laboratory Parameters",
	"Medication Status",
	"Informed Consent",
	"Ability to Comply with Study Procedures",
	"Lifestyle Requirements",
	"Reproductive Status",
	"Co-morbid Conditions",
	"Recent Participation in Other Clinical Trials",
	"Allergies and Drug Reactions",
	"Mental Health Disorders",
	"Infectious Diseases",
	"Other",
}

// CandidateCriterion is one synthesized eligibility statement with traceable
// provenance. CriteriaID is opaque and never derived from content; the merge
// reducer mints a fresh one for every surviving group.
type CandidateCriterion struct {
	CriteriaID string            `json:"criteriaID"`
	Statement  string            `json:"criteria"`
	Category   string            `json:"class,omitempty"`
	Source     map[string]string `json:"source"`
}

// CategorizedCriteria groups merged criteria for one category.
type CategorizedCriteria struct {
	Inclusion []CandidateCriterion `json:"Inclusion"`
	Exclusion []CandidateCriterion `json:"Exclusion"`
}

// ValueMetric is one recurring quantitative value (e.g. an HbA1c range)
// extracted across the retained documents.
type ValueMetric struct {
	Value  string   `json:"value"`
	Count  int      `json:"count"`
	Source []string `json:"source"`
}

type JobState string

const (
	JobPending   JobState = "Pending"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
)

// Request is the caller's input for one eligibility-criteria job.
type Request struct {
	JobID             string              `json:"ecid"`
	UserName          string              `json:"userName,omitempty"`
	Rationale         string              `json:"rationale"`
	InclusionCriteria string              `json:"inclusionCriteria"`
	ExclusionCriteria string              `json:"exclusionCriteria"`
	Condition         string              `json:"condition,omitempty"`
	Outcomes          string              `json:"trialOutcomes,omitempty"`
	Title             string              `json:"title,omitempty"`
	Objective         string              `json:"objective,omitempty"`
	Weights           map[Section]float64 `json:"weights,omitempty"`
	Filters           Filters             `json:"filters"`
}

// Criteria returns the six search criteria derived from the request, in
// canonical order. Blank sections are carried through and skipped by the
// retriever.
func (r Request) Criteria() []SearchCriterion {
	return []SearchCriterion{
		{Section: SectionInclusion, Text: r.InclusionCriteria},
		{Section: SectionExclusion, Text: r.ExclusionCriteria},
		{Section: SectionRationale, Text: r.Rationale},
		{Section: SectionCondition, Text: r.Condition},
		{Section: SectionOutcomes, Text: r.Outcomes},
		{Section: SectionTitle, Text: r.Title},
	}
}

// SectionText returns the caller's text for a section, blank when unset.
func (r Request) SectionText(s Section) string {
	for _, c := range r.Criteria() {
		if c.Section == s {
			return c.Text
		}
	}
	return ""
}

// RunMetadata summarizes one pipeline run.
type RunMetadata struct {
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	DurationMS         int64     `json:"duration_ms"`
	Model              string    `json:"model"`
	DocumentsRetrieved int       `json:"documents_retrieved"`
	DocumentsRetained  int       `json:"documents_retained"`
	SectionsQueried    int       `json:"sections_queried"`
	SectionsFailed     int       `json:"sections_failed"`
	SynthesisFailed    int       `json:"synthesis_failed"`
	MergeFailed        int       `json:"merge_failed"`
	GeneratorCalls     int       `json:"generator_calls"`
}

// Result is everything a finished job produced, including partial output
// from stages that degraded. Warnings lists contained per-item failures.
type Result struct {
	JobID               string                         `json:"ecid"`
	State               JobState                       `json:"state"`
	Documents           []ScoredDocument               `json:"documents"`
	GeneratedInclusion  []CandidateCriterion           `json:"generatedInclusion"`
	GeneratedExclusion  []CandidateCriterion           `json:"generatedExclusion"`
	CategorizedData     map[string]CategorizedCriteria `json:"categorizedData"`
	UserCategorizedData map[string]CategorizedCriteria `json:"userCategorizedData"`
	Metrics             []ValueMetric                  `json:"metrics"`
	Warnings            []string                       `json:"warnings"`
	Metadata            RunMetadata                    `json:"metadata"`
}
