package eligibility

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
)

type Categorizer struct {
	exec *StageExecutor
}

func NewCategorizer(exec *StageExecutor) *Categorizer {
	return &Categorizer{exec: exec}
}

type classificationOutput struct {
	Classifications []struct {
		CriteriaID string `json:"criteriaID"`
		Class      string `json:"class"`
	} `json:"classifications"`
}

// CategorizeGenerated assigns each candidate one of the fixed classes.
// Unknown ids returned by the model are dropped; candidates the model
// skipped default to "Other".
func (c *Categorizer) CategorizeGenerated(ctx context.Context, criteria []CandidateCriterion) ([]CandidateCriterion, StageAttemptMetrics, error) {
	if len(criteria) == 0 {
		return criteria, StageAttemptMetrics{}, nil
	}

	known := map[string]struct{}{}
	for _, cr := range criteria {
		known[cr.CriteriaID] = struct{}{}
	}

	out := classificationOutput{}
	prompt := buildCategorizePrompt(criteria)
	m, err := c.exec.Run(ctx, "categorize", prompt, &out, func() error { return nil })
	if err != nil {
		return nil, m, err
	}

	classByID := map[string]string{}
	for _, cl := range out.Classifications {
		id := strings.TrimSpace(cl.CriteriaID)
		if _, ok := known[id]; !ok {
			log.Printf("trial-criteria categorize dropped unknown criteria_id=%s", id)
			continue
		}
		classByID[id] = normalizeCategory(cl.Class)
	}

	result := make([]CandidateCriterion, len(criteria))
	for i, cr := range criteria {
		class, ok := classByID[cr.CriteriaID]
		if !ok {
			log.Printf("trial-criteria categorize missing classification criteria_id=%s", cr.CriteriaID)
			class = "Other"
		}
		cr.Category = class
		result[i] = cr
	}
	return result, m, nil
}

type userCriteriaOutput struct {
	InclusionCriteria []struct {
		Criteria string `json:"criteria"`
		Class    string `json:"class"`
	} `json:"inclusionCriteria"`
	ExclusionCriteria []struct {
		Criteria string `json:"criteria"`
		Class    string `json:"class"`
	} `json:"exclusionCriteria"`
}

// CategorizeUserCriteria splits the caller's free-text criteria into
// individual classified statements, keyed by category.
func (c *Categorizer) CategorizeUserCriteria(ctx context.Context, inclusionText, exclusionText string) (map[string]CategorizedCriteria, StageAttemptMetrics, error) {
	result := map[string]CategorizedCriteria{}
	if strings.TrimSpace(inclusionText) == "" && strings.TrimSpace(exclusionText) == "" {
		return result, StageAttemptMetrics{}, nil
	}

	out := userCriteriaOutput{}
	prompt := buildUserCriteriaPrompt(inclusionText, exclusionText)
	m, err := c.exec.Run(ctx, "categorize_user", prompt, &out, func() error { return nil })
	if err != nil {
		return nil, m, err
	}

	for _, item := range out.InclusionCriteria {
		statement := strings.TrimSpace(item.Criteria)
		if statement == "" {
			continue
		}
		class := normalizeCategory(item.Class)
		entry := result[class]
		entry.Inclusion = append(entry.Inclusion, CandidateCriterion{
			CriteriaID: uuid.NewString(),
			Statement:  statement,
			Category:   class,
			Source:     map[string]string{"user": statement},
		})
		result[class] = entry
	}
	for _, item := range out.ExclusionCriteria {
		statement := strings.TrimSpace(item.Criteria)
		if statement == "" {
			continue
		}
		class := normalizeCategory(item.Class)
		entry := result[class]
		entry.Exclusion = append(entry.Exclusion, CandidateCriterion{
			CriteriaID: uuid.NewString(),
			Statement:  statement,
			Category:   class,
			Source:     map[string]string{"user": statement},
		})
		result[class] = entry
	}
	return result, m, nil
}

func normalizeCategory(class string) string {
	class = strings.TrimSpace(class)
	for _, c := range CriteriaCategories {
		if strings.EqualFold(c, class) {
			return c
		}
	}
	return "Other"
}
