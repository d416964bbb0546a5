package eligibility

import (
	"context"
	"testing"
)

func TestCategorizeGenerated(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{
		"classifications": [
			{"criteriaID": "c1", "class": "age"},
			{"criteriaID": "zzz", "class": "Gender"},
			{"criteriaID": "c3", "class": "Eligibility Vibes"}
		]
	}`}}
	c := NewCategorizer(NewStageExecutor(gen))
	criteria := []CandidateCriterion{
		{CriteriaID: "c1", Statement: "Age >= 18"},
		{CriteriaID: "c2", Statement: "No pregnancy"},
		{CriteriaID: "c3", Statement: "Able to swallow tablets"},
	}
	out, _, err := c.CategorizeGenerated(context.Background(), criteria)
	if err != nil {
		t.Fatalf("CategorizeGenerated: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("every input criterion must survive, got %d", len(out))
	}
	if out[0].Category != "Age" {
		t.Fatalf("class must normalize to the canonical spelling, got %q", out[0].Category)
	}
	if out[1].Category != "Other" {
		t.Fatalf("a skipped criterion must default to Other, got %q", out[1].Category)
	}
	if out[2].Category != "Other" {
		t.Fatalf("an invented class must normalize to Other, got %q", out[2].Category)
	}
}

func TestCategorizeGeneratedEmptyInput(t *testing.T) {
	gen := &fakeGenerator{}
	c := NewCategorizer(NewStageExecutor(gen))
	out, _, err := c.CategorizeGenerated(context.Background(), nil)
	if err != nil {
		t.Fatalf("CategorizeGenerated: %v", err)
	}
	if len(out) != 0 || gen.idx != 0 {
		t.Fatalf("empty input must not call the generator, calls=%d", gen.idx)
	}
}

func TestCategorizeUserCriteria(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{
		"inclusionCriteria": [
			{"criteria": "Adults aged 18 or older", "class": "Age"},
			{"criteria": "", "class": "Gender"}
		],
		"exclusionCriteria": [
			{"criteria": "Currently pregnant", "class": "reproductive status"}
		]
	}`}}
	c := NewCategorizer(NewStageExecutor(gen))
	out, _, err := c.CategorizeUserCriteria(context.Background(), "Adults aged 18 or older.", "Currently pregnant.")
	if err != nil {
		t.Fatalf("CategorizeUserCriteria: %v", err)
	}
	age := out["Age"]
	if len(age.Inclusion) != 1 || age.Inclusion[0].Statement != "Adults aged 18 or older" {
		t.Fatalf("unexpected Age bucket: %+v", age)
	}
	if age.Inclusion[0].CriteriaID == "" {
		t.Fatal("user criteria must get fresh ids")
	}
	if age.Inclusion[0].Source["user"] != "Adults aged 18 or older" {
		t.Fatalf("user provenance missing: %+v", age.Inclusion[0].Source)
	}
	repro := out["Reproductive Status"]
	if len(repro.Exclusion) != 1 {
		t.Fatalf("class must fold case against the fixed list: %+v", out)
	}
	if _, ok := out["Gender"]; ok {
		t.Fatal("blank statements must be dropped")
	}
}

func TestCategorizeUserCriteriaBothBlank(t *testing.T) {
	gen := &fakeGenerator{}
	c := NewCategorizer(NewStageExecutor(gen))
	out, _, err := c.CategorizeUserCriteria(context.Background(), "  ", "")
	if err != nil {
		t.Fatalf("CategorizeUserCriteria: %v", err)
	}
	if len(out) != 0 || gen.idx != 0 {
		t.Fatalf("blank input must not call the generator, calls=%d", gen.idx)
	}
}

func TestNormalizeCategory(t *testing.T) {
	if got := normalizeCategory("age"); got != "Age" {
		t.Fatalf("normalizeCategory(age) = %q", got)
	}
	if got := normalizeCategory(" co-morbid conditions "); got != "Co-morbid Conditions" {
		t.Fatalf("normalizeCategory folding failed: %q", got)
	}
	if got := normalizeCategory("Something Else"); got != "Other" {
		t.Fatalf("unlisted class must map to Other: %q", got)
	}
}
