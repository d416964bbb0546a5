package eligibility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeDocumentSource struct {
	docs map[string]DocumentText
	errs map[string]error
}

func (f *fakeDocumentSource) Document(_ context.Context, documentID string) (DocumentText, error) {
	if err := f.errs[documentID]; err != nil {
		return DocumentText{}, err
	}
	if d, ok := f.docs[documentID]; ok {
		return d, nil
	}
	return DocumentText{}, errors.New("not found")
}

// routingGenerator answers synthesis prompts per document id so it is safe
// under the worker pool.
type routingGenerator struct {
	mu      sync.Mutex
	calls   int
	failIDs map[string]struct{}
}

func (g *routingGenerator) GenerateJSON(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	docID := ""
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "DOCUMENT_ID: ") {
			docID = strings.TrimPrefix(line, "DOCUMENT_ID: ")
			break
		}
	}
	if _, fail := g.failIDs[docID]; fail {
		return "", errors.New("status code: 400 bad request")
	}
	return fmt.Sprintf(`{
		"inclusionCriteria": [
			{"criteria": "Adults aged 18 or older (%s)", "source": {"%s": "Age >= 18 years"}},
			{"criteria": "   ", "source": {"%s": "blank"}}
		],
		"exclusionCriteria": [
			{"criteria": "Pregnant participants (%s)", "source": {"%s": "No pregnancy"}}
		]
	}`, docID, docID, docID, docID, docID), nil
}

func (g *routingGenerator) ModelName() string { return "test-model" }

func TestSynthesizerPartialFailure(t *testing.T) {
	src := &fakeDocumentSource{docs: map[string]DocumentText{}}
	docs := []ScoredDocument{}
	for _, id := range []string{"NCT001", "NCT002", "NCT003", "NCT004"} {
		src.docs[id] = DocumentText{DocumentID: id, Sections: map[Section]string{SectionInclusion: "Age >= 18"}}
		docs = append(docs, ScoredDocument{UniqueDocument: UniqueDocument{DocumentID: id}})
	}
	gen := &routingGenerator{failIDs: map[string]struct{}{"NCT003": {}}}
	s := NewSynthesizer(NewStageExecutor(gen), src, 2)

	out, err := s.Run(context.Background(), Request{Rationale: "study"}, docs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TasksFailed != 1 || len(out.Warnings) != 1 {
		t.Fatalf("expected one contained failure, got failed=%d warnings=%v", out.TasksFailed, out.Warnings)
	}
	if len(out.Inclusion) != 3 || len(out.Exclusion) != 3 {
		t.Fatalf("expected 3 inclusion and 3 exclusion criteria, got %d/%d", len(out.Inclusion), len(out.Exclusion))
	}
	// Document order is preserved regardless of worker scheduling.
	wantOrder := []string{"NCT001", "NCT002", "NCT004"}
	for i, c := range out.Inclusion {
		if !strings.Contains(c.Statement, wantOrder[i]) {
			t.Fatalf("inclusion[%d] out of order: %q", i, c.Statement)
		}
		if c.CriteriaID == "" {
			t.Fatalf("criterion must get a fresh id: %+v", c)
		}
		if _, ok := c.Source[wantOrder[i]]; !ok {
			t.Fatalf("criterion must cite its reference document: %+v", c.Source)
		}
	}
	if out.GeneratorCalls < 4 {
		t.Fatalf("expected at least one call per document, got %d", out.GeneratorCalls)
	}
}

func TestSynthesizerDocumentFetchFailure(t *testing.T) {
	src := &fakeDocumentSource{errs: map[string]error{"NCT001": errors.New("db down")}}
	s := NewSynthesizer(NewStageExecutor(&routingGenerator{}), src, 1)
	out, err := s.Run(context.Background(), Request{Rationale: "study"},
		[]ScoredDocument{{UniqueDocument: UniqueDocument{DocumentID: "NCT001"}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TasksFailed != 1 || len(out.Inclusion) != 0 {
		t.Fatalf("fetch failure must be a contained warning: %+v", out)
	}
}

func TestSynthesizerEmptyInput(t *testing.T) {
	s := NewSynthesizer(NewStageExecutor(&routingGenerator{}), &fakeDocumentSource{}, 4)
	out, err := s.Run(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.GeneratorCalls != 0 {
		t.Fatalf("no documents means no generator calls, got %d", out.GeneratorCalls)
	}
}

func TestValidateDraftRejectsForeignSource(t *testing.T) {
	d := &synthesisDraft{InclusionCriteria: []draftCriterion{
		{Criteria: "Age >= 18", Source: map[string]string{"NCT999": "Age >= 18"}},
	}}
	if err := validateDraft(d, "NCT001"); err == nil {
		t.Fatal("a source citing another document must be rejected")
	}
}

func TestValidateDraftCompactsBlankStatements(t *testing.T) {
	d := &synthesisDraft{
		InclusionCriteria: []draftCriterion{
			{Criteria: "Age >= 18", Source: map[string]string{"NCT001": "Age >= 18"}},
			{Criteria: "  "},
		},
	}
	if err := validateDraft(d, "NCT001"); err != nil {
		t.Fatalf("validateDraft: %v", err)
	}
	if len(d.InclusionCriteria) != 1 {
		t.Fatalf("blank statements must be dropped, got %d", len(d.InclusionCriteria))
	}
}

func TestAdoptDraftsDefaultSource(t *testing.T) {
	out := adoptDrafts([]draftCriterion{{Criteria: " Age >= 18 "}}, "NCT001")
	if len(out) != 1 {
		t.Fatalf("expected 1 criterion, got %d", len(out))
	}
	if out[0].Statement != "Age >= 18" {
		t.Fatalf("statement must be trimmed: %q", out[0].Statement)
	}
	if out[0].Source["NCT001"] == "" {
		t.Fatalf("missing source must default to the reference document: %+v", out[0].Source)
	}
}

func TestCriteriaAccumulatorSnapshotIsCopy(t *testing.T) {
	acc := &criteriaAccumulator{}
	acc.Append([]CandidateCriterion{{CriteriaID: "a", Statement: "one"}})
	snap := acc.Snapshot()
	acc.Append([]CandidateCriterion{{CriteriaID: "b", Statement: "two"}})
	if len(snap) != 1 {
		t.Fatalf("snapshot must not observe later appends, got %d", len(snap))
	}
}
