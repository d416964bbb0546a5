package eligibility

import (
	"context"
	"errors"
	"math"
	"testing"
)

type fakeVectorSource struct {
	vectors map[string]map[Section][]float32
	errs    map[string]error
}

func (f *fakeVectorSource) SectionVectors(_ context.Context, documentID string) (map[Section][]float32, error) {
	if err := f.errs[documentID]; err != nil {
		return nil, err
	}
	if v, ok := f.vectors[documentID]; ok {
		return v, nil
	}
	return nil, errors.New("not found")
}

func TestScorerUsesOnlySharedSections(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"adults with diabetes": {1, 0},
		"no prior insulin use": {0, 1},
	}}
	// The document carries an inclusion vector only, at 0.8 similarity to the
	// user's. The absent exclusion section must not dilute the combined score.
	vectors := &fakeVectorSource{vectors: map[string]map[Section][]float32{
		"NCT001": {SectionInclusion: {0.8, 0.6}},
	}}
	req := Request{
		InclusionCriteria: "adults with diabetes",
		ExclusionCriteria: "no prior insulin use",
	}
	scored, warnings, err := NewScorer(embedder, vectors).Run(context.Background(), req, []UniqueDocument{{DocumentID: "NCT001", BestScore: 0.3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(scored) != 1 {
		t.Fatalf("expected 1 retained document, got %d", len(scored))
	}
	if math.Abs(scored[0].CombinedScore-0.8) > 1e-6 {
		t.Fatalf("expected combined score 0.8, got %f", scored[0].CombinedScore)
	}
	if len(scored[0].SectionScores) != 1 {
		t.Fatalf("only the shared section should be scored: %+v", scored[0].SectionScores)
	}
}

func TestScorerDropsBelowFloor(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{"adults": {1, 0}}}
	vectors := &fakeVectorSource{vectors: map[string]map[Section][]float32{
		"NCT001": {SectionInclusion: {1, 0}},
		"NCT002": {SectionInclusion: {0.2, 1}},
	}}
	req := Request{InclusionCriteria: "adults"}
	scored, _, err := NewScorer(embedder, vectors).Run(context.Background(), req,
		[]UniqueDocument{{DocumentID: "NCT001"}, {DocumentID: "NCT002"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(scored) != 1 || scored[0].DocumentID != "NCT001" {
		t.Fatalf("documents below 50%% must be dropped: %+v", scored)
	}
}

func TestScorerVectorFetchFallback(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{"adults": {1, 0}}}
	vectors := &fakeVectorSource{errs: map[string]error{"NCT001": errors.New("db down")}}
	req := Request{InclusionCriteria: "adults"}
	scored, warnings, err := NewScorer(embedder, vectors).Run(context.Background(), req,
		[]UniqueDocument{{DocumentID: "NCT001", BestScore: 0.91}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected a fallback warning, got %v", warnings)
	}
	if len(scored) != 1 || scored[0].CombinedScore != 0.91 {
		t.Fatalf("expected fallback to the retrieval score: %+v", scored)
	}
}

func TestScorerOrderingAndWeights(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"adults":  {1, 0},
		"elderly": {0, 1},
	}}
	vectors := &fakeVectorSource{vectors: map[string]map[Section][]float32{
		"NCT002": {SectionInclusion: {1, 0}, SectionExclusion: {0.6, 0.8}},
		"NCT001": {SectionInclusion: {1, 0}, SectionExclusion: {0.6, 0.8}},
		"NCT003": {SectionInclusion: {0.7, 0.7}},
	}}
	req := Request{
		InclusionCriteria: "adults",
		ExclusionCriteria: "elderly",
		Weights:           map[Section]float64{SectionInclusion: 3},
	}
	scored, _, err := NewScorer(embedder, vectors).Run(context.Background(), req,
		[]UniqueDocument{{DocumentID: "NCT002"}, {DocumentID: "NCT001"}, {DocumentID: "NCT003"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(scored) != 3 {
		t.Fatalf("expected 3 retained documents, got %d", len(scored))
	}
	// NCT001 and NCT002 share (3*1.0 + 1*0.8)/4 = 0.95; the tie resolves on id.
	if scored[0].DocumentID != "NCT001" || scored[1].DocumentID != "NCT002" {
		t.Fatalf("tie must resolve on document id ascending: %s %s", scored[0].DocumentID, scored[1].DocumentID)
	}
	if math.Abs(scored[0].CombinedScore-0.95) > 1e-6 {
		t.Fatalf("expected weighted score 0.95, got %f", scored[0].CombinedScore)
	}
	if scored[2].DocumentID != "NCT003" {
		t.Fatalf("lower score must sort last: %+v", scored[2])
	}
}

func TestScorerAllEmbeddingsFail(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("provider down")}
	req := Request{InclusionCriteria: "adults"}
	_, _, err := NewScorer(embedder, &fakeVectorSource{}).Run(context.Background(), req, []UniqueDocument{{DocumentID: "NCT001"}})
	if err == nil {
		t.Fatal("expected error when no section embedding is available")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors must score 1, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors must score 0, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{-1, 0}); got != 0 {
		t.Fatalf("negative similarity must clamp to 0, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{1}); got != 0 {
		t.Fatalf("mismatched dimensions must score 0, got %f", got)
	}
}

func TestWeightFor(t *testing.T) {
	if weightFor(nil, SectionTitle) != 1 {
		t.Fatal("nil weights default to 1")
	}
	if weightFor(map[Section]float64{SectionTitle: -2}, SectionTitle) != 1 {
		t.Fatal("non-positive weights default to 1")
	}
	if weightFor(map[Section]float64{SectionTitle: 2.5}, SectionTitle) != 2.5 {
		t.Fatal("explicit weights must be used")
	}
}
