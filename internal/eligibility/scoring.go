package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
)

// SectionVectorSource resolves the stored embedding of each section of one
// trial document.
type SectionVectorSource interface {
	SectionVectors(ctx context.Context, documentID string) (map[Section][]float32, error)
}

type Scorer struct {
	embedder     Embedder
	vectors      SectionVectorSource
	maxDocuments int
	minPercent   int
}

func NewScorer(embedder Embedder, vectors SectionVectorSource) *Scorer {
	return &Scorer{
		embedder:     embedder,
		vectors:      vectors,
		maxDocuments: MaxRetainedDocuments,
		minPercent:   MinSimilarityPercent,
	}
}

// Run computes the weighted combined similarity for every candidate. Only
// sections present in both the request and the document contribute; the
// weight denominator is the sum of weights actually used, so an absent
// section never dilutes the score. Documents below the similarity floor are
// dropped; the rest are ordered by combined score descending with document
// id as the tie-break, capped at the retention limit.
func (s *Scorer) Run(ctx context.Context, req Request, docs []UniqueDocument) ([]ScoredDocument, []string, error) {
	warnings := []string{}

	userVectors := map[Section][]float32{}
	for _, c := range req.Criteria() {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, c.Text)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("embedding failed for section %s: %v", c.Section, err))
			log.Printf("trial-criteria score_embed_failed section=%s err=%q", c.Section, err.Error())
			continue
		}
		userVectors[c.Section] = vec
	}
	if len(userVectors) == 0 {
		return nil, warnings, errors.New("no section embeddings available for scoring")
	}

	scored := make([]ScoredDocument, 0, len(docs))
	for _, doc := range docs {
		sd := s.scoreDocument(ctx, doc, userVectors, req.Weights, &warnings)
		if int(sd.CombinedScore*100) < s.minPercent {
			continue
		}
		scored = append(scored, sd)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].CombinedScore != scored[j].CombinedScore {
			return scored[i].CombinedScore > scored[j].CombinedScore
		}
		return scored[i].DocumentID < scored[j].DocumentID
	})
	if len(scored) > s.maxDocuments {
		scored = scored[:s.maxDocuments]
	}
	log.Printf("trial-criteria score_done in=%d retained=%d", len(docs), len(scored))
	return scored, warnings, nil
}

func (s *Scorer) scoreDocument(ctx context.Context, doc UniqueDocument, userVectors map[Section][]float32, weights map[Section]float64, warnings *[]string) ScoredDocument {
	sd := ScoredDocument{UniqueDocument: doc, SectionScores: map[Section]float64{}}

	docVectors, err := s.vectors.SectionVectors(ctx, doc.DocumentID)
	if err != nil {
		// Fall back to the best retrieval score rather than dropping the
		// document on a storage fault.
		*warnings = append(*warnings, fmt.Sprintf("section vectors unavailable for %s: %v", doc.DocumentID, err))
		log.Printf("trial-criteria score_vectors_failed document=%s err=%q", doc.DocumentID, err.Error())
		sd.CombinedScore = doc.BestScore
		return sd
	}

	var weightedSum, weightUsed float64
	for _, section := range AllSections() {
		uv, okUser := userVectors[section]
		dv, okDoc := docVectors[section]
		if !okUser || !okDoc {
			continue
		}
		sim := cosineSimilarity(uv, dv)
		sd.SectionScores[section] = sim
		w := weightFor(weights, section)
		weightedSum += sim * w
		weightUsed += w
	}
	if weightUsed == 0 {
		sd.CombinedScore = doc.BestScore
		return sd
	}
	sd.CombinedScore = weightedSum / weightUsed
	return sd
}

func weightFor(weights map[Section]float64, s Section) float64 {
	if weights == nil {
		return 1
	}
	w, ok := weights[s]
	if !ok || w <= 0 {
		return 1
	}
	return w
}

// cosineSimilarity clamps to [0,1]; mismatched dimensions score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
