package vectorindex

import (
	"context"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
)

// SectionIndex adapts Client to the retrieval stage. Each document section
// is indexed under a "module" metadata key, so a section query filters on it.
type SectionIndex struct {
	client *Client
}

func NewSectionIndex(client *Client) *SectionIndex {
	return &SectionIndex{client: client}
}

func (s *SectionIndex) Query(ctx context.Context, vector []float32, section eligibility.Section, topK int) ([]eligibility.Hit, error) {
	matches, err := s.client.Query(ctx, QueryRequest{
		Vector: vector,
		TopK:   topK,
		Filter: map[string]any{"module": string(section)},
	})
	if err != nil {
		return nil, err
	}
	hits := make([]eligibility.Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, eligibility.Hit{DocumentID: m.ID, Section: section, Score: m.Score})
	}
	return hits, nil
}

var _ eligibility.Index = (*SectionIndex)(nil)
