package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Embedder turns criterion text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index answers nearest-neighbor queries over one document section.
type Index interface {
	Query(ctx context.Context, vector []float32, section Section, topK int) ([]Hit, error)
}

const sectionQueryTimeout = 60 * time.Second

type Retriever struct {
	embedder Embedder
	index    Index
	topK     int
}

func NewRetriever(embedder Embedder, index Index, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, index: index, topK: topK}
}

// RetrievalOutput is the unique-by-document reduction of all section queries.
type RetrievalOutput struct {
	Documents       []UniqueDocument
	SectionsQueried int
	SectionsFailed  int
	Warnings        []string
}

type sectionResult struct {
	section Section
	hits    []Hit
	err     error
}

// Run fans out one index query per non-empty criterion and merges the hits
// into a unique document set. A failed section is a contained partial
// failure; Run errors only when every queried section failed.
func (r *Retriever) Run(ctx context.Context, req Request) (RetrievalOutput, error) {
	out := RetrievalOutput{}
	criteria := req.Criteria()

	results := make([]sectionResult, len(criteria))
	var wg sync.WaitGroup
	for i, c := range criteria {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		out.SectionsQueried++
		wg.Add(1)
		go func(i int, c SearchCriterion) {
			defer wg.Done()
			results[i] = r.querySection(ctx, c)
		}(i, c)
	}
	wg.Wait()

	// Merge in canonical section order so duplicate scores resolve the same
	// way on every run.
	merged := []Hit{}
	for i, c := range criteria {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		res := results[i]
		if res.err != nil {
			out.SectionsFailed++
			out.Warnings = append(out.Warnings, fmt.Sprintf("retrieval failed for section %s: %v", c.Section, res.err))
			log.Printf("trial-criteria retrieval_section_failed section=%s err=%q", c.Section, res.err.Error())
			continue
		}
		merged = append(merged, res.hits...)
	}

	if out.SectionsQueried == 0 {
		return out, errors.New("no non-empty search criteria")
	}
	if out.SectionsFailed == out.SectionsQueried {
		return out, errors.New("all section retrievals failed")
	}

	out.Documents = mergeUniqueDocuments(merged)
	log.Printf("trial-criteria retrieval_done sections=%d failed=%d hits=%d unique=%d", out.SectionsQueried, out.SectionsFailed, len(merged), len(out.Documents))
	return out, nil
}

func (r *Retriever) querySection(ctx context.Context, c SearchCriterion) sectionResult {
	sctx, cancel := context.WithTimeout(ctx, sectionQueryTimeout)
	defer cancel()

	vec, err := r.embedder.Embed(sctx, c.Text)
	if err != nil {
		return sectionResult{section: c.Section, err: fmt.Errorf("embed: %w", err)}
	}
	hits, err := r.index.Query(sctx, vec, c.Section, r.topK)
	if err != nil {
		return sectionResult{section: c.Section, err: fmt.Errorf("query: %w", err)}
	}
	for i := range hits {
		hits[i].Section = c.Section
	}
	return sectionResult{section: c.Section, hits: hits}
}

// mergeUniqueDocuments reduces section-tagged hits to one entry per document,
// keeping the strictly highest score. On a tie the earlier hit wins.
func mergeUniqueDocuments(hits []Hit) []UniqueDocument {
	byID := map[string]*UniqueDocument{}
	order := []string{}
	for _, h := range hits {
		if h.DocumentID == "" {
			continue
		}
		existing := byID[h.DocumentID]
		if existing == nil {
			byID[h.DocumentID] = &UniqueDocument{DocumentID: h.DocumentID, BestSection: h.Section, BestScore: h.Score}
			order = append(order, h.DocumentID)
			continue
		}
		if h.Score > existing.BestScore {
			existing.BestScore = h.Score
			existing.BestSection = h.Section
		}
	}
	out := make([]UniqueDocument, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}
