package eligibility

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DocumentSource resolves the stored section text of one trial document.
type DocumentSource interface {
	Document(ctx context.Context, documentID string) (DocumentText, error)
}

const synthesisCallTimeout = 120 * time.Second

// criteriaAccumulator shares accepted criteria across synthesis workers.
// Snapshot returns a copy that may be stale by the time the caller uses it;
// workers only consume it as advisory context for duplicate avoidance.
type criteriaAccumulator struct {
	mu       sync.Mutex
	accepted []CandidateCriterion
}

func (a *criteriaAccumulator) Append(items []CandidateCriterion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted = append(a.accepted, items...)
}

func (a *criteriaAccumulator) Snapshot() []CandidateCriterion {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CandidateCriterion, len(a.accepted))
	copy(out, a.accepted)
	return out
}

type Synthesizer struct {
	exec    *StageExecutor
	docs    DocumentSource
	workers int
}

func NewSynthesizer(exec *StageExecutor, docs DocumentSource, workers int) *Synthesizer {
	if workers <= 0 {
		workers = DefaultSynthesisWorkers
	}
	return &Synthesizer{exec: exec, docs: docs, workers: workers}
}

type synthesisDraft struct {
	InclusionCriteria []draftCriterion `json:"inclusionCriteria"`
	ExclusionCriteria []draftCriterion `json:"exclusionCriteria"`
}

type draftCriterion struct {
	Criteria string            `json:"criteria"`
	Source   map[string]string `json:"source"`
}

// SynthesisOutput carries the per-document drafts flattened in document
// order, so the result is stable regardless of worker scheduling.
type SynthesisOutput struct {
	Inclusion      []CandidateCriterion
	Exclusion      []CandidateCriterion
	Warnings       []string
	TasksFailed    int
	GeneratorCalls int
}

type synthesisResult struct {
	inclusion []CandidateCriterion
	exclusion []CandidateCriterion
	err       error
	calls     int
}

// Run drafts criteria from every retained document under a bounded worker
// pool. Each task carries a best-effort snapshot of criteria accepted so
// far. A failed task is recorded as a warning; Run itself only fails when
// the pool could not run at all.
func (s *Synthesizer) Run(ctx context.Context, req Request, docs []ScoredDocument) (SynthesisOutput, error) {
	out := SynthesisOutput{}
	if len(docs) == 0 {
		return out, nil
	}

	acc := &criteriaAccumulator{}
	results := make([]synthesisResult, len(docs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	workers := s.workers
	if workers > len(docs) {
		workers = len(docs)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.synthesizeOne(ctx, req, docs[i], acc)
			}
		}()
	}
	for i := range docs {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}

	for i, res := range results {
		out.GeneratorCalls += res.calls
		if res.err != nil {
			out.TasksFailed++
			out.Warnings = append(out.Warnings, fmt.Sprintf("synthesis failed for %s: %v", docs[i].DocumentID, res.err))
			continue
		}
		out.Inclusion = append(out.Inclusion, res.inclusion...)
		out.Exclusion = append(out.Exclusion, res.exclusion...)
	}
	log.Printf("trial-criteria synthesis_done documents=%d failed=%d inclusion=%d exclusion=%d", len(docs), out.TasksFailed, len(out.Inclusion), len(out.Exclusion))
	return out, nil
}

func (s *Synthesizer) synthesizeOne(ctx context.Context, req Request, doc ScoredDocument, acc *criteriaAccumulator) synthesisResult {
	cctx, cancel := context.WithTimeout(ctx, synthesisCallTimeout)
	defer cancel()

	text, err := s.docs.Document(cctx, doc.DocumentID)
	if err != nil {
		return synthesisResult{err: fmt.Errorf("document fetch: %w", err)}
	}

	draft := synthesisDraft{}
	prompt := buildSynthesisPrompt(req, text, acc.Snapshot())
	m, err := s.exec.Run(cctx, "synthesis", prompt, &draft, func() error {
		return validateDraft(&draft, doc.DocumentID)
	})
	if err != nil {
		return synthesisResult{err: err, calls: m.Attempts}
	}

	res := synthesisResult{calls: m.Attempts}
	res.inclusion = adoptDrafts(draft.InclusionCriteria, doc.DocumentID)
	res.exclusion = adoptDrafts(draft.ExclusionCriteria, doc.DocumentID)
	acc.Append(res.inclusion)
	acc.Append(res.exclusion)
	return res
}

// validateDraft rejects drafts citing documents other than the reference
// one and drops blank statements in place.
func validateDraft(d *synthesisDraft, documentID string) error {
	for _, list := range [][]draftCriterion{d.InclusionCriteria, d.ExclusionCriteria} {
		for _, c := range list {
			for docID := range c.Source {
				if docID != documentID {
					return fmt.Errorf("source cites unknown document %q", docID)
				}
			}
		}
	}
	d.InclusionCriteria = compactDrafts(d.InclusionCriteria)
	d.ExclusionCriteria = compactDrafts(d.ExclusionCriteria)
	return nil
}

func compactDrafts(in []draftCriterion) []draftCriterion {
	out := make([]draftCriterion, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.Criteria) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func adoptDrafts(in []draftCriterion, documentID string) []CandidateCriterion {
	out := make([]CandidateCriterion, 0, len(in))
	for _, c := range in {
		source := c.Source
		if len(source) == 0 {
			source = map[string]string{documentID: clampString(c.Criteria, 500)}
		}
		out = append(out, CandidateCriterion{
			CriteriaID: uuid.NewString(),
			Statement:  strings.TrimSpace(c.Criteria),
			Source:     source,
		})
	}
	return out
}

func clampString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
