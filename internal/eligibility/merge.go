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

const mergeCallTimeout = 120 * time.Second

type Merger struct {
	exec      *StageExecutor
	workers   int
	threshold int
}

func NewMerger(exec *StageExecutor, workers int) *Merger {
	if workers <= 0 {
		workers = DefaultMergeWorkers
	}
	return &Merger{exec: exec, workers: workers, threshold: MergeBatchThreshold}
}

type mergeOutput struct {
	Groups []struct {
		Criteria    string   `json:"criteria"`
		CriteriaIDs []string `json:"criteriaIDs"`
	} `json:"groups"`
}

// MergeResult is the deduplicated criteria set keyed by category.
type MergeResult struct {
	Categorized    map[string]CategorizedCriteria
	Warnings       []string
	TasksFailed    int
	GeneratorCalls int
}

type mergePartition struct {
	category  string
	direction Direction
	items     []CandidateCriterion
}

type mergePartitionResult struct {
	merged []CandidateCriterion
	calls  int
	err    error
}

// Run partitions the candidates by category and direction and deduplicates
// each partition independently under a bounded worker pool. A failed
// partition keeps its criteria unmerged rather than losing them.
func (m *Merger) Run(ctx context.Context, inclusion, exclusion []CandidateCriterion) (MergeResult, error) {
	out := MergeResult{Categorized: map[string]CategorizedCriteria{}}

	partitions := partitionCriteria(inclusion, exclusion)
	if len(partitions) == 0 {
		return out, nil
	}

	results := make([]mergePartitionResult, len(partitions))
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := m.workers
	if workers > len(partitions) {
		workers = len(partitions)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = m.mergePartition(ctx, partitions[i])
			}
		}()
	}
	for i := range partitions {
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
		p := partitions[i]
		out.GeneratorCalls += res.calls
		merged := res.merged
		if res.err != nil {
			out.TasksFailed++
			out.Warnings = append(out.Warnings, fmt.Sprintf("merge failed for %s/%s: %v", p.category, p.direction, res.err))
			merged = p.items
		}
		entry := out.Categorized[p.category]
		if p.direction == DirectionInclusion {
			entry.Inclusion = append(entry.Inclusion, merged...)
		} else {
			entry.Exclusion = append(entry.Exclusion, merged...)
		}
		out.Categorized[p.category] = entry
	}
	log.Printf("trial-criteria merge_done partitions=%d failed=%d", len(partitions), out.TasksFailed)
	return out, nil
}

// partitionCriteria groups candidates by category and direction, ordered by
// the fixed category list so runs are deterministic.
func partitionCriteria(inclusion, exclusion []CandidateCriterion) []mergePartition {
	byKey := map[string]map[Direction][]CandidateCriterion{}
	add := func(items []CandidateCriterion, d Direction) {
		for _, c := range items {
			class := normalizeCategory(c.Category)
			if byKey[class] == nil {
				byKey[class] = map[Direction][]CandidateCriterion{}
			}
			byKey[class][d] = append(byKey[class][d], c)
		}
	}
	add(inclusion, DirectionInclusion)
	add(exclusion, DirectionExclusion)

	partitions := []mergePartition{}
	for _, class := range CriteriaCategories {
		for _, d := range []Direction{DirectionInclusion, DirectionExclusion} {
			items := byKey[class][d]
			if len(items) == 0 {
				continue
			}
			partitions = append(partitions, mergePartition{category: class, direction: d, items: items})
		}
	}
	return partitions
}

func (m *Merger) mergePartition(ctx context.Context, p mergePartition) mergePartitionResult {
	res := mergePartitionResult{}
	for _, batch := range splitBatches(p.items, m.threshold) {
		merged, calls, err := m.mergeBatch(ctx, p.category, p.direction, batch)
		res.calls += calls
		if err != nil {
			res.err = err
			return res
		}
		res.merged = append(res.merged, merged...)
	}
	return res
}

func (m *Merger) mergeBatch(ctx context.Context, category string, direction Direction, batch []CandidateCriterion) ([]CandidateCriterion, int, error) {
	if len(batch) == 1 {
		return batch, 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, mergeCallTimeout)
	defer cancel()

	out := mergeOutput{}
	prompt := buildMergePrompt(category, direction, batch)
	metrics, err := m.exec.Run(cctx, "merge", prompt, &out, func() error { return nil })
	if err != nil {
		return nil, metrics.Attempts, err
	}
	return reconcileGroups(out, batch, category), metrics.Attempts, nil
}

// reconcileGroups turns the model's grouping back into criteria. Unknown
// ids are dropped, an id claimed twice stays with its first group, and
// members no group claimed survive as groups of one. Every surviving group
// gets a fresh id and the union of its members' provenance.
func reconcileGroups(out mergeOutput, batch []CandidateCriterion, category string) []CandidateCriterion {
	byID := map[string]CandidateCriterion{}
	for _, c := range batch {
		byID[c.CriteriaID] = c
	}

	claimed := map[string]struct{}{}
	merged := []CandidateCriterion{}
	for _, g := range out.Groups {
		members := []CandidateCriterion{}
		for _, id := range g.CriteriaIDs {
			id = strings.TrimSpace(id)
			c, ok := byID[id]
			if !ok {
				log.Printf("trial-criteria merge dropped unknown criteria_id=%s", id)
				continue
			}
			if _, dup := claimed[id]; dup {
				log.Printf("trial-criteria merge duplicate claim criteria_id=%s", id)
				continue
			}
			claimed[id] = struct{}{}
			members = append(members, c)
		}
		if len(members) == 0 {
			continue
		}
		statement := strings.TrimSpace(g.Criteria)
		if statement == "" {
			statement = members[0].Statement
		}
		source := map[string]string{}
		for _, member := range members {
			for docID, original := range member.Source {
				if _, ok := source[docID]; !ok {
					source[docID] = original
				}
			}
		}
		merged = append(merged, CandidateCriterion{
			CriteriaID: uuid.NewString(),
			Statement:  statement,
			Category:   category,
			Source:     source,
		})
	}

	for _, c := range batch {
		if _, ok := claimed[c.CriteriaID]; ok {
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// splitBatches recursively halves any batch larger than threshold. No item
// is ever dropped or duplicated.
func splitBatches(items []CandidateCriterion, threshold int) [][]CandidateCriterion {
	if threshold <= 0 {
		threshold = MergeBatchThreshold
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) <= threshold {
		return [][]CandidateCriterion{items}
	}
	mid := len(items) / 2
	return append(splitBatches(items[:mid], threshold), splitBatches(items[mid:], threshold)...)
}
