package eligibility

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

const metricsCallTimeout = 120 * time.Second

type MetricsExtractor struct {
	exec *StageExecutor
	docs DocumentSource
}

func NewMetricsExtractor(exec *StageExecutor, docs DocumentSource) *MetricsExtractor {
	return &MetricsExtractor{exec: exec, docs: docs}
}

type metricsOutput struct {
	Metrics []struct {
		Value  string   `json:"value"`
		Source []string `json:"source"`
	} `json:"metrics"`
}

// Run extracts recurring quantitative values across the retained documents.
// Documents whose text cannot be fetched are skipped with a warning.
func (e *MetricsExtractor) Run(ctx context.Context, docs []ScoredDocument) ([]ValueMetric, []string, error) {
	warnings := []string{}
	texts := make([]DocumentText, 0, len(docs))
	validIDs := map[string]struct{}{}
	for _, doc := range docs {
		text, err := e.docs.Document(ctx, doc.DocumentID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("metrics skipped %s: %v", doc.DocumentID, err))
			log.Printf("trial-criteria metrics_doc_fetch_failed document=%s err=%q", doc.DocumentID, err.Error())
			continue
		}
		texts = append(texts, text)
		validIDs[doc.DocumentID] = struct{}{}
	}
	if len(texts) == 0 {
		return []ValueMetric{}, warnings, nil
	}

	cctx, cancel := context.WithTimeout(ctx, metricsCallTimeout)
	defer cancel()

	out := metricsOutput{}
	prompt := buildMetricsPrompt(texts)
	if _, err := e.exec.Run(cctx, "metrics", prompt, &out, func() error { return nil }); err != nil {
		return nil, warnings, err
	}

	raw := make([]ValueMetric, 0, len(out.Metrics))
	for _, mtr := range out.Metrics {
		value := strings.TrimSpace(mtr.Value)
		if value == "" {
			continue
		}
		sources := []string{}
		for _, id := range mtr.Source {
			id = strings.TrimSpace(id)
			if _, ok := validIDs[id]; !ok {
				log.Printf("trial-criteria metrics dropped unknown document_id=%s", id)
				continue
			}
			sources = append(sources, id)
		}
		if len(sources) == 0 {
			continue
		}
		raw = append(raw, ValueMetric{Value: value, Source: sources})
	}
	return mergeDuplicateValues(raw), warnings, nil
}

// mergeDuplicateValues unions the sources of identical values. The count of
// each value is the size of its deduplicated source set. Output is ordered
// by count descending with value as the tie-break.
func mergeDuplicateValues(in []ValueMetric) []ValueMetric {
	type entry struct {
		value   string
		sources []string
		seen    map[string]struct{}
	}
	byValue := map[string]*entry{}
	order := []string{}
	for _, m := range in {
		key := strings.ToLower(strings.TrimSpace(m.Value))
		if key == "" {
			continue
		}
		e, ok := byValue[key]
		if !ok {
			e = &entry{value: strings.TrimSpace(m.Value), seen: map[string]struct{}{}}
			byValue[key] = e
			order = append(order, key)
		}
		for _, src := range m.Source {
			if _, dup := e.seen[src]; dup {
				continue
			}
			e.seen[src] = struct{}{}
			e.sources = append(e.sources, src)
		}
	}

	out := make([]ValueMetric, 0, len(order))
	for _, key := range order {
		e := byValue[key]
		sort.Strings(e.sources)
		out = append(out, ValueMetric{Value: e.value, Count: len(e.sources), Source: e.sources})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}
