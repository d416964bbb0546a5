package eligibility

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// MetadataSource resolves the structured metadata of one trial document.
type MetadataSource interface {
	Metadata(ctx context.Context, documentID string) (DocumentMetadata, error)
}

const metadataFetchTimeout = 15 * time.Second

type FilterStage struct {
	source MetadataSource
}

func NewFilterStage(source MetadataSource) *FilterStage {
	return &FilterStage{source: source}
}

// Run attaches metadata to every document and keeps those matching the
// active filter dimensions. A failed metadata fetch falls back to the
// unknown defaults and never drops the document by itself; an empty result
// set is a valid outcome. The input order is preserved.
func (f *FilterStage) Run(ctx context.Context, docs []UniqueDocument, filters Filters) ([]UniqueDocument, []string) {
	warnings := []string{}
	kept := make([]UniqueDocument, 0, len(docs))
	for _, doc := range docs {
		md, err := f.fetchMetadata(ctx, doc.DocumentID)
		if err != nil {
			md = UnknownMetadata()
			warnings = append(warnings, fmt.Sprintf("metadata unavailable for %s: %v", doc.DocumentID, err))
			log.Printf("trial-criteria metadata_fetch_failed document=%s err=%q", doc.DocumentID, err.Error())
		}
		copyMD := md
		doc.Metadata = &copyMD
		if matchesFilters(md, filters) {
			kept = append(kept, doc)
		}
	}
	log.Printf("trial-criteria filter_done in=%d kept=%d", len(docs), len(kept))
	return kept, warnings
}

func (f *FilterStage) fetchMetadata(ctx context.Context, documentID string) (DocumentMetadata, error) {
	mctx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
	defer cancel()
	return f.source.Metadata(mctx, documentID)
}

// matchesFilters is the AND-conjunction across active dimensions. An unknown
// document value passes the dimension rather than failing it, so sparse
// metadata never silently empties the candidate set.
func matchesFilters(md DocumentMetadata, f Filters) bool {
	if len(f.Phases) > 0 && len(md.Phases) > 0 {
		if !intersects(md.Phases, f.Phases) {
			return false
		}
	}
	if f.SponsorClass != "" && known(md.SponsorClass) {
		if !strings.EqualFold(f.SponsorClass, md.SponsorClass) {
			return false
		}
	}
	if len(f.Countries) > 0 && len(md.Countries) > 0 {
		if !matchesCountries(md.Countries, f.Countries, f.CountryLogic) {
			return false
		}
	}
	if f.StartDate != "" && known(md.StartDate) {
		fs, okF := parseDate(f.StartDate)
		ds, okD := parseDate(md.StartDate)
		if okF && okD && ds.Before(fs) {
			return false
		}
	}
	if f.EndDate != "" && known(md.EndDate) {
		fe, okF := parseDate(f.EndDate)
		de, okD := parseDate(md.EndDate)
		if okF && okD && de.After(fe) {
			return false
		}
	}
	if md.EnrollmentCount != EnrollmentUnknown {
		if f.SampleSizeMin != nil && md.EnrollmentCount < *f.SampleSizeMin {
			return false
		}
		if f.SampleSizeMax != nil && md.EnrollmentCount > *f.SampleSizeMax {
			return false
		}
	}
	return true
}

// matchesCountries applies the configurable country conjunction: AND keeps
// documents covering every requested country, OR keeps documents covering
// any of them. An unset logic defaults to OR.
func matchesCountries(have, want []string, logic CountryLogic) bool {
	if logic == CountryLogicAnd {
		for _, w := range want {
			if !containsFold(have, w) {
				return false
			}
		}
		return true
	}
	for _, w := range want {
		if containsFold(have, w) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range b {
		if containsFold(a, v) {
			return true
		}
	}
	return false
}

func containsFold(items []string, v string) bool {
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func known(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, Unknown)
}

func parseDate(v string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
