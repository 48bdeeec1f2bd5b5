package model

import "sort"

// FailureClass categorises why a source produced no data.
type FailureClass string

// Failure classes.
const (
	FailureTransient   FailureClass = "transient"
	FailureNotFound    FailureClass = "not_found"
	FailureRateLimited FailureClass = "rate_limited"
	FailurePermanent   FailureClass = "permanent"
)

// Valid reports whether c is one of the known classes.
func (c FailureClass) Valid() bool {
	switch c {
	case FailureTransient, FailureNotFound, FailureRateLimited, FailurePermanent:
		return true
	}
	return false
}

// EnrichmentRecord aggregates the per-source metrics for one area. A nil
// entry in BySource means the source was attempted and failed; the class
// is in Failures.
type EnrichmentRecord struct {
	AreaCode string                  `json:"area_code"`
	AreaName string                  `json:"area_name,omitempty"`
	BySource map[string]*RawMetrics  `json:"by_source"`
	Failures map[string]FailureClass `json:"failures,omitempty"`
}

// NewEnrichmentRecord creates an empty record for area.
func NewEnrichmentRecord(area CandidateArea) *EnrichmentRecord {
	return &EnrichmentRecord{
		AreaCode: area.Code,
		AreaName: area.Name,
		BySource: make(map[string]*RawMetrics),
		Failures: make(map[string]FailureClass),
	}
}

// Source returns the metrics for id, or nil when absent or failed.
func (r *EnrichmentRecord) Source(id string) *RawMetrics {
	if r == nil || r.BySource == nil {
		return nil
	}
	return r.BySource[id]
}

// MissingSources lists the sources that were attempted and failed, sorted.
func (r *EnrichmentRecord) MissingSources() []string {
	if r == nil {
		return nil
	}
	var out []string
	for id, m := range r.BySource {
		if m == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ReducedConfidence is true when at least one source failed.
func (r *EnrichmentRecord) ReducedConfidence() bool {
	return len(r.MissingSources()) > 0
}
