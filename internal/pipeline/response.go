package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/area-advisor/internal/enrich"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/scorer"
)

// Disclaimers attached to responses.
const (
	DisclaimerPrimaryUnavailable = "primary data unavailable: no candidate area could be enriched"
	DisclaimerCrimeLag           = "crime figures come from the latest published month, which typically lags by one to two months"
)

// Response is the outcome of one recommendation run.
type Response struct {
	RunID              string                    `json:"run_id"`
	Persona            model.Persona             `json:"persona"`
	Recommendations    []model.CompositeScore    `json:"recommendations"`
	FilteredOutCount   int                       `json:"filtered_out_count"`
	FilteredOut        []scorer.FilteredArea     `json:"filtered_out,omitempty"`
	DroppedAreas       []enrich.DroppedArea      `json:"dropped_areas,omitempty"`
	SourcesUsed        []string                  `json:"sources_used"`
	Cached             bool                      `json:"cached"`
	ExecutionTimeMs    int64                     `json:"execution_time_ms"`
	EffectiveWeights   map[model.Factor]float64  `json:"effective_weights,omitempty"`
	RelaxedConstraints map[string]float64        `json:"relaxed_constraints,omitempty"`
	LastConstraints    *scorer.Constraints       `json:"last_constraints,omitempty"`
	EmptyReason        string                    `json:"empty_reason,omitempty"`
	Disclaimers        []string                  `json:"disclaimers,omitempty"`
	Records            []*model.EnrichmentRecord `json:"records,omitempty"`
}

// fromScore copies a scoring result into r.
func (r *Response) fromScore(res *scorer.Result) {
	r.Recommendations = res.Recommendations
	r.FilteredOut = res.FilteredOut
	r.FilteredOutCount = len(res.FilteredOut)
	r.EffectiveWeights = res.EffectiveWeights
	r.RelaxedConstraints = res.RelaxedConstraints
	r.LastConstraints = res.LastConstraints
	if r.EmptyReason == "" {
		r.EmptyReason = res.EmptyReason
	}
}

// disclaimers derives the caller-facing caveats for a finished run.
// primaryDown marks a run where no area could get primary data.
func disclaimers(resp *Response, primaryDown bool) []string {
	var out []string
	if primaryDown {
		out = append(out, DisclaimerPrimaryUnavailable)
	}

	missing := make(map[string]bool)
	for _, rec := range resp.Recommendations {
		for _, id := range rec.MissingSources {
			missing[id] = true
		}
	}
	if len(missing) > 0 {
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, fmt.Sprintf("reduced confidence: some areas lack data from %s; those factors were scored as neutral (50)",
			strings.Join(ids, ", ")))
	}

	if len(resp.RelaxedConstraints) > 0 {
		parts := make([]string, 0, len(resp.RelaxedConstraints))
		for _, name := range sortedConstraintNames(resp.RelaxedConstraints) {
			parts = append(parts, fmt.Sprintf("%s to %g", name, math.Round(resp.RelaxedConstraints[name]*100)/100))
		}
		out = append(out, "constraints were relaxed to find matches: "+strings.Join(parts, ", "))
	}

	for _, id := range resp.SourcesUsed {
		if id == model.SourceCrime {
			out = append(out, DisclaimerCrimeLag)
			break
		}
	}
	return out
}

func sortedConstraintNames(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
