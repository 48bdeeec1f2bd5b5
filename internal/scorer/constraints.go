package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/model"
)

// Constraint names used in relaxation reports.
const (
	ConstraintBudgetMax  = "budget_max"
	ConstraintBudgetMin  = "budget_min"
	ConstraintCommute    = "max_commute_minutes"
	ConstraintSafety     = "min_safety_score"
	constraintFactorBase = "min_factor_score."
)

// FactorConstraint names the minimum-score constraint for f.
func FactorConstraint(f model.Factor) string { return constraintFactorBase + string(f) }

// Constraints is the effective filter set for one scoring pass.
type Constraints struct {
	LocationType      model.LocationType       `json:"location_type"`
	BudgetMax         float64                  `json:"budget_max"`
	BudgetMin         float64                  `json:"budget_min,omitempty"`
	MaxCommuteMinutes *float64                 `json:"max_commute_minutes,omitempty"`
	MinSafetyScore    *float64                 `json:"min_safety_score,omitempty"`
	MinFactorScores   map[model.Factor]float64 `json:"min_factor_scores,omitempty"`
}

// FilteredArea is an area rejected by the constraints, with every reason.
type FilteredArea struct {
	AreaCode string   `json:"area_code"`
	Reasons  []string `json:"reasons"`
}

// BuildConstraints merges the user's constraints with the persona
// minimums. A user minimum wins only when it is stricter.
func BuildConstraints(cfg config.ScoringConfig, pref model.UserPreference) Constraints {
	hc := pref.HardConstraints.Clone()
	c := Constraints{
		LocationType:      pref.LocationType,
		BudgetMax:         pref.BudgetMax,
		BudgetMin:         pref.BudgetMin,
		MaxCommuteMinutes: hc.MaxCommuteMinutes,
		MinSafetyScore:    hc.MinSafetyScore,
		MinFactorScores:   make(map[model.Factor]float64),
	}
	for name, v := range cfg.PersonaMinimums[string(pref.Persona)] {
		c.MinFactorScores[model.Factor(name)] = v
	}
	for f, v := range hc.MinFactorScores {
		if cur, ok := c.MinFactorScores[f]; !ok || v > cur {
			c.MinFactorScores[f] = v
		}
	}
	return c
}

func (c Constraints) clone() Constraints {
	out := c
	if c.MaxCommuteMinutes != nil {
		out.MaxCommuteMinutes = model.Float64(*c.MaxCommuteMinutes)
	}
	if c.MinSafetyScore != nil {
		out.MinSafetyScore = model.Float64(*c.MinSafetyScore)
	}
	out.MinFactorScores = make(map[model.Factor]float64, len(c.MinFactorScores))
	for f, v := range c.MinFactorScores {
		out.MinFactorScores[f] = v
	}
	return out
}

// Values flattens the constraints into name → value.
func (c Constraints) Values() map[string]float64 {
	out := map[string]float64{ConstraintBudgetMax: c.BudgetMax}
	if c.BudgetMin > 0 {
		out[ConstraintBudgetMin] = c.BudgetMin
	}
	if c.MaxCommuteMinutes != nil {
		out[ConstraintCommute] = *c.MaxCommuteMinutes
	}
	if c.MinSafetyScore != nil {
		out[ConstraintSafety] = *c.MinSafetyScore
	}
	for f, v := range c.MinFactorScores {
		out[FactorConstraint(f)] = v
	}
	return out
}

// candidate is a record with its derived scoring inputs.
type candidate struct {
	record   *model.EnrichmentRecord
	factors  map[model.Factor]float64
	observed map[model.Factor]bool
	price    *float64
	commute  *float64
}

// check returns the names and human reasons of every violated constraint.
// A value that is unknown never counts as a violation.
func (c Constraints) check(a candidate) ([]string, []string) {
	var names, reasons []string
	if a.price != nil {
		if c.BudgetMax > 0 && *a.price > c.BudgetMax {
			names = append(names, ConstraintBudgetMax)
			reasons = append(reasons, fmt.Sprintf("price %.0f exceeds budget %.0f", *a.price, c.BudgetMax))
		}
		if c.BudgetMin > 0 && *a.price < c.BudgetMin {
			names = append(names, ConstraintBudgetMin)
			reasons = append(reasons, fmt.Sprintf("price %.0f below minimum %.0f", *a.price, c.BudgetMin))
		}
	}
	if c.MaxCommuteMinutes != nil && a.commute != nil && *a.commute > *c.MaxCommuteMinutes {
		names = append(names, ConstraintCommute)
		reasons = append(reasons, fmt.Sprintf("commute %.0f min exceeds %.0f", *a.commute, *c.MaxCommuteMinutes))
	}
	if c.MinSafetyScore != nil && a.observed[model.FactorSafety] && a.factors[model.FactorSafety] < *c.MinSafetyScore {
		names = append(names, ConstraintSafety)
		reasons = append(reasons, fmt.Sprintf("safety %.1f below %.1f", a.factors[model.FactorSafety], *c.MinSafetyScore))
	}
	for _, f := range model.Factors {
		floor, ok := c.MinFactorScores[f]
		if !ok || !a.observed[f] || a.factors[f] >= floor {
			continue
		}
		names = append(names, FactorConstraint(f))
		reasons = append(reasons, fmt.Sprintf("%s %.1f below %.1f", f, a.factors[f], floor))
	}
	return names, reasons
}

// relax loosens each violated constraint by one step measured against
// the original constraints. It reports false when nothing could move.
func relax(cur, orig Constraints, violated map[string]bool, cfg config.ScoringConfig) (Constraints, bool) {
	next := cur.clone()
	changed := false
	if violated[ConstraintBudgetMax] && orig.BudgetMax > 0 {
		next.BudgetMax = cur.BudgetMax + orig.BudgetMax*cfg.BudgetStepPct
		changed = true
	}
	if violated[ConstraintBudgetMin] && cur.BudgetMin > 0 {
		next.BudgetMin = math.Max(0, cur.BudgetMin-orig.BudgetMin*cfg.BudgetStepPct)
		changed = true
	}
	if violated[ConstraintCommute] && cur.MaxCommuteMinutes != nil {
		next.MaxCommuteMinutes = model.Float64(*cur.MaxCommuteMinutes + cfg.CommuteStepMinutes)
		changed = true
	}
	if violated[ConstraintSafety] && cur.MinSafetyScore != nil && *cur.MinSafetyScore > 0 {
		next.MinSafetyScore = model.Float64(math.Max(0, *cur.MinSafetyScore-cfg.SafetyStep))
		changed = true
	}
	for f, v := range cur.MinFactorScores {
		if violated[FactorConstraint(f)] && v > 0 {
			next.MinFactorScores[f] = math.Max(0, v-cfg.FactorStep)
			changed = true
		}
	}
	return next, changed
}

// relaxed reports the constraints whose final value differs from the
// original, as name → final value.
func relaxed(orig, final Constraints) map[string]float64 {
	before, after := orig.Values(), final.Values()
	out := make(map[string]float64)
	for _, name := range sortedKeys(after) {
		if b, ok := before[name]; !ok || b != after[name] {
			out[name] = after[name]
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			out[name] = 0
		}
	}
	return out
}

func violatedSet(names [][]string) map[string]bool {
	out := make(map[string]bool)
	for _, ns := range names {
		for _, n := range ns {
			out[n] = true
		}
	}
	return out
}

func sortedNames(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
