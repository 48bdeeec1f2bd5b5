package scorer

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/model"
)

// DefaultImportance is the rating assumed for a factor the user did not
// rate. Ratings run 0–10; 5 leaves the base weight unchanged.
const DefaultImportance = 5.0

// weightTolerance is how far a base profile may drift from 1 before it is
// logged as malformed.
const weightTolerance = 1e-6

// BaseWeights returns the persona's configured profile keyed by Factor.
func BaseWeights(cfg config.ScoringConfig, persona model.Persona) (map[model.Factor]float64, error) {
	profile, ok := cfg.Profiles[string(persona)]
	if !ok {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("no weight profile for persona %q", persona)}
	}
	out := make(map[model.Factor]float64, len(model.Factors))
	for _, f := range model.Factors {
		out[f] = profile[string(f)]
	}
	return out, nil
}

// ResolveWeights applies importance ratings to the persona profile and
// renormalises so the result sums to 1. The renormalisation always runs,
// even for a well-formed profile.
func ResolveWeights(cfg config.ScoringConfig, persona model.Persona, importance map[model.Factor]float64) (map[model.Factor]float64, error) {
	base, err := BaseWeights(cfg, persona)
	if err != nil {
		return nil, err
	}
	if sum := sumWeights(base); math.Abs(sum-1) > weightTolerance {
		zap.L().Warn("scorer: persona profile does not sum to 1, renormalising",
			zap.String("persona", string(persona)), zap.Float64("sum", sum))
	}

	adjusted := make(map[model.Factor]float64, len(base))
	for _, f := range model.Factors {
		rating := DefaultImportance
		if r, ok := importance[f]; ok {
			rating = r
		}
		w := base[f] * rating / DefaultImportance
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		adjusted[f] = w
	}

	sum := sumWeights(adjusted)
	if !(sum > 0) {
		return nil, &model.ConfigError{Reason: fmt.Sprintf("weights for persona %q sum to zero", persona)}
	}
	for f, w := range adjusted {
		adjusted[f] = w / sum
	}
	return adjusted, nil
}

// DominantFactor is the factor with the largest base weight for persona,
// first in model.Factors order on ties. It breaks ties in ranking.
func DominantFactor(base map[model.Factor]float64) model.Factor {
	best := model.Factors[0]
	for _, f := range model.Factors[1:] {
		if base[f] > base[best] {
			best = f
		}
	}
	return best
}

func sumWeights(w map[model.Factor]float64) float64 {
	var sum float64
	for _, f := range model.Factors {
		sum += w[f]
	}
	return sum
}
