// Package scorer turns enrichment records into ranked, explained area
// recommendations for a persona.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/model"
)

// DefaultScorerConfig returns a config.ScoringConfig with sensible
// defaults. Each profile sums to 1.
func DefaultScorerConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Profiles: map[string]map[string]float64{
			"student": {
				"affordability": 0.35, "commute": 0.25, "safety": 0.15,
				"amenities": 0.15, "schools": 0, "investment": 0.10,
			},
			"parent": {
				"affordability": 0.20, "commute": 0.15, "safety": 0.25,
				"amenities": 0.10, "schools": 0.30, "investment": 0,
			},
			"developer": {
				"affordability": 0.10, "commute": 0.05, "safety": 0.10,
				"amenities": 0.15, "schools": 0.20, "investment": 0.40,
			},
		},
		PersonaMinimums: map[string]map[string]float64{
			"parent":    {"schools": 30},
			"developer": {"investment": 30},
		},

		// Tagging.
		StrengthThreshold: 80,
		WeaknessThreshold: 40,

		// Relaxation.
		MaxRelaxRounds:     3,
		BudgetStepPct:      0.10,
		CommuteStepMinutes: 10,
		SafetyStep:         10,
		FactorStep:         10,

		TradeOffMargin: 5,
	}
}

// WeightSum returns the sum of a profile's weights.
func WeightSum(profile map[string]float64) float64 {
	var sum float64
	for _, w := range profile {
		sum += w
	}
	return sum
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
// Profiles need not sum to exactly 1; they are renormalised at scoring
// time.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if len(c.Profiles) == 0 {
		errs = append(errs, "at least one persona profile is required")
	}
	for _, persona := range sortedKeys(c.Profiles) {
		if _, err := model.ParsePersona(persona); err != nil {
			errs = append(errs, fmt.Sprintf("profiles: unknown persona %q", persona))
			continue
		}
		profile := c.Profiles[persona]
		for _, name := range sortedKeys(profile) {
			if _, err := model.ParseFactor(name); err != nil {
				errs = append(errs, fmt.Sprintf("profiles.%s: unknown factor %q", persona, name))
			}
			if profile[name] < 0 || math.IsNaN(profile[name]) {
				errs = append(errs, fmt.Sprintf("profiles.%s.%s must be >= 0", persona, name))
			}
		}
		if sum := WeightSum(profile); !(sum > 0) {
			errs = append(errs, fmt.Sprintf("profiles.%s: weight sum must be > 0", persona))
		}
	}

	for _, persona := range sortedKeys(c.PersonaMinimums) {
		for _, name := range sortedKeys(c.PersonaMinimums[persona]) {
			if _, err := model.ParseFactor(name); err != nil {
				errs = append(errs, fmt.Sprintf("persona_minimums.%s: unknown factor %q", persona, name))
			}
			if v := c.PersonaMinimums[persona][name]; v < 0 || v > 100 {
				errs = append(errs, fmt.Sprintf("persona_minimums.%s.%s must be between 0 and 100", persona, name))
			}
		}
	}

	// Thresholds.
	if c.StrengthThreshold < 0 || c.StrengthThreshold > 100 {
		errs = append(errs, "strength_threshold must be between 0 and 100")
	}
	if c.WeaknessThreshold < 0 || c.WeaknessThreshold > 100 {
		errs = append(errs, "weakness_threshold must be between 0 and 100")
	}
	if c.WeaknessThreshold >= c.StrengthThreshold {
		errs = append(errs, "weakness_threshold must be < strength_threshold")
	}

	// Relaxation.
	if c.MaxRelaxRounds < 0 {
		errs = append(errs, "max_relax_rounds must be >= 0")
	}
	if c.BudgetStepPct <= 0 {
		errs = append(errs, "budget_step_pct must be > 0")
	}
	if c.CommuteStepMinutes <= 0 {
		errs = append(errs, "commute_step_minutes must be > 0")
	}
	if c.SafetyStep <= 0 || c.FactorStep <= 0 {
		errs = append(errs, "safety_step and factor_step must be > 0")
	}
	if c.TradeOffMargin < 0 {
		errs = append(errs, "trade_off_margin must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
