package model

import (
	"fmt"
	"strings"
)

// Persona is the closed set of requester profiles.
type Persona string

// Personas.
const (
	PersonaStudent   Persona = "student"
	PersonaParent    Persona = "parent"
	PersonaDeveloper Persona = "developer"
)

// Personas lists every persona in a stable order.
var Personas = []Persona{PersonaStudent, PersonaParent, PersonaDeveloper}

// ParsePersona maps a case-insensitive name to a Persona.
func ParsePersona(s string) (Persona, error) {
	p := Persona(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Personas {
		if p == known {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "persona", Reason: fmt.Sprintf("unknown persona %q", s)}
}

// Factor is one scoring dimension.
type Factor string

// Factors.
const (
	FactorAffordability Factor = "affordability"
	FactorCommute       Factor = "commute"
	FactorSafety        Factor = "safety"
	FactorAmenities     Factor = "amenities"
	FactorSchools       Factor = "schools"
	FactorInvestment    Factor = "investment"
)

// Factors lists every factor in a stable order.
var Factors = []Factor{
	FactorAffordability,
	FactorCommute,
	FactorSafety,
	FactorAmenities,
	FactorSchools,
	FactorInvestment,
}

// ParseFactor maps a case-insensitive name to a Factor.
func ParseFactor(s string) (Factor, error) {
	f := Factor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Factors {
		if f == known {
			return f, nil
		}
	}
	return "", &ValidationError{Field: "factor", Reason: fmt.Sprintf("unknown factor %q", s)}
}

// HardConstraints are pass/fail filters applied before ranking. Nil
// pointers mean the constraint is unset.
type HardConstraints struct {
	MaxCommuteMinutes *float64           `json:"max_commute_minutes,omitempty"`
	MinSafetyScore    *float64           `json:"min_safety_score,omitempty"`
	MinFactorScores   map[Factor]float64 `json:"min_factor_scores,omitempty"`
}

// Clone returns a deep copy.
func (h HardConstraints) Clone() HardConstraints {
	out := HardConstraints{}
	if h.MaxCommuteMinutes != nil {
		v := *h.MaxCommuteMinutes
		out.MaxCommuteMinutes = &v
	}
	if h.MinSafetyScore != nil {
		v := *h.MinSafetyScore
		out.MinSafetyScore = &v
	}
	if len(h.MinFactorScores) > 0 {
		out.MinFactorScores = make(map[Factor]float64, len(h.MinFactorScores))
		for k, v := range h.MinFactorScores {
			out.MinFactorScores[k] = v
		}
	}
	return out
}

// UserPreference is the requester's scoring input.
type UserPreference struct {
	Persona           Persona            `json:"persona"`
	BudgetMax         float64            `json:"budget_max"`
	BudgetMin         float64            `json:"budget_min,omitempty"`
	LocationType      LocationType       `json:"location_type"`
	Destination       string             `json:"destination,omitempty"`
	ImportanceWeights map[Factor]float64 `json:"importance_weights,omitempty"`
	HardConstraints   HardConstraints    `json:"hard_constraints"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
