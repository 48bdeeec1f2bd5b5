// Package normalize maps raw provider metrics onto the common 0–100 factor
// scale. Every function here is pure.
package normalize

import (
	"fmt"
	"math"
)

// Neutral is the score for a factor with no usable data.
const Neutral = 50.0

// Warning flags a value that could not be normalized and was replaced by
// Neutral.
type Warning struct {
	AreaCode string `json:"area_code,omitempty"`
	Factor   string `json:"factor,omitempty"`
	Source   string `json:"source,omitempty"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`

	// Value may be NaN or Inf, which JSON cannot carry.
	Value float64 `json:"-"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s/%s %s.%s=%v: %s", w.AreaCode, w.Factor, w.Source, w.Field, w.Value, w.Reason)
}

// Clamp bounds v to [0,100].
func Clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Linear maps [min,max] onto [0,100], clamping beyond the domain.
func Linear(v, min, max float64) (float64, *Warning) {
	if !finite(v) {
		return Neutral, &Warning{Value: v, Reason: "non-finite value"}
	}
	if !finite(min) || !finite(max) || max <= min {
		return Neutral, &Warning{Value: v, Reason: fmt.Sprintf("degenerate range [%v,%v]", min, max)}
	}
	return Clamp((v - min) / (max - min) * 100), nil
}

// Inverted scores lower-is-better values: 0 maps to 100 and referenceMax
// or beyond maps to 0.
func Inverted(v, referenceMax float64) (float64, *Warning) {
	if !finite(v) {
		return Neutral, &Warning{Value: v, Reason: "non-finite value"}
	}
	if !finite(referenceMax) || referenceMax <= 0 {
		return Neutral, &Warning{Value: v, Reason: fmt.Sprintf("degenerate reference max %v", referenceMax)}
	}
	return Clamp(100 - v/referenceMax*100), nil
}

// Bounded passes through a value already on the 0–100 scale.
func Bounded(v float64) (float64, *Warning) {
	if !finite(v) {
		return Neutral, &Warning{Value: v, Reason: "non-finite value"}
	}
	return Clamp(v), nil
}
