package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/internal/model"
)

// factorNames is the oneof list accepted for factor-keyed maps.
const factorNames = "affordability commute safety amenities schools investment"

// Request is one recommendation request as received from a caller.
type Request struct {
	Persona           string             `json:"persona" validate:"required,oneof=student parent developer"`
	BudgetMax         float64            `json:"budget_max" validate:"gt=0"`
	BudgetMin         float64            `json:"budget_min,omitempty" validate:"gte=0"`
	LocationType      string             `json:"location_type,omitempty" validate:"omitempty,oneof=rent buy"`
	Destination       string             `json:"destination,omitempty" validate:"max=120"`
	ImportanceWeights map[string]float64 `json:"importance_weights,omitempty" validate:"omitempty,dive,keys,oneof=affordability commute safety amenities schools investment,endkeys,gte=0,lte=10"`
	HardConstraints   HardConstraints    `json:"hard_constraints"`
	MaxAreas          int                `json:"max_areas,omitempty" validate:"gte=0,lte=50"`
	Areas             []string           `json:"areas,omitempty" validate:"max=50"`
}

// HardConstraints is the request form of model.HardConstraints.
type HardConstraints struct {
	MaxCommuteMinutes *float64           `json:"max_commute_minutes,omitempty" validate:"omitempty,gt=0"`
	MinSafetyScore    *float64           `json:"min_safety_score,omitempty" validate:"omitempty,gte=0,lte=100"`
	MinFactorScores   map[string]float64 `json:"min_factor_scores,omitempty" validate:"omitempty,dive,keys,oneof=affordability commute safety amenities schools investment,endkeys,gte=0,lte=100"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// normalized returns a copy with case and whitespace folded so equal
// requests compare and hash equal.
func (r Request) normalized() Request {
	out := r
	out.Persona = strings.ToLower(strings.TrimSpace(r.Persona))
	out.LocationType = strings.ToLower(strings.TrimSpace(r.LocationType))
	if out.LocationType == "" {
		out.LocationType = string(model.LocationRent)
	}
	out.Destination = strings.TrimSpace(r.Destination)
	out.ImportanceWeights = lowerKeys(r.ImportanceWeights)
	out.HardConstraints.MinFactorScores = lowerKeys(r.HardConstraints.MinFactorScores)
	if len(r.Areas) > 0 {
		out.Areas = make([]string, len(r.Areas))
		for i, a := range r.Areas {
			out.Areas[i] = model.NormalizeAreaCode(a)
		}
	}
	return out
}

func lowerKeys(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// Validate checks r and returns a *model.ValidationError naming the first
// offending field.
func (r Request) Validate() error {
	n := r.normalized()
	if err := getValidator().Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &model.ValidationError{Reason: err.Error()}
		}
		return fieldError(verrs[0])
	}
	if n.BudgetMin > n.BudgetMax {
		return &model.ValidationError{
			Field:  "budget_min",
			Reason: fmt.Sprintf("budget_min %.0f exceeds budget_max %.0f", n.BudgetMin, n.BudgetMax),
		}
	}
	return nil
}

// fieldError maps a validator failure onto the domain error.
func fieldError(fe validator.FieldError) *model.ValidationError {
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		if strings.Contains(field, "[") {
			reason = fmt.Sprintf("unknown factor %v; want one of: %s", fe.Value(), factorNames)
		} else {
			reason = fmt.Sprintf("%v is not one of: %s", fe.Value(), fe.Param())
		}
	case "gt":
		reason = fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		reason = fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		reason = fmt.Sprintf("must be at most %s", fe.Param())
	case "max":
		reason = fmt.Sprintf("must have at most %s entries or characters", fe.Param())
	default:
		reason = fmt.Sprintf("failed %s check", fe.Tag())
	}
	return &model.ValidationError{Field: field, Reason: reason}
}

// Preference converts a validated request into the scoring input.
func (r Request) Preference() model.UserPreference {
	n := r.normalized()
	pref := model.UserPreference{
		Persona:      model.Persona(n.Persona),
		BudgetMax:    n.BudgetMax,
		BudgetMin:    n.BudgetMin,
		LocationType: model.LocationType(n.LocationType),
		Destination:  n.Destination,
		HardConstraints: model.HardConstraints{
			MaxCommuteMinutes: n.HardConstraints.MaxCommuteMinutes,
			MinSafetyScore:    n.HardConstraints.MinSafetyScore,
		}.Clone(),
	}
	if len(n.ImportanceWeights) > 0 {
		pref.ImportanceWeights = make(map[model.Factor]float64, len(n.ImportanceWeights))
		for k, v := range n.ImportanceWeights {
			pref.ImportanceWeights[model.Factor(k)] = v
		}
	}
	if len(n.HardConstraints.MinFactorScores) > 0 {
		pref.HardConstraints.MinFactorScores = make(map[model.Factor]float64, len(n.HardConstraints.MinFactorScores))
		for k, v := range n.HardConstraints.MinFactorScores {
			pref.HardConstraints.MinFactorScores[model.Factor(k)] = v
		}
	}
	return pref
}

// CacheKey is the result-cache key for r: a SHA-256 of the normalized
// request. Map keys marshal sorted, so field order never matters.
func (r Request) CacheKey() (string, error) {
	b, err := json.Marshal(r.normalized())
	if err != nil {
		return "", eris.Wrap(err, "pipeline: encode request key")
	}
	sum := sha256.Sum256(b)
	return "recommendation:" + hex.EncodeToString(sum[:]), nil
}
