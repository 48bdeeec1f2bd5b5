package normalize

import (
	"github.com/sells-group/area-advisor/internal/model"
)

// Transform turns a raw value into a 0–100 score.
type Transform func(v float64) (float64, *Warning)

// LinearOver returns a Linear transform over [min,max].
func LinearOver(min, max float64) Transform {
	return func(v float64) (float64, *Warning) { return Linear(v, min, max) }
}

// InvertedOver returns an Inverted transform with referenceMax.
func InvertedOver(referenceMax float64) Transform {
	return func(v float64) (float64, *Warning) { return Inverted(v, referenceMax) }
}

// Candidate is one way to derive a factor from a raw field.
type Candidate struct {
	Source    string
	Field     string
	Transform Transform
}

// Rules lists, per factor, candidates in preference order. The first
// candidate whose field is present wins.
type Rules map[model.Factor][]Candidate

// CommuteReferenceMinutes is the journey time that scores zero.
const CommuteReferenceMinutes = 60.0

// DefaultRules returns the factor derivation table.
func DefaultRules() Rules {
	return Rules{
		model.FactorAffordability: {
			{Source: model.SourceProperty, Field: model.FieldAffordability, Transform: Bounded},
		},
		model.FactorCommute: {
			{Source: model.SourceCommute, Field: model.FieldDurationMinutes, Transform: InvertedOver(CommuteReferenceMinutes)},
		},
		model.FactorSafety: {
			{Source: model.SourceCrime, Field: model.FieldSafety, Transform: Bounded},
		},
		model.FactorAmenities: {
			{Source: model.SourceAmenities, Field: model.FieldAmenityDensity, Transform: Bounded},
			{Source: model.SourceAmenities, Field: model.FieldAmenityCount, Transform: LinearOver(0, 120)},
		},
		model.FactorSchools: {
			{Source: model.SourceSchools, Field: model.FieldSchoolQuality, Transform: Bounded},
			{Source: model.SourceSchools, Field: model.FieldSchoolCount, Transform: LinearOver(0, 15)},
		},
		model.FactorInvestment: {
			{Source: model.SourceProperty, Field: model.FieldInvestment, Transform: Bounded},
			{Source: model.SourceTrends, Field: model.FieldGrowth5yr, Transform: LinearOver(0, 40)},
		},
	}
}

// Factors derives every factor score for rec. Factors with no usable data
// score Neutral. The result always has an entry for each model.Factors.
func Factors(rec *model.EnrichmentRecord, rules Rules) (map[model.Factor]float64, []Warning) {
	out := make(map[model.Factor]float64, len(model.Factors))
	var warnings []Warning
	for _, f := range model.Factors {
		out[f] = Neutral
		for _, c := range rules[f] {
			v, ok := rec.Source(c.Source).Float(c.Field)
			if !ok {
				continue
			}
			score, w := c.Transform(v)
			if w != nil {
				w.AreaCode = rec.AreaCode
				w.Factor = string(f)
				w.Source = c.Source
				w.Field = c.Field
				warnings = append(warnings, *w)
			}
			out[f] = score
			break
		}
	}
	return out, warnings
}

// Price returns the average price used for budget checks.
func Price(rec *model.EnrichmentRecord, lt model.LocationType) (float64, bool) {
	field := model.FieldPriceRent
	if lt == model.LocationBuy {
		field = model.FieldPricePurchase
	}
	v, ok := rec.Source(model.SourceProperty).Float(field)
	if !ok || !finite(v) {
		return 0, false
	}
	return v, true
}

// CommuteMinutes returns the raw journey time, if known.
func CommuteMinutes(rec *model.EnrichmentRecord) (float64, bool) {
	v, ok := rec.Source(model.SourceCommute).Float(model.FieldDurationMinutes)
	if !ok || !finite(v) {
		return 0, false
	}
	return v, true
}

// Observed reports, per factor, whether some rule found a finite value.
// Factors that fell back to Neutral are false.
func Observed(rec *model.EnrichmentRecord, rules Rules) map[model.Factor]bool {
	out := make(map[model.Factor]bool, len(model.Factors))
	for _, f := range model.Factors {
		for _, c := range rules[f] {
			if v, ok := rec.Source(c.Source).Float(c.Field); ok && finite(v) {
				out[f] = true
				break
			}
		}
	}
	return out
}
