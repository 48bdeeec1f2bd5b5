package model

// Source ids.
const (
	SourceProperty  = "property"
	SourceTrends    = "trends"
	SourceCommute   = "commute"
	SourceCrime     = "crime"
	SourceSchools   = "schools"
	SourceAmenities = "amenities"
)

// Raw field names shared by source adapters and the normalizer.
const (
	FieldAreaName        = "area_name"
	FieldAffordability   = "affordability_score"
	FieldRisk            = "risk_score"
	FieldInvestment      = "investment_quality"
	FieldDemand          = "demand_index"
	FieldYield           = "yield_estimate"
	FieldPriceRent       = "avg_price_rent_pm"
	FieldPricePurchase   = "avg_price_purchase"
	FieldGrowth1yr       = "growth_1yr"
	FieldGrowth3yr       = "growth_3yr"
	FieldGrowth5yr       = "growth_5yr"
	FieldDurationMinutes = "duration_minutes"
	FieldChanges         = "changes"
	FieldWalkingMinutes  = "walking_minutes"
	FieldTotalCrimes     = "total_crimes"
	FieldSafety          = "safety_score"
	FieldSchoolCount     = "school_count"
	FieldRatedSchools    = "rated_count"
	FieldSchoolQuality   = "avg_quality_score"
	FieldAmenityCount    = "amenity_count"
	FieldAmenityDensity  = "density_score"
)
