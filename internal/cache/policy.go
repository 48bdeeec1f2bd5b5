package cache

import "time"

// Data kinds with their own freshness.
const (
	KindProperty       = "property"
	KindPropertyTrends = "property_trends"
	KindCommute        = "commute"
	KindCrime          = "crime"
	KindSchools        = "schools"
	KindAmenities      = "amenities"
	KindRecommendation = "recommendation"
)

const day = 24 * time.Hour

// DefaultTTL applies to kinds missing from the policy.
const DefaultTTL = time.Hour

// Policy maps a data kind to its TTL.
type Policy map[string]time.Duration

// DefaultPolicy returns the per-kind freshness table.
func DefaultPolicy() Policy {
	return Policy{
		KindProperty:       day,
		KindPropertyTrends: 7 * day,
		KindCommute:        7 * day,
		KindCrime:          30 * day,
		KindSchools:        90 * day,
		KindAmenities:      30 * day,
		KindRecommendation: time.Hour,
	}
}

// TTL returns the TTL for kind.
func (p Policy) TTL(kind string) time.Duration {
	if d, ok := p[kind]; ok && d > 0 {
		return d
	}
	return DefaultTTL
}

// WithOverrides returns a copy of p with hour-based overrides applied.
// Non-positive values are ignored.
func (p Policy) WithOverrides(hours map[string]float64) Policy {
	out := make(Policy, len(p)+len(hours))
	for k, v := range p {
		out[k] = v
	}
	for k, h := range hours {
		if h > 0 {
			out[k] = time.Duration(h * float64(time.Hour))
		}
	}
	return out
}
