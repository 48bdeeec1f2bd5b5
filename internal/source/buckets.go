package source

import "strings"

// SafetyScore buckets a monthly street-crime count into a 0–100 score.
// Counts are for roughly a one-mile radius; the London average sits
// around 70–80.
func SafetyScore(crimes int) float64 {
	switch {
	case crimes < 30:
		return 90
	case crimes < 60:
		return 75
	case crimes < 90:
		return 60
	case crimes < 120:
		return 45
	default:
		return 30
	}
}

// DensityScore buckets an amenity count within the search radius.
func DensityScore(amenities int) float64 {
	switch {
	case amenities > 100:
		return 95
	case amenities > 50:
		return 80
	case amenities > 25:
		return 65
	case amenities > 10:
		return 50
	default:
		return 30
	}
}

// OfstedScore maps an inspection grade (word or 1–4) to a score.
func OfstedScore(rating string) (float64, bool) {
	r := strings.ToLower(strings.TrimSpace(rating))
	r = strings.NewReplacer(" ", "_", "-", "_").Replace(r)
	switch r {
	case "outstanding", "1":
		return 95, true
	case "good", "2":
		return 75, true
	case "requires_improvement", "satisfactory", "3":
		return 55, true
	case "inadequate", "4":
		return 30, true
	}
	return 0, false
}
