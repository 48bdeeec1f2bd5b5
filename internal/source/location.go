package source

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/pkg/overpass"
	"github.com/sells-group/area-advisor/pkg/police"
	"github.com/sells-group/area-advisor/pkg/tfl"
)

func errEmptyPayload(id, area string) error {
	return eris.Errorf("%s: no data for %s", id, area)
}

func locate(g *geo.Gazetteer, id, area string) (geo.Place, error) {
	p, ok := g.Area(area)
	if !ok {
		return geo.Place{}, resilience.NotFound(eris.Errorf("%s: no coordinates for %s", id, area))
	}
	return p, nil
}

// CommuteSource plans a journey from the area centroid to the requested
// destination.
type CommuteSource struct {
	api tfl.Client
	geo *geo.Gazetteer
	now func() time.Time
}

// NewCommuteSource adapts a TfL client.
func NewCommuteSource(api tfl.Client, g *geo.Gazetteer) *CommuteSource {
	return &CommuteSource{api: api, geo: g, now: time.Now}
}

func (s *CommuteSource) ID() string { return model.SourceCommute }

// Scope keys commute results by destination.
func (s *CommuteSource) Scope(q model.AreaQuery) string { return q.Destination }

func (s *CommuteSource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	if q.Destination == "" {
		return nil, resilience.NotFound(eris.New("commute: no destination"))
	}
	from, err := locate(s.geo, s.ID(), q.AreaCode)
	if err != nil {
		return nil, err
	}
	to, ok := s.geo.Destination(q.Destination)
	if !ok {
		return nil, resilience.NotFound(eris.Errorf("commute: unknown destination %q", q.Destination))
	}

	j, err := s.api.Journey(ctx, from.Lat(), from.Lng(), to.Lat(), to.Lng())
	if err != nil {
		if errors.Is(err, tfl.ErrNoJourney) {
			return nil, resilience.NotFound(err)
		}
		return nil, classify(err)
	}
	return model.NewRawMetrics(s.ID(), q.AreaCode, s.now()).
		Set(model.FieldDurationMinutes, float64(j.DurationMinutes)).
		Set(model.FieldChanges, float64(j.Changes)).
		Set(model.FieldWalkingMinutes, float64(j.WalkingMinutes)), nil
}

// CrimeSource counts street-level crimes around the area centroid.
type CrimeSource struct {
	api police.Client
	geo *geo.Gazetteer
	now func() time.Time
}

// NewCrimeSource adapts a police data client.
func NewCrimeSource(api police.Client, g *geo.Gazetteer) *CrimeSource {
	return &CrimeSource{api: api, geo: g, now: time.Now}
}

func (s *CrimeSource) ID() string { return model.SourceCrime }

func (s *CrimeSource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	p, err := locate(s.geo, s.ID(), q.AreaCode)
	if err != nil {
		return nil, err
	}
	crimes, err := s.api.StreetCrimes(ctx, p.Lat(), p.Lng())
	if err != nil {
		return nil, classify(err)
	}
	m := model.NewRawMetrics(s.ID(), q.AreaCode, s.now()).
		Set(model.FieldTotalCrimes, float64(len(crimes))).
		Set(model.FieldSafety, SafetyScore(len(crimes)))
	for cat, n := range police.Breakdown(crimes) {
		m.Set("crime_"+cat, float64(n))
	}
	return m, nil
}

// SchoolsSource lists schools near the area centroid and averages any
// inspection grades tagged on them.
type SchoolsSource struct {
	api     overpass.Client
	geo     *geo.Gazetteer
	radiusM int
	now     func() time.Time
}

// NewSchoolsSource adapts an Overpass client. radiusM defaults to 1500.
func NewSchoolsSource(api overpass.Client, g *geo.Gazetteer, radiusM int) *SchoolsSource {
	if radiusM <= 0 {
		radiusM = 1500
	}
	return &SchoolsSource{api: api, geo: g, radiusM: radiusM, now: time.Now}
}

func (s *SchoolsSource) ID() string { return model.SourceSchools }

func (s *SchoolsSource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	p, err := locate(s.geo, s.ID(), q.AreaCode)
	if err != nil {
		return nil, err
	}
	els, err := s.api.Schools(ctx, p.Lat(), p.Lng(), s.radiusM)
	if err != nil {
		return nil, classify(err)
	}

	var sum float64
	rated := 0
	for _, el := range els {
		if score, ok := OfstedScore(el.Tags["ofsted:rating"]); ok {
			sum += score
			rated++
		}
	}
	m := model.NewRawMetrics(s.ID(), q.AreaCode, s.now()).
		Set(model.FieldSchoolCount, float64(len(els))).
		Set(model.FieldRatedSchools, float64(rated))
	if rated > 0 {
		m.Set(model.FieldSchoolQuality, sum/float64(rated))
	}
	return m, nil
}

// AmenitiesSource counts everyday amenities near the area centroid.
type AmenitiesSource struct {
	api     overpass.Client
	geo     *geo.Gazetteer
	radiusM int
	now     func() time.Time
}

// NewAmenitiesSource adapts an Overpass client. radiusM defaults to 1000.
func NewAmenitiesSource(api overpass.Client, g *geo.Gazetteer, radiusM int) *AmenitiesSource {
	if radiusM <= 0 {
		radiusM = 1000
	}
	return &AmenitiesSource{api: api, geo: g, radiusM: radiusM, now: time.Now}
}

func (s *AmenitiesSource) ID() string { return model.SourceAmenities }

func (s *AmenitiesSource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	p, err := locate(s.geo, s.ID(), q.AreaCode)
	if err != nil {
		return nil, err
	}
	n, err := s.api.CountAmenities(ctx, p.Lat(), p.Lng(), s.radiusM)
	if err != nil {
		return nil, classify(err)
	}
	return model.NewRawMetrics(s.ID(), q.AreaCode, s.now()).
		Set(model.FieldAmenityCount, float64(n)).
		Set(model.FieldAmenityDensity, DensityScore(n)), nil
}
