package source

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/pkg/httpx"
	"github.com/sells-group/area-advisor/pkg/overpass"
	"github.com/sells-group/area-advisor/pkg/police"
	"github.com/sells-group/area-advisor/pkg/scansan"
	"github.com/sells-group/area-advisor/pkg/tfl"
)

type funcClient struct {
	id    string
	calls atomic.Int32
	fn    func(n int32) (*model.RawMetrics, error)
}

func (f *funcClient) ID() string { return f.id }

func (f *funcClient) Fetch(_ context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	n := f.calls.Add(1)
	return f.fn(n)
}

func fastRetry(max int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    max,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	d := DefaultDataset()
	r.Register(Binding{Client: NewFixtureClient(model.SourceCrime, d, nil), Criticality: Important, Kind: "crime"})
	r.Register(Binding{Client: NewFixtureClient(model.SourceProperty, d, nil), Criticality: Critical, Kind: "property"})
	r.Register(Binding{Client: NewFixtureClient(model.SourceCrime, d, nil), Criticality: Optional, Kind: "crime"})

	assert.Equal(t, []string{model.SourceCrime, model.SourceProperty}, r.IDs())
	b, ok := r.Get(model.SourceCrime)
	require.True(t, ok)
	assert.Equal(t, Optional, b.Criticality, "re-register replaces in place")

	p, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, model.SourceProperty, p.ID())

	_, ok = NewRegistry().Primary()
	assert.False(t, ok)
}

func TestBinding_CacheKey(t *testing.T) {
	t.Parallel()

	d := DefaultDataset()
	prop := Binding{Client: NewFixtureClient(model.SourceProperty, d, nil)}
	commute := Binding{Client: NewGuard(NewFixtureClient(model.SourceCommute, d, nil))}

	q := model.AreaQuery{AreaCode: " e1 ", Destination: "UCL"}
	assert.Equal(t, "property:E1", prop.CacheKey(q))
	assert.Equal(t, "commute:ucl:E1", commute.CacheKey(q))
	assert.Equal(t, "commute:E1", commute.CacheKey(model.AreaQuery{AreaCode: "E1"}))
}

func TestParseCriticality(t *testing.T) {
	t.Parallel()

	c, err := ParseCriticality(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, Critical, c)

	_, err = ParseCriticality("vital")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want model.FailureClass
	}{
		{"source error kept", resilience.NotFound(errors.New("x")), model.FailureNotFound},
		{"http 404", &httpx.StatusError{Service: "s", StatusCode: http.StatusNotFound}, model.FailureNotFound},
		{"http 429", &httpx.StatusError{Service: "s", StatusCode: http.StatusTooManyRequests, Header: http.Header{}}, model.FailureRateLimited},
		{"http 503", &httpx.StatusError{Service: "s", StatusCode: http.StatusServiceUnavailable}, model.FailureTransient},
		{"http 401", &httpx.StatusError{Service: "s", StatusCode: http.StatusUnauthorized}, model.FailurePermanent},
		{"deadline", context.DeadlineExceeded, model.FailureTransient},
		{"opaque", errors.New("bad json"), model.FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			var se *resilience.SourceError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.want, se.Class)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestGuard_RetriesTransient(t *testing.T) {
	t.Parallel()

	c := &funcClient{id: "flaky", fn: func(n int32) (*model.RawMetrics, error) {
		if n < 3 {
			return nil, resilience.Transient(errors.New("blip"))
		}
		return model.NewRawMetrics("flaky", "E1", time.Now()), nil
	}}
	g := NewGuard(c, WithRetry(fastRetry(3)))

	m, err := g.Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
	require.NoError(t, err)
	assert.Equal(t, "flaky", m.Source)
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestGuard_NotFoundNotRetriedNorTripped(t *testing.T) {
	t.Parallel()

	c := &funcClient{id: "sparse", fn: func(int32) (*model.RawMetrics, error) {
		return nil, resilience.NotFound(errors.New("no data"))
	}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	g := NewGuard(c, WithRetry(fastRetry(3)), WithBreaker(cb))

	for i := 0; i < 3; i++ {
		_, err := g.Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
		assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
	}
	assert.Equal(t, int32(3), c.calls.Load())
	assert.Equal(t, resilience.CircuitClosed, g.Breaker().State())
}

func TestGuard_BreakerOpens(t *testing.T) {
	t.Parallel()

	c := &funcClient{id: "down", fn: func(int32) (*model.RawMetrics, error) {
		return nil, resilience.Transient(errors.New("503"))
	}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	g := NewGuard(c, WithRetry(fastRetry(1)), WithBreaker(cb))

	ctx := context.Background()
	_, _ = g.Fetch(ctx, model.AreaQuery{AreaCode: "E1"})
	_, _ = g.Fetch(ctx, model.AreaQuery{AreaCode: "E2"})
	require.Equal(t, resilience.CircuitOpen, cb.State())

	_, err := g.Fetch(ctx, model.AreaQuery{AreaCode: "E3"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, model.FailureTransient, resilience.Classify(err))
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestGuard_AttemptTimeout(t *testing.T) {
	t.Parallel()

	d, err := ParseDataset([]byte("areas:\n  E1:\n    crime: {total_crimes: 10, delay_ms: 500}\n"))
	require.NoError(t, err)
	g := NewGuard(NewFixtureClient(model.SourceCrime, d, nil),
		WithRetry(fastRetry(1)), WithAttemptTimeout(10*time.Millisecond))

	start := time.Now()
	_, err = g.Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
	assert.Equal(t, model.FailureTransient, resilience.Classify(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestGuard_RateLimit(t *testing.T) {
	t.Parallel()

	c := &funcClient{id: "limited", fn: func(int32) (*model.RawMetrics, error) {
		return model.NewRawMetrics("limited", "E1", time.Now()), nil
	}}
	g := NewGuard(c, WithRateLimit(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestBuckets(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 90, SafetyScore(0), 0)
	assert.InDelta(t, 75, SafetyScore(30), 0)
	assert.InDelta(t, 60, SafetyScore(89), 0)
	assert.InDelta(t, 45, SafetyScore(119), 0)
	assert.InDelta(t, 30, SafetyScore(500), 0)

	assert.InDelta(t, 95, DensityScore(101), 0)
	assert.InDelta(t, 80, DensityScore(51), 0)
	assert.InDelta(t, 65, DensityScore(26), 0)
	assert.InDelta(t, 50, DensityScore(11), 0)
	assert.InDelta(t, 30, DensityScore(10), 0)

	s, ok := OfstedScore("Outstanding")
	require.True(t, ok)
	assert.InDelta(t, 95, s, 0)
	s, ok = OfstedScore("3")
	require.True(t, ok)
	assert.InDelta(t, 55, s, 0)
	_, ok = OfstedScore("")
	assert.False(t, ok)
}

func TestFixtureClient(t *testing.T) {
	t.Parallel()

	d, err := ParseDataset([]byte(`
areas:
  e1:
    property: {area_name: Whitechapel, affordability_score: 80, avg_price_rent_pm: "1100"}
    crime: {error: rate_limited}
    schools: {error: not_found}
`))
	require.NoError(t, err)
	ctx := context.Background()

	m, err := NewFixtureClient(model.SourceProperty, d, nil).Fetch(ctx, model.AreaQuery{AreaCode: "E1"})
	require.NoError(t, err)
	v, ok := m.Float(model.FieldPriceRent)
	require.True(t, ok)
	assert.InDelta(t, 1100, v, 0)
	name, _ := m.String(model.FieldAreaName)
	assert.Equal(t, "Whitechapel", name)

	_, err = NewFixtureClient(model.SourceCrime, d, nil).Fetch(ctx, model.AreaQuery{AreaCode: "E1"})
	assert.Equal(t, model.FailureRateLimited, resilience.Classify(err))

	_, err = NewFixtureClient(model.SourceSchools, d, nil).Fetch(ctx, model.AreaQuery{AreaCode: "E1"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))

	_, err = NewFixtureClient(model.SourceAmenities, d, nil).Fetch(ctx, model.AreaQuery{AreaCode: "E1"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
}

func TestFixtureClient_SynthCommute(t *testing.T) {
	t.Parallel()

	c := NewFixtureClient(model.SourceCommute, DefaultDataset(), geo.Default())
	ctx := context.Background()

	near, err := c.Fetch(ctx, model.AreaQuery{AreaCode: "N1", Destination: "UCL"})
	require.NoError(t, err)
	far, err := c.Fetch(ctx, model.AreaQuery{AreaCode: "SE22", Destination: "UCL"})
	require.NoError(t, err)
	n, _ := near.Float(model.FieldDurationMinutes)
	f, _ := far.Float(model.FieldDurationMinutes)
	assert.Less(t, n, f)

	_, err = c.Fetch(ctx, model.AreaQuery{AreaCode: "N1"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
	_, err = c.Fetch(ctx, model.AreaQuery{AreaCode: "N1", Destination: "Atlantis"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
}

func TestDefaultDataset_CoversGazetteer(t *testing.T) {
	t.Parallel()

	d := DefaultDataset()
	for _, p := range geo.Default().Areas() {
		for _, id := range []string{model.SourceProperty, model.SourceTrends, model.SourceCrime, model.SourceSchools, model.SourceAmenities} {
			assert.NotEmpty(t, d.entry(p.Code, id), "%s/%s", p.Code, id)
		}
	}
}

// Fakes for the provider clients.

type fakeScanSan struct {
	area   *scansan.AreaSummary
	trends *scansan.PriceTrends
	err    error
}

func (f fakeScanSan) Area(context.Context, string) (*scansan.AreaSummary, error) {
	return f.area, f.err
}

func (f fakeScanSan) Trends(context.Context, string) (*scansan.PriceTrends, error) {
	return f.trends, f.err
}

type fakeTfL struct {
	j   *tfl.Journey
	err error
}

func (f fakeTfL) Journey(context.Context, float64, float64, float64, float64) (*tfl.Journey, error) {
	return f.j, f.err
}

type fakePolice []police.Crime

func (f fakePolice) StreetCrimes(context.Context, float64, float64) ([]police.Crime, error) {
	return f, nil
}

type fakeOverpass struct {
	count   int
	schools []overpass.Element
}

func (f fakeOverpass) CountAmenities(context.Context, float64, float64, int) (int, error) {
	return f.count, nil
}

func (f fakeOverpass) Schools(context.Context, float64, float64, int) ([]overpass.Element, error) {
	return f.schools, nil
}

func TestPropertySource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := model.AreaQuery{AreaCode: "E1"}

	s := NewPropertySource(fakeScanSan{area: &scansan.AreaSummary{
		AreaName:           "Whitechapel",
		AffordabilityScore: model.Float64(78),
		AvgPriceRentPM:     model.Float64(1100),
		PriceTrends:        &scansan.PriceTrends{FiveYear: model.Float64(22)},
	}})
	m, err := s.Fetch(ctx, q)
	require.NoError(t, err)
	v, _ := m.Float(model.FieldAffordability)
	assert.InDelta(t, 78, v, 0)
	g5, ok := m.Float(model.FieldGrowth5yr)
	require.True(t, ok)
	assert.InDelta(t, 22, g5, 0)
	_, ok = m.Float(model.FieldPricePurchase)
	assert.False(t, ok)

	_, err = NewPropertySource(fakeScanSan{area: &scansan.AreaSummary{}}).Fetch(ctx, q)
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))

	_, err = NewPropertySource(fakeScanSan{err: &httpx.StatusError{StatusCode: 502}}).Fetch(ctx, q)
	assert.Equal(t, model.FailureTransient, resilience.Classify(err))
}

func TestTrendsSource(t *testing.T) {
	t.Parallel()

	s := NewTrendsSource(fakeScanSan{trends: &scansan.PriceTrends{OneYear: model.Float64(3.5)}})
	m, err := s.Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
	require.NoError(t, err)
	v, _ := m.Float(model.FieldGrowth1yr)
	assert.InDelta(t, 3.5, v, 0)

	_, err = NewTrendsSource(fakeScanSan{trends: &scansan.PriceTrends{}}).Fetch(context.Background(), model.AreaQuery{AreaCode: "E1"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
}

func TestCommuteSource(t *testing.T) {
	t.Parallel()

	g := geo.Default()
	ctx := context.Background()

	s := NewCommuteSource(fakeTfL{j: &tfl.Journey{DurationMinutes: 24, Changes: 1, WalkingMinutes: 6}}, g)
	assert.Equal(t, "UCL", s.Scope(model.AreaQuery{Destination: "UCL"}))
	m, err := s.Fetch(ctx, model.AreaQuery{AreaCode: "E1", Destination: "UCL"})
	require.NoError(t, err)
	v, _ := m.Float(model.FieldDurationMinutes)
	assert.InDelta(t, 24, v, 0)

	_, err = s.Fetch(ctx, model.AreaQuery{AreaCode: "ZZ9", Destination: "UCL"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))

	_, err = NewCommuteSource(fakeTfL{err: tfl.ErrNoJourney}, g).
		Fetch(ctx, model.AreaQuery{AreaCode: "E1", Destination: "UCL"})
	assert.Equal(t, model.FailureNotFound, resilience.Classify(err))
}

func TestCrimeSource(t *testing.T) {
	t.Parallel()

	crimes := fakePolice{{Category: "burglary"}, {Category: "burglary"}, {Category: "robbery"}}
	m, err := NewCrimeSource(crimes, geo.Default()).Fetch(context.Background(), model.AreaQuery{AreaCode: "N1"})
	require.NoError(t, err)
	total, _ := m.Float(model.FieldTotalCrimes)
	assert.InDelta(t, 3, total, 0)
	safety, _ := m.Float(model.FieldSafety)
	assert.InDelta(t, 90, safety, 0)
	burglary, _ := m.Float("crime_burglary")
	assert.InDelta(t, 2, burglary, 0)
}

func TestSchoolsAndAmenitiesSources(t *testing.T) {
	t.Parallel()

	api := fakeOverpass{
		count: 60,
		schools: []overpass.Element{
			{Tags: map[string]string{"ofsted:rating": "outstanding"}},
			{Tags: map[string]string{"ofsted:rating": "good"}},
			{Tags: map[string]string{"name": "Unrated Primary"}},
		},
	}
	g := geo.Default()
	ctx := context.Background()

	m, err := NewSchoolsSource(api, g, 0).Fetch(ctx, model.AreaQuery{AreaCode: "E2"})
	require.NoError(t, err)
	count, _ := m.Float(model.FieldSchoolCount)
	rated, _ := m.Float(model.FieldRatedSchools)
	quality, _ := m.Float(model.FieldSchoolQuality)
	assert.InDelta(t, 3, count, 0)
	assert.InDelta(t, 2, rated, 0)
	assert.InDelta(t, 85, quality, 1e-9)

	m, err = NewAmenitiesSource(api, g, 0).Fetch(ctx, model.AreaQuery{AreaCode: "E2"})
	require.NoError(t, err)
	density, _ := m.Float(model.FieldAmenityDensity)
	assert.InDelta(t, 80, density, 0)
}
