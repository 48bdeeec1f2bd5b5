package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/area-advisor/internal/cache"
	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/enrich"
	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/internal/scorer"
	"github.com/sells-group/area-advisor/internal/source"
	"github.com/sells-group/area-advisor/internal/store"
)

// counted wraps a client and counts every fetch.
type counted struct {
	source.Client
	calls *atomic.Int32
}

func (c counted) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	c.calls.Add(1)
	return c.Client.Fetch(ctx, q)
}

type harness struct {
	p     *Pipeline
	calls *atomic.Int32
}

func newHarness(t *testing.T, yml string, withCache bool, scoring config.ScoringConfig) harness {
	t.Helper()
	d := source.DefaultDataset()
	if yml != "" {
		var err error
		d, err = source.ParseDataset([]byte(yml))
		require.NoError(t, err)
	}
	g := geo.Default()
	calls := &atomic.Int32{}
	reg := source.NewRegistry()
	for _, b := range []struct {
		id   string
		crit source.Criticality
		kind string
	}{
		{model.SourceProperty, source.Critical, cache.KindProperty},
		{model.SourceTrends, source.Optional, cache.KindPropertyTrends},
		{model.SourceCommute, source.Important, cache.KindCommute},
		{model.SourceCrime, source.Important, cache.KindCrime},
		{model.SourceSchools, source.Important, cache.KindSchools},
		{model.SourceAmenities, source.Optional, cache.KindAmenities},
	} {
		reg.Register(source.Binding{
			Client:      counted{Client: source.NewFixtureClient(b.id, d, g), calls: calls},
			Criticality: b.crit,
			Kind:        b.kind,
		})
	}

	var c *cache.Cache
	if withCache {
		c = cache.New(store.NewMemory())
	}
	orch := enrich.New(reg, c, enrich.Config{})
	gen := enrich.NewGenerator(g, orch, enrich.CandidateConfig{})
	p := New(orch, gen, scorer.NewEngine(scoring), Config{CacheResults: true})
	return harness{p: p, calls: calls}
}

func studentRequest() Request {
	return Request{Persona: "student", BudgetMax: 1200, LocationType: "rent", Destination: "UCL"}
}

func codes(recs []model.CompositeScore) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.AreaCode)
	}
	return out
}

func TestRun_ScansGazetteer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	resp, err := h.p.Run(context.Background(), studentRequest())
	require.NoError(t, err)

	_, err = uuid.Parse(resp.RunID)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, model.PersonaStudent, resp.Persona)

	// Seven areas clear the screen at 1200; the default cap keeps five.
	require.Len(t, resp.Recommendations, 5)
	assert.ElementsMatch(t, []string{"E1", "SE8", "E2", "SE15", "E3"}, codes(resp.Recommendations))
	for i, r := range resp.Recommendations {
		assert.Equal(t, i+1, r.Rank)
		assert.NotEmpty(t, r.AreaName)
	}
	assert.Len(t, resp.Records, 5)
	assert.Empty(t, resp.DroppedAreas)
	assert.Equal(t, []string{
		model.SourceProperty, model.SourceTrends, model.SourceCommute,
		model.SourceCrime, model.SourceSchools, model.SourceAmenities,
	}, resp.SourcesUsed)
	assert.Contains(t, resp.Disclaimers, DisclaimerCrimeLag)
	assert.InDelta(t, 1.0, sumWeights(resp.EffectiveWeights), 1e-6)
}

func sumWeights(w map[model.Factor]float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func TestRun_ResultCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", true, scorer.DefaultScorerConfig())
	first, err := h.p.Run(context.Background(), studentRequest())
	require.NoError(t, err)
	require.False(t, first.Cached)
	fetches := h.calls.Load()

	// Case and map order differences hash to the same key.
	again := studentRequest()
	again.Persona = " Student"
	second, err := h.p.Run(context.Background(), again)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Recommendations, second.Recommendations)
	assert.Equal(t, fetches, h.calls.Load(), "cached response must not refetch")
}

func TestRun_ValidationBeforeFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{"unknown persona", func(r *Request) { r.Persona = "retiree" }, "persona"},
		{"missing persona", func(r *Request) { r.Persona = "" }, "persona"},
		{"zero budget", func(r *Request) { r.BudgetMax = 0 }, "budget_max"},
		{"negative budget", func(r *Request) { r.BudgetMax = -100 }, "budget_max"},
		{"min above max", func(r *Request) { r.BudgetMin = 1500 }, "budget_min"},
		{"importance too high", func(r *Request) { r.ImportanceWeights = map[string]float64{"commute": 11} }, "importance_weights"},
		{"importance negative", func(r *Request) { r.ImportanceWeights = map[string]float64{"safety": -1} }, "importance_weights"},
		{"unknown factor", func(r *Request) { r.ImportanceWeights = map[string]float64{"nightlife": 5} }, "importance_weights"},
		{"location type", func(r *Request) { r.LocationType = "lease" }, "location_type"},
		{"safety above 100", func(r *Request) { r.HardConstraints.MinSafetyScore = model.Float64(120) }, "hard_constraints"},
		{"unknown minimum factor", func(r *Request) {
			r.HardConstraints.MinFactorScores = map[string]float64{"parking": 50}
		}, "hard_constraints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := studentRequest()
			tt.mutate(&req)
			_, err := h.p.Run(context.Background(), req)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Field, tt.field)
		})
	}
	assert.Zero(t, h.calls.Load())
}

func TestRun_ConfigErrorBeforeFetch(t *testing.T) {
	t.Parallel()

	cfg := scorer.DefaultScorerConfig()
	delete(cfg.Profiles, "developer")
	h := newHarness(t, "", false, cfg)

	req := studentRequest()
	req.Persona = "developer"
	_, err := h.p.Run(context.Background(), req)
	var ce *model.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Zero(t, h.calls.Load())
}

func TestRun_PrimaryUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
areas:
  E1:
    property: {error: transient}
  N1:
    property: {error: permanent}
`, true, scorer.DefaultScorerConfig())

	req := studentRequest()
	req.Areas = []string{"e1", "N1"}
	resp, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, resp.Recommendations)
	assert.NotNil(t, resp.Recommendations)
	require.Len(t, resp.DroppedAreas, 2)
	assert.Equal(t, model.FailureTransient, resp.DroppedAreas[0].Class)
	assert.Equal(t, model.FailurePermanent, resp.DroppedAreas[1].Class)
	assert.Contains(t, resp.Disclaimers, DisclaimerPrimaryUnavailable)
	assert.NotEmpty(t, resp.EmptyReason)

	// Outages are not cached.
	again, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Cached)
}

func TestRun_ReducedConfidence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `
areas:
  E1:
    property: {area_name: Whitechapel, affordability_score: 84, avg_price_rent_pm: 960, investment_quality: 70}
    crime: {error: transient}
    schools: {avg_quality_score: 80}
    amenities: {density_score: 90}
    trends: {growth_1yr: 2.5}
`, false, scorer.DefaultScorerConfig())

	req := studentRequest()
	req.Areas = []string{"E1"}
	resp, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.Recommendations, 1)
	r := resp.Recommendations[0]
	assert.True(t, r.ReducedConfidence)
	assert.Equal(t, []string{model.SourceCrime}, r.MissingSources)
	assert.InDelta(t, 50.0, r.FactorScores[model.FactorSafety], 1e-9)
	require.NotEmpty(t, resp.Disclaimers)
	assert.Contains(t, resp.Disclaimers[0], "reduced confidence")
	assert.Contains(t, resp.Disclaimers[0], "crime")
}

func TestRun_RelaxationReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	req := Request{
		Persona:         "parent",
		BudgetMax:       5000,
		Destination:     "UCL",
		Areas:           []string{"E1", "E2"},
		HardConstraints: HardConstraints{MinSafetyScore: model.Float64(80)},
	}
	resp, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)

	// Both areas score 60 on safety: 80 -> 70 -> 60.
	require.Len(t, resp.Recommendations, 2)
	assert.Equal(t, map[string]float64{scorer.ConstraintSafety: 60}, resp.RelaxedConstraints)
	assert.Contains(t, resp.Disclaimers, "constraints were relaxed to find matches: min_safety_score to 60")
}

func TestRun_EmptyAfterRelaxation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	req := Request{
		Persona:         "student",
		BudgetMax:       5000,
		Areas:           []string{"E1", "E2"},
		HardConstraints: HardConstraints{MinSafetyScore: model.Float64(99)},
	}
	resp, err := h.p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, resp.Recommendations)
	assert.Equal(t, 2, resp.FilteredOutCount)
	require.NotNil(t, resp.LastConstraints)
	assert.InDelta(t, 69, *resp.LastConstraints.MinSafetyScore, 1e-9)
	assert.Contains(t, resp.EmptyReason, scorer.ConstraintSafety)
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := studentRequest()
	req.Areas = []string{"E1"}
	_, err := h.p.Run(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: enrich")
}

// slowPrimary answers at once for the fast areas and only after 5s, or
// when its context ends, for every other area.
type slowPrimary struct{ fast map[string]bool }

func (slowPrimary) ID() string { return model.SourceProperty }

func (s slowPrimary) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	if !s.fast[q.AreaCode] {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, resilience.Transient(ctx.Err())
		}
	}
	return model.NewRawMetrics(model.SourceProperty, q.AreaCode, time.Now()).
		Set(model.FieldAffordability, 80.0).
		Set(model.FieldPriceRent, 900.0), nil
}

func slowPrimaryPipeline(fast ...string) *Pipeline {
	set := make(map[string]bool, len(fast))
	for _, code := range fast {
		set[code] = true
	}
	g := geo.Default()
	reg := source.NewRegistry()
	reg.Register(source.Binding{Client: slowPrimary{fast: set}, Criticality: source.Critical, Kind: cache.KindProperty})
	reg.Register(source.Binding{Client: source.NewFixtureClient(model.SourceCrime, source.DefaultDataset(), g), Criticality: source.Important, Kind: cache.KindCrime})
	// Wide enough that every screening lookup starts at once.
	orch := enrich.New(reg, nil, enrich.Config{Concurrency: 64, PerSourceConcurrency: 64})
	gen := enrich.NewGenerator(g, orch, enrich.CandidateConfig{ScanConcurrency: 64})
	return New(orch, gen, scorer.NewEngine(scorer.DefaultScorerConfig()), Config{Deadline: 200 * time.Millisecond})
}

func TestRun_DeadlineSpentOnScanDropsAreas(t *testing.T) {
	t.Parallel()

	p := slowPrimaryPipeline("E1")
	start := time.Now()
	resp, err := p.Run(context.Background(), Request{Persona: "student", BudgetMax: 1200})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Empty(t, resp.Recommendations)
	require.Len(t, resp.DroppedAreas, 1)
	assert.Equal(t, "E1", resp.DroppedAreas[0].AreaCode)
	assert.Equal(t, model.SourceProperty, resp.DroppedAreas[0].Source)
	assert.Equal(t, model.FailureTransient, resp.DroppedAreas[0].Class)
	assert.Contains(t, resp.Disclaimers, DisclaimerPrimaryUnavailable)
}

func TestRun_ScanOutageReportsPrimaryUnavailable(t *testing.T) {
	t.Parallel()

	p := slowPrimaryPipeline()
	resp, err := p.Run(context.Background(), Request{Persona: "student", BudgetMax: 1200})
	require.NoError(t, err)

	assert.Empty(t, resp.Recommendations)
	assert.Empty(t, resp.DroppedAreas)
	assert.Contains(t, resp.EmptyReason, "primary data unavailable")
	assert.NotContains(t, resp.EmptyReason, "affordability and budget screen")
	assert.Contains(t, resp.Disclaimers, DisclaimerPrimaryUnavailable)
}

func TestRescore_MatchesRunWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", false, scorer.DefaultScorerConfig())
	run, err := h.p.Run(context.Background(), studentRequest())
	require.NoError(t, err)
	fetches := h.calls.Load()

	same, err := h.p.Rescore(studentRequest(), run.Records)
	require.NoError(t, err)
	assert.Equal(t, run.Recommendations, same.Recommendations)

	dev := studentRequest()
	dev.Persona = "developer"
	dev.ImportanceWeights = map[string]float64{"investment": 10}
	other, err := h.p.Rescore(dev, run.Records)
	require.NoError(t, err)
	assert.Equal(t, model.PersonaDeveloper, other.Persona)
	assert.NotEmpty(t, other.Recommendations)
	assert.Len(t, other.Records, len(run.Records))
	assert.Contains(t, other.SourcesUsed, model.SourceProperty)

	assert.Equal(t, fetches, h.calls.Load())

	_, err = h.p.Rescore(Request{Persona: "student"}, run.Records)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRequest_CacheKey(t *testing.T) {
	t.Parallel()

	a := Request{Persona: "Parent", BudgetMax: 2000, ImportanceWeights: map[string]float64{"schools": 9, "safety": 7}}
	b := Request{Persona: "parent", BudgetMax: 2000, LocationType: "RENT", ImportanceWeights: map[string]float64{"Safety": 7, "schools": 9}}
	ka, err := a.CacheKey()
	require.NoError(t, err)
	kb, err := b.CacheKey()
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Regexp(t, `^recommendation:[0-9a-f]{64}$`, ka)

	b.BudgetMax = 2100
	kc, err := b.CacheKey()
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestRequest_Preference(t *testing.T) {
	t.Parallel()

	r := Request{
		Persona:           "Developer",
		BudgetMax:         500000,
		LocationType:      "buy",
		ImportanceWeights: map[string]float64{"Investment": 10},
		HardConstraints: HardConstraints{
			MaxCommuteMinutes: model.Float64(45),
			MinFactorScores:   map[string]float64{"schools": 40},
		},
	}
	require.NoError(t, r.Validate())
	p := r.Preference()
	assert.Equal(t, model.PersonaDeveloper, p.Persona)
	assert.Equal(t, model.LocationBuy, p.LocationType)
	assert.InDelta(t, 10, p.ImportanceWeights[model.FactorInvestment], 1e-9)
	assert.InDelta(t, 40, p.HardConstraints.MinFactorScores[model.FactorSchools], 1e-9)

	// The preference owns its constraint values.
	*r.HardConstraints.MaxCommuteMinutes = 90
	assert.InDelta(t, 45, *p.HardConstraints.MaxCommuteMinutes, 1e-9)

	// Location defaults to rent.
	assert.Equal(t, model.LocationRent, Request{Persona: "student", BudgetMax: 1}.Preference().LocationType)
}
