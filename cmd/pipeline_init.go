package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/cache"
	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/enrich"
	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/pipeline"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/internal/scorer"
	"github.com/sells-group/area-advisor/internal/source"
	"github.com/sells-group/area-advisor/internal/store"
	"github.com/sells-group/area-advisor/pkg/httpx"
	"github.com/sells-group/area-advisor/pkg/overpass"
	"github.com/sells-group/area-advisor/pkg/police"
	"github.com/sells-group/area-advisor/pkg/scansan"
	"github.com/sells-group/area-advisor/pkg/tfl"
)

// sourceKinds maps each source id to its cache freshness kind.
var sourceKinds = map[string]string{
	model.SourceProperty:  cache.KindProperty,
	model.SourceTrends:    cache.KindPropertyTrends,
	model.SourceCommute:   cache.KindCommute,
	model.SourceCrime:     cache.KindCrime,
	model.SourceSchools:   cache.KindSchools,
	model.SourceAmenities: cache.KindAmenities,
}

// pipelineEnv holds the store, cache, registry and pipeline needed by the
// recommend/serve/sources/rescore commands.
type pipelineEnv struct {
	Store     store.Store
	Cache     *cache.Cache
	Registry  *source.Registry
	Gazetteer *geo.Gazetteer
	Pipeline  *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates cfg for mode, opens the cache store, builds the
// source registry and assembles the Pipeline. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, c *config.Config, mode string) (*pipelineEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c.Cache)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ch := cache.New(st,
		cache.WithPolicy(cache.DefaultPolicy().WithOverrides(c.Cache.TTLHours)),
		cache.WithFlightTimeout(seconds(c.Pipeline.AreaTimeoutSecs)))

	gaz, err := geo.Load(c.Sources.GazetteerPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load gazetteer")
	}

	reg, err := buildRegistry(c, gaz)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := enrich.New(reg, ch, enrich.Config{
		Concurrency:          c.Pipeline.Concurrency,
		PerSourceConcurrency: c.Pipeline.PerSourceConcurrency,
		AreaTimeout:          seconds(c.Pipeline.AreaTimeoutSecs),
	})
	gen := enrich.NewGenerator(gaz, orch, enrich.CandidateConfig{
		MaxCandidates:          c.Pipeline.MaxCandidates,
		AffordabilityThreshold: c.Pipeline.AffordabilityThreshold,
		ScanConcurrency:        c.Pipeline.Concurrency,
	})
	p := pipeline.New(orch, gen, scorer.NewEngine(c.Scoring), pipeline.Config{
		Deadline:        seconds(c.Pipeline.DeadlineSecs),
		DefaultMaxAreas: c.Pipeline.DefaultMaxAreas,
		CacheResults:    c.Pipeline.ResultCache,
	})

	zap.L().Info("pipeline ready",
		zap.String("mode", c.Sources.Mode),
		zap.String("cache", c.Cache.Backend),
		zap.Strings("sources", reg.IDs()),
		zap.Int("areas", len(gaz.Areas())),
	)

	return &pipelineEnv{
		Store:     st,
		Cache:     ch,
		Registry:  reg,
		Gazetteer: gaz,
		Pipeline:  p,
	}, nil
}

// initStore opens the configured cache backend. An unreachable Valkey
// degrades to the in-memory store.
func initStore(ctx context.Context, cc config.CacheConfig) (store.Store, error) {
	switch cc.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "valkey":
		st, err := store.DialValkey(ctx, cc.ValkeyAddr, cc.ValkeyPrefix)
		if err != nil {
			zap.L().Warn("valkey unavailable, falling back to in-memory cache",
				zap.String("addr", cc.ValkeyAddr), zap.Error(err))
			return store.NewMemory(), nil
		}
		return st, nil
	default:
		st, err := store.NewSQLite(cc.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite cache")
		}
		return st, nil
	}
}

// buildRegistry registers every enabled source in SourceIDs order. In
// fixture mode the offline dataset stands in for the providers; in live
// mode each provider client is wrapped in a Guard.
func buildRegistry(c *config.Config, gaz *geo.Gazetteer) (*source.Registry, error) {
	var dataset *source.Dataset
	if c.Sources.Mode == "fixture" {
		d, err := source.LoadDataset(c.Sources.FixturePath)
		if err != nil {
			return nil, err
		}
		dataset = d
	}

	by := c.Sources.ByID()
	reg := source.NewRegistry()
	for _, id := range config.SourceIDs {
		sc := by[id]
		if sc.Disabled {
			zap.L().Debug("source disabled", zap.String("source", id))
			continue
		}
		crit, err := source.ParseCriticality(sc.Criticality)
		if err != nil {
			return nil, err
		}

		var client source.Client
		if dataset != nil {
			client = source.NewFixtureClient(id, dataset, gaz)
		} else {
			client = source.NewGuard(liveClient(id, sc, gaz),
				source.WithRateLimit(sc.RatePerSec, sc.Burst),
				source.WithBreaker(newBreaker(id, c.Circuit)),
				source.WithRetry(c.Retry.Policy()),
				source.WithAttemptTimeout(sc.Timeout()),
			)
		}
		reg.Register(source.Binding{Client: client, Criticality: crit, Kind: sourceKinds[id]})
	}
	return reg, nil
}

// liveClient builds the provider adapter for id.
func liveClient(id string, sc config.SourceConfig, gaz *geo.Gazetteer) source.Client {
	hc := httpx.NewClient(sc.Timeout())
	switch id {
	case model.SourceProperty:
		return source.NewPropertySource(scansan.NewClient(sc.APIKey, scansan.WithBaseURL(sc.BaseURL), scansan.WithHTTPClient(hc)))
	case model.SourceTrends:
		return source.NewTrendsSource(scansan.NewClient(sc.APIKey, scansan.WithBaseURL(sc.BaseURL), scansan.WithHTTPClient(hc)))
	case model.SourceCommute:
		return source.NewCommuteSource(tfl.NewClient(sc.APIKey, tfl.WithBaseURL(sc.BaseURL), tfl.WithHTTPClient(hc)), gaz)
	case model.SourceCrime:
		return source.NewCrimeSource(police.NewClient(police.WithBaseURL(sc.BaseURL), police.WithHTTPClient(hc)), gaz)
	case model.SourceSchools:
		return source.NewSchoolsSource(overpass.NewClient(overpass.WithBaseURL(sc.BaseURL), overpass.WithHTTPClient(hc)), gaz, sc.RadiusM)
	default:
		return source.NewAmenitiesSource(overpass.NewClient(overpass.WithBaseURL(sc.BaseURL), overpass.WithHTTPClient(hc)), gaz, sc.RadiusM)
	}
}

func newBreaker(id string, cc config.CircuitConfig) *resilience.CircuitBreaker {
	bc := cc.Breaker()
	bc.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("source", id),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return resilience.NewCircuitBreaker(bc)
}
