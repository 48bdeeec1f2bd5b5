// Package pipeline runs a recommendation request end to end: validation,
// candidate generation, enrichment, normalisation and scoring.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/cache"
	"github.com/sells-group/area-advisor/internal/enrich"
	"github.com/sells-group/area-advisor/internal/metrics"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/scorer"
)

// Config tunes a Pipeline.
type Config struct {
	// Deadline bounds one run, including every fetch. Default: 60s.
	Deadline time.Duration
	// DefaultMaxAreas applies when a request leaves MaxAreas unset.
	// Default: 5.
	DefaultMaxAreas int
	// CacheResults stores finished responses under the request hash.
	CacheResults bool
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 60 * time.Second
	}
	if c.DefaultMaxAreas <= 0 {
		c.DefaultMaxAreas = 5
	}
	return c
}

// Pipeline wires the generator, orchestrator and engine together.
type Pipeline struct {
	orch   *enrich.Orchestrator
	gen    *enrich.Generator
	engine *scorer.Engine
	cfg    Config
}

// New creates a Pipeline.
func New(orch *enrich.Orchestrator, gen *enrich.Generator, engine *scorer.Engine, cfg Config) *Pipeline {
	return &Pipeline{orch: orch, gen: gen, engine: engine, cfg: cfg.withDefaults()}
}

// Engine returns the scoring engine.
func (p *Pipeline) Engine() *scorer.Engine { return p.engine }

// Orchestrator returns the enrichment orchestrator.
func (p *Pipeline) Orchestrator() *enrich.Orchestrator { return p.orch }

// Run executes one request. Validation and configuration problems are
// returned before any fetch; source failures never are.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	pref, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	req = req.normalized()
	log := zap.L().With(zap.String("persona", req.Persona))

	var key string
	c := p.orch.Cache()
	if c != nil && p.cfg.CacheResults {
		if key, err = req.CacheKey(); err != nil {
			return nil, err
		}
		if resp, ok := lookupResponse(ctx, c, key); ok {
			resp.RunID = uuid.NewString()
			resp.Cached = true
			resp.ExecutionTimeMs = time.Since(start).Milliseconds()
			metrics.RecordPipelineRun(req.Persona, true, time.Since(start))
			log.Info("pipeline: served from result cache", zap.String("run_id", resp.RunID))
			return resp, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	maxAreas := req.MaxAreas
	if maxAreas <= 0 {
		maxAreas = p.cfg.DefaultMaxAreas
	}
	resp := &Response{
		RunID:           uuid.NewString(),
		Persona:         pref.Persona,
		Recommendations: []model.CompositeScore{},
	}
	log = log.With(zap.String("run_id", resp.RunID))
	log.Info("pipeline: starting run")

	cands, err := p.gen.Generate(ctx, enrich.CandidateRequest{
		Areas:        req.Areas,
		BudgetMin:    pref.BudgetMin,
		BudgetMax:    pref.BudgetMax,
		LocationType: pref.LocationType,
		MaxAreas:     maxAreas,
	})
	if err != nil {
		return nil, err
	}

	primaryDown := false
	if len(cands.Areas) == 0 {
		resp.SourcesUsed = p.orch.Registry().IDs()
		switch {
		case cands.PrimaryDown():
			primaryDown = true
			resp.EmptyReason = fmt.Sprintf("primary data unavailable: all %d screening lookups failed", cands.Screened)
		case cands.Unavailable > 0:
			resp.EmptyReason = fmt.Sprintf("no candidate areas passed the affordability and budget screen (primary data unavailable for %d of %d areas)",
				cands.Unavailable, cands.Screened)
		default:
			resp.EmptyReason = "no candidate areas passed the affordability and budget screen"
		}
	} else {
		er, err := p.orch.Enrich(ctx, cands.Areas, enrich.Query{
			Destination:  pref.Destination,
			LocationType: pref.LocationType,
		})
		if err != nil {
			var ce *model.ConfigError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, eris.Wrap(err, "pipeline: enrich")
		}
		resp.Records = er.Records
		resp.DroppedAreas = er.Dropped
		resp.SourcesUsed = er.SourcesUsed
		primaryDown = len(er.Records) == 0 && len(er.Dropped) > 0

		res, err := p.engine.Score(er.Records, pref, maxAreas)
		if err != nil {
			return nil, err
		}
		resp.fromScore(res)
		metrics.RelaxationRounds.Observe(float64(res.RelaxRounds))
		log.Debug("pipeline: enrichment done",
			zap.Int("candidates", len(cands.Areas)),
			zap.Int("dropped", len(er.Dropped)),
			zap.Int("cache_hits", er.CacheHits),
			zap.Int("cache_misses", er.CacheMisses))
	}
	resp.Disclaimers = disclaimers(resp, primaryDown)

	// A run with nothing enriched reflects an outage, not an answer.
	if key != "" && len(resp.Records) > 0 {
		storeResponse(ctx, c, key, resp)
	}

	elapsed := time.Since(start)
	resp.ExecutionTimeMs = elapsed.Milliseconds()
	metrics.RecordPipelineRun(req.Persona, false, elapsed)
	log.Info("pipeline: run complete",
		zap.Int("recommendations", len(resp.Recommendations)),
		zap.Int("filtered_out", resp.FilteredOutCount),
		zap.Int64("duration_ms", resp.ExecutionTimeMs))
	return resp, nil
}

// Rescore scores previously enriched records against req without any
// fetch.
func (p *Pipeline) Rescore(req Request, records []*model.EnrichmentRecord) (*Response, error) {
	start := time.Now()
	pref, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	maxAreas := req.MaxAreas
	if maxAreas <= 0 {
		maxAreas = p.cfg.DefaultMaxAreas
	}

	res, err := p.engine.Score(records, pref, maxAreas)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		RunID:       uuid.NewString(),
		Persona:     pref.Persona,
		Records:     records,
		SourcesUsed: sourcesIn(records),
	}
	resp.fromScore(res)
	resp.Disclaimers = disclaimers(resp, false)
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()
	return resp, nil
}

// prepare validates req and resolves its weights so that configuration
// errors surface before any fetch.
func (p *Pipeline) prepare(req Request) (model.UserPreference, error) {
	if err := req.Validate(); err != nil {
		return model.UserPreference{}, err
	}
	pref := req.Preference()
	if _, err := scorer.ResolveWeights(p.engine.Config(), pref.Persona, pref.ImportanceWeights); err != nil {
		return model.UserPreference{}, err
	}
	return pref, nil
}

func sourcesIn(records []*model.EnrichmentRecord) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		if r == nil {
			continue
		}
		for id := range r.BySource {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func lookupResponse(ctx context.Context, c *cache.Cache, key string) (*Response, bool) {
	e, ok := c.Get(ctx, key)
	if !ok {
		metrics.RecordCacheLookup(cache.KindRecommendation, false)
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(e.Payload, &resp); err != nil {
		zap.L().Warn("pipeline: cached response undecodable, recomputing", zap.String("key", key), zap.Error(err))
		metrics.RecordCacheLookup(cache.KindRecommendation, false)
		return nil, false
	}
	metrics.RecordCacheLookup(cache.KindRecommendation, true)
	return &resp, true
}

func storeResponse(ctx context.Context, c *cache.Cache, key string, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		zap.L().Warn("pipeline: response not cacheable", zap.Error(err))
		return
	}
	c.Set(ctx, key, cache.KindRecommendation, payload, 0)
}
