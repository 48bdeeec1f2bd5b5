// Package enrich fans candidate areas out to every registered source and
// assembles one EnrichmentRecord per surviving area.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/area-advisor/internal/cache"
	"github.com/sells-group/area-advisor/internal/metrics"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/internal/source"
)

// Config bounds the orchestrator's in-flight work.
type Config struct {
	// Concurrency caps in-flight fetches across all areas. Default: 8.
	Concurrency int
	// PerSourceConcurrency caps in-flight fetches per source. Default: 4.
	PerSourceConcurrency int
	// AreaTimeout bounds the wait for one area's sources. Default: 20s.
	AreaTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PerSourceConcurrency <= 0 {
		c.PerSourceConcurrency = 4
	}
	if c.AreaTimeout <= 0 {
		c.AreaTimeout = 20 * time.Second
	}
	return c
}

// Query carries the request-level inputs every source sees.
type Query struct {
	Destination  string
	LocationType model.LocationType
}

// DroppedArea records why an area was excluded before scoring.
type DroppedArea struct {
	AreaCode string             `json:"area_code"`
	Source   string             `json:"source"`
	Class    model.FailureClass `json:"class"`
	Reason   string             `json:"reason"`
}

// Result is the outcome of one Enrich call.
type Result struct {
	Records     []*model.EnrichmentRecord `json:"records"`
	Dropped     []DroppedArea             `json:"dropped,omitempty"`
	SourcesUsed []string                  `json:"sources_used"`
	CacheHits   int                       `json:"cache_hits"`
	CacheMisses int                       `json:"cache_misses"`
}

// Orchestrator enriches areas against a source registry. It is safe for
// concurrent use; the semaphores are shared across calls.
type Orchestrator struct {
	registry  *source.Registry
	cache     *cache.Cache
	cfg       Config
	global    *semaphore.Weighted
	perSource map[string]*semaphore.Weighted
	mu        sync.Mutex
}

// New creates an orchestrator. c may be nil to bypass caching.
func New(reg *source.Registry, c *cache.Cache, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		registry:  reg,
		cache:     c,
		cfg:       cfg,
		global:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		perSource: make(map[string]*semaphore.Weighted),
	}
}

// Registry returns the source registry.
func (o *Orchestrator) Registry() *source.Registry { return o.registry }

// Cache returns the cache, or nil.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

func (o *Orchestrator) sourceSem(id string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.perSource[id]
	if !ok {
		s = semaphore.NewWeighted(int64(o.cfg.PerSourceConcurrency))
		o.perSource[id] = s
	}
	return s
}

type outcome struct {
	id      string
	metrics *model.RawMetrics
	err     error
	hit     bool
}

type areaResult struct {
	record  *model.EnrichmentRecord
	dropped *DroppedArea
	hits    int
	misses  int
}

// Enrich fetches every registered source for every area. Source failures
// never surface as an error; they either drop the area (critical) or leave
// a nil entry with its failure class. Records come back in input order.
func (o *Orchestrator) Enrich(ctx context.Context, areas []model.CandidateArea, q Query) (*Result, error) {
	bindings := o.registry.Bindings()
	if len(bindings) == 0 {
		return nil, &model.ConfigError{Reason: "no enrichment sources registered"}
	}
	// A caller that went away gets an error. An expired deadline does not:
	// every pending fetch settles as Transient below.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, eris.Wrap(ctx.Err(), "enrich: start")
	}

	results := make([]areaResult, len(areas))
	var g errgroup.Group
	for i, area := range areas {
		g.Go(func() error {
			results[i] = o.enrichArea(ctx, area, q, bindings)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{SourcesUsed: make([]string, 0, len(bindings))}
	for _, b := range bindings {
		res.SourcesUsed = append(res.SourcesUsed, b.ID())
	}
	for _, r := range results {
		res.CacheHits += r.hits
		res.CacheMisses += r.misses
		if r.dropped != nil {
			res.Dropped = append(res.Dropped, *r.dropped)
			metrics.AreasDropped.WithLabelValues(r.dropped.Source).Inc()
			continue
		}
		res.Records = append(res.Records, r.record)
	}
	return res, nil
}

func (o *Orchestrator) enrichArea(ctx context.Context, area model.CandidateArea, q Query, bindings []source.Binding) areaResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AreaTimeout)
	defer cancel()

	aq := model.AreaQuery{AreaCode: area.Code, Destination: q.Destination, LocationType: q.LocationType}
	// Buffered so a fetch that outlives the deadline never blocks.
	ch := make(chan outcome, len(bindings))
	for _, b := range bindings {
		go func() { ch <- o.fetch(ctx, b, aq) }()
	}

	got := make(map[string]outcome, len(bindings))
wait:
	for len(got) < len(bindings) {
		select {
		case out := <-ch:
			got[out.id] = out
		case <-ctx.Done():
			break wait
		}
	}

	var res areaResult
	rec := model.NewEnrichmentRecord(area)
	log := zap.L().With(zap.String("area", area.Code))
	for _, b := range bindings {
		out, ok := got[b.ID()]
		if !ok {
			out = outcome{id: b.ID(), err: resilience.Transient(eris.Wrapf(ctx.Err(), "enrich: %s still pending", b.ID()))}
		}
		if out.hit {
			res.hits++
		} else {
			res.misses++
		}
		if out.err == nil {
			rec.BySource[b.ID()] = out.metrics
			continue
		}

		class := resilience.Classify(out.err)
		fields := []zap.Field{zap.String("source", b.ID()), zap.String("class", string(class)), zap.Error(out.err)}
		switch b.Criticality {
		case source.Critical:
			log.Warn("enrich: critical source failed, dropping area", fields...)
			if res.dropped == nil {
				res.dropped = &DroppedArea{AreaCode: area.Code, Source: b.ID(), Class: class, Reason: out.err.Error()}
			}
		case source.Important:
			log.Warn("enrich: source failed", fields...)
		default:
			log.Debug("enrich: optional source failed", fields...)
		}
		rec.BySource[b.ID()] = nil
		rec.Failures[b.ID()] = class
	}
	if res.dropped != nil {
		return res
	}
	if rec.AreaName == "" {
		if name, ok := rec.Source(model.SourceProperty).String(model.FieldAreaName); ok {
			rec.AreaName = name
		}
	}
	res.record = rec
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, b source.Binding, q model.AreaQuery) outcome {
	out := outcome{id: b.ID()}
	call := func(ctx context.Context) (*model.RawMetrics, error) {
		if err := o.global.Acquire(ctx, 1); err != nil {
			return nil, resilience.Transient(err)
		}
		defer o.global.Release(1)
		sem := o.sourceSem(b.ID())
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, resilience.Transient(err)
		}
		defer sem.Release(1)

		start := time.Now()
		m, err := b.Client.Fetch(ctx, q)
		metrics.RecordSourceFetch(b.ID(), string(resilience.Classify(err)), time.Since(start))
		if err == nil && m == nil {
			err = resilience.NotFound(eris.Errorf("%s: empty result for %s", b.ID(), q.AreaCode))
		}
		return m, err
	}

	if o.cache == nil {
		out.metrics, out.err = call(ctx)
		return out
	}
	out.metrics, out.hit, out.err = cache.GetOrSet(ctx, o.cache, b.CacheKey(q), b.Kind, call)
	return out
}
