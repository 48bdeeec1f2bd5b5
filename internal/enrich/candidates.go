package enrich

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/normalize"
	"github.com/sells-group/area-advisor/internal/resilience"
)

// outwardCode matches a UK outward postcode such as E1, SW11 or EC1A.
var outwardCode = regexp.MustCompile(`^[A-Z]{1,2}[0-9][0-9A-Z]?$`)

// CandidateConfig tunes the gazetteer scan.
type CandidateConfig struct {
	// MaxCandidates caps the scan result before MaxAreas. Default: 20.
	MaxCandidates int
	// AffordabilityThreshold is the minimum primary affordability score.
	// Default: 60.
	AffordabilityThreshold float64
	// ScanConcurrency bounds parallel primary lookups. Default: 8.
	ScanConcurrency int
}

func (c CandidateConfig) withDefaults() CandidateConfig {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 20
	}
	if c.AffordabilityThreshold <= 0 {
		c.AffordabilityThreshold = 60
	}
	if c.ScanConcurrency <= 0 {
		c.ScanConcurrency = 8
	}
	return c
}

// CandidateRequest describes which areas to consider.
type CandidateRequest struct {
	// Areas, when set, is used verbatim after normalisation.
	Areas        []string
	BudgetMin    float64
	BudgetMax    float64
	LocationType model.LocationType
	MaxAreas     int
}

// Candidates is the outcome of candidate generation. Screened and
// Unavailable are only set by a gazetteer scan: Unavailable counts areas
// whose primary lookup failed for a reason other than missing data.
type Candidates struct {
	Areas       []model.CandidateArea
	Screened    int
	Unavailable int
}

// PrimaryDown reports whether every screening lookup failed.
func (c *Candidates) PrimaryDown() bool {
	return c.Screened > 0 && c.Unavailable == c.Screened
}

// Generator produces the candidate list for a run.
type Generator struct {
	gaz  *geo.Gazetteer
	orch *Orchestrator
	cfg  CandidateConfig
}

// NewGenerator creates a generator that scans gaz through the primary
// source of orch.
func NewGenerator(gaz *geo.Gazetteer, orch *Orchestrator, cfg CandidateConfig) *Generator {
	return &Generator{gaz: gaz, orch: orch, cfg: cfg.withDefaults()}
}

// Generate returns candidates for req. An explicit list is normalised,
// deduplicated and format-checked; otherwise the gazetteer is screened on
// primary affordability and price.
func (g *Generator) Generate(ctx context.Context, req CandidateRequest) (*Candidates, error) {
	out := &Candidates{}
	if len(req.Areas) > 0 {
		areas, err := g.explicit(req.Areas)
		if err != nil {
			return nil, err
		}
		out.Areas = areas
	} else {
		g.scan(ctx, req, out)
	}
	if req.MaxAreas > 0 && len(out.Areas) > req.MaxAreas {
		out.Areas = out.Areas[:req.MaxAreas]
	}
	return out, nil
}

func (g *Generator) explicit(codes []string) ([]model.CandidateArea, error) {
	seen := make(map[string]bool, len(codes))
	var out []model.CandidateArea
	for _, raw := range codes {
		code := model.NormalizeAreaCode(raw)
		if !outwardCode.MatchString(code) {
			zap.L().Warn("enrich: skipping malformed area code", zap.String("code", raw))
			continue
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		area := model.CandidateArea{Code: code}
		if p, ok := g.gaz.Area(code); ok {
			area.Name = p.Name
		}
		out = append(out, area)
	}
	if len(out) == 0 {
		return nil, &model.ValidationError{Field: "areas", Reason: "no valid area codes"}
	}
	return out, nil
}

type screened struct {
	area          model.CandidateArea
	affordability float64
}

func (g *Generator) scan(ctx context.Context, req CandidateRequest, res *Candidates) {
	primary, ok := g.orch.Registry().Primary()
	if !ok {
		zap.L().Warn("enrich: no primary source, cannot screen gazetteer")
		return
	}

	var (
		mu          sync.Mutex
		kept        []screened
		unavailable int
	)
	places := g.gaz.Areas()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ScanConcurrency)
	for _, p := range places {
		eg.Go(func() error {
			q := model.AreaQuery{AreaCode: p.Code, LocationType: req.LocationType}
			out := g.orch.fetch(egCtx, primary, q)
			if out.err != nil {
				class := resilience.Classify(out.err)
				zap.L().Debug("enrich: screen lookup failed",
					zap.String("area", p.Code), zap.String("class", string(class)), zap.Error(out.err))
				if class != model.FailureNotFound {
					mu.Lock()
					unavailable++
					mu.Unlock()
				}
				return nil
			}
			rec := model.NewEnrichmentRecord(model.CandidateArea{Code: p.Code, Name: p.Name})
			rec.BySource[primary.ID()] = out.metrics

			aff, ok := rec.Source(primary.ID()).Float(model.FieldAffordability)
			if !ok || aff < g.cfg.AffordabilityThreshold {
				return nil
			}
			if price, ok := normalize.Price(rec, req.LocationType); ok {
				if req.BudgetMax > 0 && price > req.BudgetMax {
					return nil
				}
				if price < req.BudgetMin {
					return nil
				}
			}
			mu.Lock()
			kept = append(kept, screened{area: model.CandidateArea{Code: p.Code, Name: p.Name}, affordability: aff})
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	res.Screened = len(places)
	res.Unavailable = unavailable
	if unavailable > 0 {
		zap.L().Warn("enrich: primary source unavailable during screen",
			zap.String("source", primary.ID()),
			zap.Int("unavailable", unavailable),
			zap.Int("screened", len(places)))
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].affordability != kept[j].affordability {
			return kept[i].affordability > kept[j].affordability
		}
		return kept[i].area.Code < kept[j].area.Code
	})
	if len(kept) > g.cfg.MaxCandidates {
		kept = kept[:g.cfg.MaxCandidates]
	}
	res.Areas = make([]model.CandidateArea, 0, len(kept))
	for _, s := range kept {
		res.Areas = append(res.Areas, s.area)
	}
}
