package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/config"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/normalize"
)

// tieEpsilon is the composite difference treated as a tie.
const tieEpsilon = 1e-9

// Result is the outcome of one scoring pass.
type Result struct {
	Recommendations    []model.CompositeScore   `json:"recommendations"`
	FilteredOut        []FilteredArea           `json:"filtered_out,omitempty"`
	RelaxedConstraints map[string]float64       `json:"relaxed_constraints,omitempty"`
	RelaxRounds        int                      `json:"relax_rounds"`
	EffectiveWeights   map[model.Factor]float64 `json:"effective_weights"`
	EmptyReason        string                   `json:"empty_reason,omitempty"`
	LastConstraints    *Constraints             `json:"last_constraints,omitempty"`
	Warnings           []normalize.Warning      `json:"warnings,omitempty"`
}

// Engine scores enrichment records. It holds no per-run state, so one
// Engine can serve concurrent requests.
type Engine struct {
	cfg   config.ScoringConfig
	rules normalize.Rules
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules overrides the factor derivation table.
func WithRules(r normalize.Rules) EngineOption {
	return func(e *Engine) { e.rules = r }
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg config.ScoringConfig, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg, rules: normalize.DefaultRules()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the scoring configuration.
func (e *Engine) Config() config.ScoringConfig { return e.cfg }

// Score filters, scores and ranks records for pref, returning at most
// topN recommendations (all when topN <= 0). The same input always yields
// the same output.
func (e *Engine) Score(records []*model.EnrichmentRecord, pref model.UserPreference, topN int) (*Result, error) {
	weights, err := ResolveWeights(e.cfg, pref.Persona, pref.ImportanceWeights)
	if err != nil {
		return nil, err
	}
	base, _ := BaseWeights(e.cfg, pref.Persona)

	res := &Result{
		Recommendations:  []model.CompositeScore{},
		EffectiveWeights: weights,
	}

	candidates := make([]candidate, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		factors, warnings := normalize.Factors(rec, e.rules)
		res.Warnings = append(res.Warnings, warnings...)
		c := candidate{
			record:   rec,
			factors:  factors,
			observed: normalize.Observed(rec, e.rules),
		}
		if p, ok := normalize.Price(rec, pref.LocationType); ok {
			c.price = model.Float64(p)
		}
		if m, ok := normalize.CommuteMinutes(rec); ok {
			c.commute = model.Float64(m)
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		res.EmptyReason = "no enriched areas to score"
		return res, nil
	}

	orig := BuildConstraints(e.cfg, pref)
	cons := orig
	var (
		survivors []candidate
		violated  map[string]bool
	)
	for {
		survivors, res.FilteredOut, violated = filter(candidates, cons)
		if len(survivors) > 0 || res.RelaxRounds >= e.cfg.MaxRelaxRounds {
			break
		}
		next, changed := relax(cons, orig, violated, e.cfg)
		if !changed {
			break
		}
		cons = next
		res.RelaxRounds++
		zap.L().Debug("scorer: relaxing constraints",
			zap.Int("round", res.RelaxRounds),
			zap.Strings("violated", sortedNames(violated)))
	}
	if res.RelaxRounds > 0 {
		res.RelaxedConstraints = relaxed(orig, cons)
	}
	if len(survivors) == 0 {
		last := cons.clone()
		res.LastConstraints = &last
		res.EmptyReason = fmt.Sprintf("no areas satisfy the constraints after %d relaxation round(s); still violated: %s",
			res.RelaxRounds, strings.Join(sortedNames(violated), ", "))
		return res, nil
	}

	scores := make([]model.CompositeScore, 0, len(survivors))
	for _, c := range survivors {
		scores = append(scores, e.composite(c, weights))
	}

	tieBreak := DominantFactor(base)
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if math.Abs(a.Score-b.Score) > tieEpsilon {
			return a.Score > b.Score
		}
		if fa, fb := a.FactorScores[tieBreak], b.FactorScores[tieBreak]; math.Abs(fa-fb) > tieEpsilon {
			return fa > fb
		}
		return a.AreaCode < b.AreaCode
	})
	if topN > 0 && len(scores) > topN {
		scores = scores[:topN]
	}
	for i := range scores {
		scores[i].Rank = i + 1
		if i > 0 {
			scores[i].TradeOffs = e.tradeOffs(scores[0], scores[i], weights)
		}
	}
	res.Recommendations = scores
	return res, nil
}

func filter(all []candidate, cons Constraints) ([]candidate, []FilteredArea, map[string]bool) {
	var (
		kept     []candidate
		filtered []FilteredArea
		names    [][]string
	)
	for _, c := range all {
		n, reasons := cons.check(c)
		if len(n) == 0 {
			kept = append(kept, c)
			continue
		}
		names = append(names, n)
		filtered = append(filtered, FilteredArea{AreaCode: c.record.AreaCode, Reasons: reasons})
	}
	return kept, filtered, violatedSet(names)
}

func (e *Engine) composite(c candidate, weights map[model.Factor]float64) model.CompositeScore {
	cs := model.CompositeScore{
		AreaCode:            c.record.AreaCode,
		AreaName:            c.record.AreaName,
		FactorScores:        make(map[model.Factor]float64, len(model.Factors)),
		FactorContributions: make(map[model.Factor]float64, len(model.Factors)),
		Strengths:           []model.Factor{},
		Weaknesses:          []model.Factor{},
		ReducedConfidence:   c.record.ReducedConfidence(),
		MissingSources:      c.record.MissingSources(),
	}
	var total float64
	for _, f := range model.Factors {
		s := c.factors[f]
		contrib := weights[f] * s
		cs.FactorScores[f] = s
		cs.FactorContributions[f] = contrib
		total += contrib
	}
	cs.Score = normalize.Clamp(total)

	for _, f := range model.Factors {
		if weights[f] <= 0 {
			continue
		}
		switch s := cs.FactorScores[f]; {
		case s >= e.cfg.StrengthThreshold:
			cs.Strengths = append(cs.Strengths, f)
		case s < e.cfg.WeaknessThreshold:
			cs.Weaknesses = append(cs.Weaknesses, f)
		}
	}
	sort.SliceStable(cs.Strengths, func(i, j int) bool {
		return cs.FactorScores[cs.Strengths[i]] > cs.FactorScores[cs.Strengths[j]]
	})
	sort.SliceStable(cs.Weaknesses, func(i, j int) bool {
		return cs.FactorScores[cs.Weaknesses[i]] < cs.FactorScores[cs.Weaknesses[j]]
	})
	return cs
}

// tradeOffs compares an area with the top pick on every weighted factor.
func (e *Engine) tradeOffs(top, area model.CompositeScore, weights map[model.Factor]float64) *model.TradeOffs {
	t := &model.TradeOffs{}
	for _, f := range model.Factors {
		if weights[f] <= 0 {
			continue
		}
		d := area.FactorScores[f] - top.FactorScores[f]
		switch {
		case d > e.cfg.TradeOffMargin:
			t.Better = append(t.Better, f)
		case -d > e.cfg.TradeOffMargin:
			t.Worse = append(t.Worse, f)
		}
	}
	return t
}
