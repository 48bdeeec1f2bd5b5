package source

import (
	"context"
	"time"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/pkg/scansan"
)

// PropertySource is the primary property intelligence source.
type PropertySource struct {
	api scansan.Client
	now func() time.Time
}

// NewPropertySource adapts a ScanSan client.
func NewPropertySource(api scansan.Client) *PropertySource {
	return &PropertySource{api: api, now: time.Now}
}

func (s *PropertySource) ID() string { return model.SourceProperty }

func (s *PropertySource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	a, err := s.api.Area(ctx, q.AreaCode)
	if err != nil {
		return nil, classify(err)
	}
	if a.AffordabilityScore == nil && a.AvgPriceRentPM == nil && a.AvgPricePurchase == nil {
		return nil, resilience.NotFound(errEmptyPayload(s.ID(), q.AreaCode))
	}

	m := model.NewRawMetrics(s.ID(), q.AreaCode, s.now())
	if a.AreaName != "" {
		m.Set(model.FieldAreaName, a.AreaName)
	}
	setOpt(m, model.FieldAffordability, a.AffordabilityScore)
	setOpt(m, model.FieldRisk, a.RiskScore)
	setOpt(m, model.FieldInvestment, a.InvestmentQuality)
	setOpt(m, model.FieldDemand, a.DemandIndex)
	setOpt(m, model.FieldYield, a.YieldEstimate)
	setOpt(m, model.FieldPriceRent, a.AvgPriceRentPM)
	setOpt(m, model.FieldPricePurchase, a.AvgPricePurchase)
	if t := a.PriceTrends; t != nil {
		setOpt(m, model.FieldGrowth1yr, t.OneYear)
		setOpt(m, model.FieldGrowth3yr, t.ThreeYear)
		setOpt(m, model.FieldGrowth5yr, t.FiveYear)
	}
	return m, nil
}

// TrendsSource reports historical price growth.
type TrendsSource struct {
	api scansan.Client
	now func() time.Time
}

// NewTrendsSource adapts a ScanSan client.
func NewTrendsSource(api scansan.Client) *TrendsSource {
	return &TrendsSource{api: api, now: time.Now}
}

func (s *TrendsSource) ID() string { return model.SourceTrends }

func (s *TrendsSource) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	t, err := s.api.Trends(ctx, q.AreaCode)
	if err != nil {
		return nil, classify(err)
	}
	if t.OneYear == nil && t.ThreeYear == nil && t.FiveYear == nil {
		return nil, resilience.NotFound(errEmptyPayload(s.ID(), q.AreaCode))
	}
	m := model.NewRawMetrics(s.ID(), q.AreaCode, s.now())
	setOpt(m, model.FieldGrowth1yr, t.OneYear)
	setOpt(m, model.FieldGrowth3yr, t.ThreeYear)
	setOpt(m, model.FieldGrowth5yr, t.FiveYear)
	return m, nil
}

func setOpt(m *model.RawMetrics, key string, v *float64) {
	if v != nil {
		m.Set(key, *v)
	}
}
