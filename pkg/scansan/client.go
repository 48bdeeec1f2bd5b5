// Package scansan is a client for the ScanSan property intelligence API.
package scansan

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sells-group/area-advisor/pkg/httpx"
)

const (
	defaultBaseURL = "https://api.scansan.com/v1"
	service        = "scansan"
)

// Client fetches area-level property intelligence.
type Client interface {
	Area(ctx context.Context, code string) (*AreaSummary, error)
	Trends(ctx context.Context, code string) (*PriceTrends, error)
}

// AreaSummary is the response from GET /area/{code}.
type AreaSummary struct {
	AreaCode           string       `json:"area_code"`
	AreaName           string       `json:"area_name"`
	AffordabilityScore *float64     `json:"affordability_score"`
	RiskScore          *float64     `json:"risk_score"`
	InvestmentQuality  *float64     `json:"investment_quality"`
	DemandIndex        *float64     `json:"demand_index"`
	YieldEstimate      *float64     `json:"yield_estimate"`
	AvgPriceRentPM     *float64     `json:"avg_price_rent_pm"`
	AvgPricePurchase   *float64     `json:"avg_price_purchase"`
	PriceTrends        *PriceTrends `json:"price_trends,omitempty"`
}

// PriceTrends holds historical price growth in percent.
type PriceTrends struct {
	OneYear   *float64 `json:"1yr"`
	ThreeYear *float64 `json:"3yr"`
	FiveYear  *float64 `json:"5yr"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a ScanSan API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    httpx.NewClient(30 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func (c *httpClient) Area(ctx context.Context, code string) (*AreaSummary, error) {
	var out AreaSummary
	if err := httpx.Get(ctx, c.http, c.baseURL+"/area/"+url.PathEscape(code), service, c.header(), &out); err != nil {
		return nil, err
	}
	if out.AreaCode == "" {
		out.AreaCode = code
	}
	return &out, nil
}

func (c *httpClient) Trends(ctx context.Context, code string) (*PriceTrends, error) {
	var out PriceTrends
	if err := httpx.Get(ctx, c.http, c.baseURL+"/area/"+url.PathEscape(code)+"/trends", service, c.header(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
