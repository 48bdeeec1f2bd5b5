// Package tfl is a client for the Transport for London Journey Planner.
package tfl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/pkg/httpx"
)

const (
	defaultBaseURL = "https://api.tfl.gov.uk"
	service        = "tfl"
)

// Client plans journeys.
type Client interface {
	Journey(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (*Journey, error)
}

// Journey summarises the fastest returned journey.
type Journey struct {
	DurationMinutes int
	Changes         int
	WalkingMinutes  int
	Modes           []string
}

type journeyResponse struct {
	Journeys []struct {
		Duration int `json:"duration"`
		Legs     []struct {
			Duration int `json:"duration"`
			Mode     struct {
				Name string `json:"name"`
			} `json:"mode"`
		} `json:"legs"`
	} `json:"journeys"`
}

// ErrNoJourney is returned when the planner finds no route.
var ErrNoJourney = eris.New("tfl: no journey found")

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
	appKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Journey Planner client. appKey may be empty for the
// anonymous tier.
func NewClient(appKey string, opts ...Option) Client {
	c := &httpClient{
		appKey:  appKey,
		baseURL: defaultBaseURL,
		http:    httpx.NewClient(15 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Journey(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (*Journey, error) {
	u := fmt.Sprintf("%s/Journey/JourneyResults/%s/to/%s",
		c.baseURL,
		url.PathEscape(fmt.Sprintf("%.4f,%.4f", fromLat, fromLng)),
		url.PathEscape(fmt.Sprintf("%.4f,%.4f", toLat, toLng)),
	)
	if c.appKey != "" {
		u += "?app_key=" + url.QueryEscape(c.appKey)
	}

	var resp journeyResponse
	if err := httpx.Get(ctx, c.http, u, service, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Journeys) == 0 {
		return nil, ErrNoJourney
	}

	j := resp.Journeys[0]
	out := &Journey{DurationMinutes: j.Duration}
	if len(j.Legs) > 1 {
		out.Changes = len(j.Legs) - 1
	}
	for _, leg := range j.Legs {
		out.Modes = append(out.Modes, leg.Mode.Name)
		if leg.Mode.Name == "walking" {
			out.WalkingMinutes += leg.Duration
		}
	}
	return out, nil
}
