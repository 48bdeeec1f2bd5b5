// Package police is a client for the data.police.uk street-level crime API.
package police

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sells-group/area-advisor/pkg/httpx"
)

const (
	defaultBaseURL = "https://data.police.uk/api"
	service        = "police"
)

// Client fetches street-level crimes around a point.
type Client interface {
	StreetCrimes(ctx context.Context, lat, lng float64) ([]Crime, error)
}

// Crime is one reported street-level crime.
type Crime struct {
	Category string `json:"category"`
	Month    string `json:"month"`
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
	baseURL string
	http    *http.Client
}

// NewClient creates a police data client. The API needs no key.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http:    httpx.NewClient(15 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) StreetCrimes(ctx context.Context, lat, lng float64) ([]Crime, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.4f", lat))
	q.Set("lng", fmt.Sprintf("%.4f", lng))

	var out []Crime
	if err := httpx.Get(ctx, c.http, c.baseURL+"/crimes-street/all-crime?"+q.Encode(), service, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Breakdown groups crimes into the broad categories used for reporting.
func Breakdown(crimes []Crime) map[string]int {
	out := map[string]int{
		"violent-crime":        0,
		"burglary":             0,
		"theft":                0,
		"vehicle-crime":        0,
		"antisocial-behaviour": 0,
		"other":                0,
	}
	for _, c := range crimes {
		switch c.Category {
		case "violent-crime", "burglary", "vehicle-crime", "antisocial-behaviour":
			out[c.Category]++
		case "robbery", "violence-and-sexual-offences":
			out["violent-crime"]++
		case "theft", "shoplifting", "theft-from-the-person", "bicycle-theft", "other-theft":
			out["theft"]++
		default:
			out["other"]++
		}
	}
	return out
}
