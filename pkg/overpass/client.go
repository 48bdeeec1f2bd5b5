// Package overpass is a client for the OpenStreetMap Overpass API.
package overpass

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/pkg/httpx"
)

const (
	defaultBaseURL = "https://overpass-api.de/api/interpreter"
	service        = "overpass"
)

// Client runs Overpass QL queries around a point.
type Client interface {
	CountAmenities(ctx context.Context, lat, lng float64, radiusM int) (int, error)
	Schools(ctx context.Context, lat, lng float64, radiusM int) ([]Element, error)
}

// Element is one OSM node or way.
type Element struct {
	Type string            `json:"type"`
	ID   int64             `json:"id"`
	Tags map[string]string `json:"tags"`
}

type response struct {
	Elements []Element `json:"elements"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the interpreter URL.
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

// NewClient creates an Overpass client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http:    httpx.NewClient(25 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AmenityQuery counts food and drink, grocery and leisure amenities.
func AmenityQuery(lat, lng float64, radiusM int) string {
	around := fmt.Sprintf("(around:%d,%.5f,%.5f)", radiusM, lat, lng)
	return "[out:json][timeout:20];(" +
		`node["amenity"~"cafe|restaurant|pub|bar"]` + around + ";" +
		`node["shop"~"supermarket|convenience"]` + around + ";" +
		`node["amenity"~"supermarket|convenience"]` + around + ";" +
		`node["leisure"~"fitness_centre|sports_centre|park"]` + around + ";" +
		`way["leisure"="park"]` + around + ";" +
		");out count;"
}

// SchoolQuery lists school nodes and ways with their tags.
func SchoolQuery(lat, lng float64, radiusM int) string {
	around := fmt.Sprintf("(around:%d,%.5f,%.5f)", radiusM, lat, lng)
	return "[out:json][timeout:20];(" +
		`node["amenity"="school"]` + around + ";" +
		`way["amenity"="school"]` + around + ";" +
		");out tags;"
}

func (c *httpClient) run(ctx context.Context, query string) (*response, error) {
	form := url.Values{}
	form.Set("data", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out response
	if err := httpx.DoJSON(c.http, req, service, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) CountAmenities(ctx context.Context, lat, lng float64, radiusM int) (int, error) {
	resp, err := c.run(ctx, AmenityQuery(lat, lng, radiusM))
	if err != nil {
		return 0, err
	}
	for _, el := range resp.Elements {
		if el.Type != "count" {
			continue
		}
		n, err := strconv.Atoi(el.Tags["total"])
		if err != nil {
			return 0, eris.Wrapf(err, "overpass: parse count %q", el.Tags["total"])
		}
		return n, nil
	}
	// Older servers ignore "out count" and return the elements.
	return len(resp.Elements), nil
}

func (c *httpClient) Schools(ctx context.Context, lat, lng float64, radiusM int) ([]Element, error) {
	resp, err := c.run(ctx, SchoolQuery(lat, lng, radiusM))
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}
