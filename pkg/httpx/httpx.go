// Package httpx holds the small JSON-over-HTTP helpers shared by the
// provider clients.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 512

// StatusError is a non-2xx response. Header is kept so callers can read
// Retry-After.
type StatusError struct {
	Service    string
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// NewClient returns an http.Client with pooled connections.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// DoJSON sends req and decodes a 2xx JSON body into out. out may be nil.
func DoJSON(hc *http.Client, req *http.Request, service string, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s: send request", service)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       string(body),
		}
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "%s: read response", service)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "%s: unmarshal response", service)
	}
	return nil
}

// Get builds and sends a GET request.
func Get(ctx context.Context, hc *http.Client, url, service string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrapf(err, "%s: create request", service)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return DoJSON(hc, req, service, out)
}
