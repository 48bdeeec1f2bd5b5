// Package model holds the data types shared by the enrichment and scoring
// pipeline.
package model

import (
	"strconv"
	"strings"
	"time"
)

// CandidateArea is a geographic area under consideration. Identity is Code.
type CandidateArea struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// LocationType selects which price a budget is compared against.
type LocationType string

// Location types.
const (
	LocationRent LocationType = "rent"
	LocationBuy  LocationType = "buy"
)

// AreaQuery is the input handed to every enrichment source for one area.
type AreaQuery struct {
	AreaCode     string       `json:"area_code"`
	Destination  string       `json:"destination,omitempty"`
	LocationType LocationType `json:"location_type,omitempty"`
}

// RawMetrics is the untyped payload one source returned for one area.
type RawMetrics struct {
	Source    string         `json:"source" yaml:"source"`
	AreaCode  string         `json:"area_code" yaml:"area_code"`
	Fields    map[string]any `json:"fields" yaml:"fields"`
	FetchedAt time.Time      `json:"fetched_at" yaml:"fetched_at"`
}

// NewRawMetrics returns an empty payload stamped with the fetch time.
func NewRawMetrics(source, areaCode string, now time.Time) *RawMetrics {
	return &RawMetrics{
		Source:    source,
		AreaCode:  areaCode,
		Fields:    make(map[string]any),
		FetchedAt: now,
	}
}

// Set stores a field value and returns the receiver for chaining.
func (m *RawMetrics) Set(key string, v any) *RawMetrics {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = v
	return m
}

// Float returns a numeric field. Strings holding numbers are accepted
// because fixture files and some providers emit them.
func (m *RawMetrics) Float(key string) (float64, bool) {
	if m == nil || m.Fields == nil {
		return 0, false
	}
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, true
}

// String returns a string field.
func (m *RawMetrics) String(key string) (string, bool) {
	if m == nil || m.Fields == nil {
		return "", false
	}
	s, ok := m.Fields[key].(string)
	return s, ok
}

// NormalizeAreaCode uppercases and trims an outward code.
func NormalizeAreaCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
