package source

import (
	"context"
	_ "embed"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/area-advisor/internal/geo"
	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
)

//go:embed fixtures/london.yaml
var londonFixtures []byte

// Reserved fixture keys. They steer the fake and never reach RawMetrics.
const (
	fixtureErrorKey = "error"
	fixtureDelayKey = "delay_ms"
)

// Dataset is an offline table of per-area, per-source fields.
type Dataset struct {
	Areas map[string]map[string]map[string]any `yaml:"areas"`
}

// DefaultDataset returns the embedded London dataset.
func DefaultDataset() *Dataset {
	d, err := ParseDataset(londonFixtures)
	if err != nil {
		panic(err)
	}
	return d
}

// LoadDataset reads a dataset file. An empty path returns DefaultDataset.
func LoadDataset(path string) (*Dataset, error) {
	if path == "" {
		return DefaultDataset(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read fixtures %s", path)
	}
	return ParseDataset(data)
}

// ParseDataset decodes YAML fixtures. Area codes are normalised.
func ParseDataset(data []byte) (*Dataset, error) {
	var raw Dataset
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "source: parse fixtures")
	}
	d := &Dataset{Areas: make(map[string]map[string]map[string]any, len(raw.Areas))}
	for code, bySource := range raw.Areas {
		d.Areas[model.NormalizeAreaCode(code)] = bySource
	}
	return d, nil
}

// entry returns the fields for (area, source), or nil.
func (d *Dataset) entry(area, source string) map[string]any {
	if d == nil {
		return nil
	}
	return d.Areas[model.NormalizeAreaCode(area)][source]
}

// FixtureClient serves one source id from a Dataset. An entry may carry
// `error: <class>` to simulate a failure and `delay_ms` to simulate a
// slow provider. Commute entries that are absent are synthesised from
// the straight-line distance when a gazetteer is set.
type FixtureClient struct {
	id   string
	data *Dataset
	geo  *geo.Gazetteer
	now  func() time.Time
}

// NewFixtureClient returns a fake for source id.
func NewFixtureClient(id string, d *Dataset, g *geo.Gazetteer) *FixtureClient {
	return &FixtureClient{id: id, data: d, geo: g, now: time.Now}
}

func (c *FixtureClient) ID() string { return c.id }

// Scope mirrors the live commute source so cache keys line up.
func (c *FixtureClient) Scope(q model.AreaQuery) string {
	if c.id == model.SourceCommute {
		return q.Destination
	}
	return ""
}

func (c *FixtureClient) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	fields := c.data.entry(q.AreaCode, c.id)
	if d, ok := delay(fields); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, resilience.Transient(ctx.Err())
		case <-t.C:
		}
	}
	if class, ok := fields[fixtureErrorKey].(string); ok {
		return nil, simulated(c.id, q.AreaCode, model.FailureClass(class))
	}
	if len(fields) == 0 && c.id == model.SourceCommute {
		return c.synthCommute(q)
	}
	if len(fields) == 0 {
		return nil, resilience.NotFound(errEmptyPayload(c.id, q.AreaCode))
	}

	m := model.NewRawMetrics(c.id, q.AreaCode, c.now())
	for k, v := range fields {
		if k == fixtureErrorKey || k == fixtureDelayKey {
			continue
		}
		m.Set(k, v)
	}
	return m, nil
}

// synthCommute estimates a public transport journey: 8 minutes of access
// time plus 18 km/h door to door, one change per 6 km.
func (c *FixtureClient) synthCommute(q model.AreaQuery) (*model.RawMetrics, error) {
	if c.geo == nil || q.Destination == "" {
		return nil, resilience.NotFound(eris.New("commute: no destination"))
	}
	from, err := locate(c.geo, c.id, q.AreaCode)
	if err != nil {
		return nil, err
	}
	to, ok := c.geo.Destination(q.Destination)
	if !ok {
		return nil, resilience.NotFound(eris.Errorf("commute: unknown destination %q", q.Destination))
	}
	km := geo.HaversineKM(from.Point, to.Point)
	return model.NewRawMetrics(c.id, q.AreaCode, c.now()).
		Set(model.FieldDurationMinutes, math.Round(8+km/18*60)).
		Set(model.FieldChanges, math.Floor(km/6)).
		Set(model.FieldWalkingMinutes, 8.0), nil
}

func delay(fields map[string]any) (time.Duration, bool) {
	m := model.RawMetrics{Fields: fields}
	ms, ok := m.Float(fixtureDelayKey)
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

func simulated(id, area string, class model.FailureClass) error {
	err := eris.Errorf("%s: simulated %s for %s", id, class, area)
	switch model.FailureClass(strings.ToLower(string(class))) {
	case model.FailureNotFound:
		return resilience.NotFound(err)
	case model.FailureRateLimited:
		return resilience.RateLimited(err, 0)
	case model.FailurePermanent:
		return resilience.Permanent(err)
	default:
		return resilience.Transient(err)
	}
}

var (
	_ Client = (*FixtureClient)(nil)
	_ Scoped = (*FixtureClient)(nil)
)
