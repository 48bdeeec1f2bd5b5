// Package geo is the gazetteer of known areas and commute destinations.
package geo

import (
	_ "embed"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/area-advisor/internal/model"
)

//go:embed london.yaml
var londonYAML []byte

// Place is a named point.
type Place struct {
	Code  string
	Name  string
	Tier  string
	Point *geom.Point
}

// Lat returns the latitude.
func (p Place) Lat() float64 { return p.Point.Y() }

// Lng returns the longitude.
func (p Place) Lng() float64 { return p.Point.X() }

type placeFile struct {
	Areas []struct {
		Code string  `yaml:"code"`
		Name string  `yaml:"name"`
		Tier string  `yaml:"tier"`
		Lat  float64 `yaml:"lat"`
		Lng  float64 `yaml:"lng"`
	} `yaml:"areas"`
	Destinations []struct {
		ID   string  `yaml:"id"`
		Name string  `yaml:"name"`
		Lat  float64 `yaml:"lat"`
		Lng  float64 `yaml:"lng"`
	} `yaml:"destinations"`
}

// Gazetteer resolves area codes and destinations to coordinates. It is
// read-only after construction.
type Gazetteer struct {
	areas        map[string]Place
	destinations map[string]Place
	order        []string
}

// Default returns the embedded London gazetteer.
func Default() *Gazetteer {
	g, err := Parse(londonYAML)
	if err != nil {
		panic(err)
	}
	return g
}

// Load reads a gazetteer file. An empty path returns Default.
func Load(path string) (*Gazetteer, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: read %s", path)
	}
	return Parse(data)
}

// Parse builds a gazetteer from YAML.
func Parse(data []byte) (*Gazetteer, error) {
	var f placeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "geo: parse gazetteer")
	}
	g := &Gazetteer{
		areas:        make(map[string]Place, len(f.Areas)),
		destinations: make(map[string]Place, len(f.Destinations)),
	}
	for _, a := range f.Areas {
		code := model.NormalizeAreaCode(a.Code)
		if code == "" {
			return nil, eris.New("geo: area without code")
		}
		if _, dup := g.areas[code]; dup {
			return nil, eris.Errorf("geo: duplicate area %s", code)
		}
		g.areas[code] = Place{Code: code, Name: a.Name, Tier: a.Tier, Point: point(a.Lat, a.Lng)}
		g.order = append(g.order, code)
	}
	for _, d := range f.Destinations {
		id := strings.ToUpper(strings.TrimSpace(d.ID))
		g.destinations[id] = Place{Code: id, Name: d.Name, Point: point(d.Lat, d.Lng)}
	}
	return g, nil
}

func point(lat, lng float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lng, lat}).SetSRID(4326)
}

// Area looks up an outward code.
func (g *Gazetteer) Area(code string) (Place, bool) {
	p, ok := g.areas[model.NormalizeAreaCode(code)]
	return p, ok
}

// Areas returns every area in file order.
func (g *Gazetteer) Areas() []Place {
	out := make([]Place, 0, len(g.order))
	for _, c := range g.order {
		out = append(out, g.areas[c])
	}
	return out
}

// Destination resolves a destination id (case-insensitive) or a literal
// "lat,lng" pair.
func (g *Gazetteer) Destination(s string) (Place, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if p, ok := g.destinations[key]; ok {
		return p, true
	}
	if lat, lng, ok := parseLatLng(s); ok {
		return Place{Code: s, Name: s, Point: point(lat, lng)}, true
	}
	return Place{}, false
}

// DestinationIDs returns known destination ids, sorted.
func (g *Gazetteer) DestinationIDs() []string {
	ids := make([]string, 0, len(g.destinations))
	for id := range g.destinations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseLatLng(s string) (float64, float64, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return 0, 0, false
	}
	return lat, lng, true
}

const earthRadiusKM = 6371.0

// HaversineKM is the great-circle distance between two XY (lng,lat) points.
func HaversineKM(a, b *geom.Point) float64 {
	lat1, lat2 := a.Y()*math.Pi/180, b.Y()*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.X() - a.X()) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
