package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/pipeline"
)

// recommendOptions holds the recommend flags.
type recommendOptions struct {
	persona     string
	budgetMax   float64
	budgetMin   float64
	location    string
	destination string
	areas       []string
	maxAreas    int
	importance  map[string]string
	minScores   map[string]string
	maxCommute  float64
	minSafety   float64
	jsonIn      string
	out         string
}

var recommendFlags recommendOptions

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Rank areas for one request and print the response as JSON",
	Example: `  area-advisor recommend --persona student --budget-max 1200 --destination "King's Cross"
  area-advisor recommend --persona parent --budget-max 2000 --areas E1,SE15 --min-safety 60
  area-advisor recommend --json-in request.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := recommendFlags.request(cmd.Flags())
		if err != nil {
			return err
		}

		env, err := initPipeline(cmd.Context(), cfg, "recommend")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Pipeline.Run(cmd.Context(), req)
		if err != nil {
			return err
		}
		zap.L().Info("recommendations ready",
			zap.String("run_id", resp.RunID),
			zap.Int("count", len(resp.Recommendations)),
			zap.Bool("cached", resp.Cached))
		return writeOutput(recommendFlags.out, resp)
	},
}

// bind registers the flags on fs.
func (o *recommendOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.persona, "persona", "", "student, parent or developer")
	fs.Float64Var(&o.budgetMax, "budget-max", 0, "maximum budget (monthly rent or purchase price)")
	fs.Float64Var(&o.budgetMin, "budget-min", 0, "minimum budget")
	fs.StringVar(&o.location, "location", "", "rent or buy (default rent)")
	fs.StringVar(&o.destination, "destination", "", "commute destination: a gazetteer id, area code or lat,lng")
	fs.StringSliceVar(&o.areas, "areas", nil, "explicit candidate area codes (default: scan the gazetteer)")
	fs.IntVar(&o.maxAreas, "max-areas", 0, "number of recommendations to return (default from config)")
	fs.StringToStringVar(&o.importance, "importance", nil, "importance factors, e.g. commute=8,safety=5")
	fs.StringToStringVar(&o.minScores, "min-score", nil, "minimum factor scores, e.g. schools=60")
	fs.Float64Var(&o.maxCommute, "max-commute", 0, "maximum commute in minutes")
	fs.Float64Var(&o.minSafety, "min-safety", 0, "minimum safety score 0-100")
	fs.StringVar(&o.jsonIn, "json-in", "", "read the request from a JSON file")
	fs.StringVarP(&o.out, "out", "o", "", "write the response to a file instead of stdout")
}

// request builds the request from --json-in or the individual flags.
// Flags set explicitly override fields of the file.
func (f *recommendOptions) request(flags *pflag.FlagSet) (pipeline.Request, error) {
	var req pipeline.Request
	if f.jsonIn != "" {
		if err := readJSONFile(f.jsonIn, &req); err != nil {
			return req, err
		}
	}

	if flags.Changed("persona") || f.jsonIn == "" {
		req.Persona = f.persona
	}
	if flags.Changed("budget-max") || f.jsonIn == "" {
		req.BudgetMax = f.budgetMax
	}
	if flags.Changed("budget-min") {
		req.BudgetMin = f.budgetMin
	}
	if flags.Changed("location") {
		req.LocationType = f.location
	}
	if flags.Changed("destination") {
		req.Destination = f.destination
	}
	if flags.Changed("areas") {
		req.Areas = f.areas
	}
	if flags.Changed("max-areas") {
		req.MaxAreas = f.maxAreas
	}
	if flags.Changed("importance") {
		w, err := parseFactorMap("importance", f.importance)
		if err != nil {
			return req, err
		}
		req.ImportanceWeights = w
	}
	if flags.Changed("min-score") {
		m, err := parseFactorMap("min-score", f.minScores)
		if err != nil {
			return req, err
		}
		req.HardConstraints.MinFactorScores = m
	}
	if flags.Changed("max-commute") {
		v := f.maxCommute
		req.HardConstraints.MaxCommuteMinutes = &v
	}
	if flags.Changed("min-safety") {
		v := f.minSafety
		req.HardConstraints.MinSafetyScore = &v
	}
	return req, nil
}

func parseFactorMap(flag string, in map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("--%s %s=%s: not a number", flag, k, v)
		}
		out[k] = n
	}
	return out, nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "decode %s", path)
	}
	return nil
}

// writeOutput writes v as indented JSON to path, or stdout when path is
// empty or "-".
func writeOutput(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode response")
	}
	data = append(data, '\n')

	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "create %s", path)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return eris.Wrap(err, "write response")
	}
	return nil
}

func init() {
	recommendFlags.bind(recommendCmd.Flags())
	rootCmd.AddCommand(recommendCmd)
}
