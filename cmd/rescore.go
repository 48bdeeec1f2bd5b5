package main

import (
	"bytes"
	"os"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/pipeline"
)

var rescoreFlags struct {
	from    string
	request string
	persona string
	out     string
}

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Re-rank the records of an earlier run without fetching",
	Example: `  area-advisor recommend --persona student --budget-max 1200 -o run.json
  area-advisor rescore --from run.json --persona parent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, prev, err := loadRecords(rescoreFlags.from)
		if err != nil {
			return err
		}

		var req pipeline.Request
		if rescoreFlags.request != "" {
			if err := readJSONFile(rescoreFlags.request, &req); err != nil {
				return err
			}
		} else if prev != nil {
			req.Persona = string(prev.Persona)
		}
		if rescoreFlags.persona != "" {
			req.Persona = rescoreFlags.persona
		}
		if req.BudgetMax == 0 {
			req.BudgetMax = maxBudgetOf(records)
		}

		env, err := initPipeline(cmd.Context(), cfg, "rescore")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Pipeline.Rescore(req, records)
		if err != nil {
			return err
		}
		return writeOutput(rescoreFlags.out, resp)
	},
}

// loadRecords reads either a saved response or a bare record array.
func loadRecords(path string) ([]*model.EnrichmentRecord, *pipeline.Response, error) {
	if path == "" {
		return nil, nil, eris.New("--from is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "read %s", path)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var records []*model.EnrichmentRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, nil, eris.Wrapf(err, "decode records %s", path)
		}
		return records, nil, nil
	}

	var resp pipeline.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, eris.Wrapf(err, "decode response %s", path)
	}
	if len(resp.Records) == 0 {
		return nil, nil, eris.Errorf("%s carries no enrichment records", path)
	}
	return resp.Records, &resp, nil
}

// maxBudgetOf returns the highest price in records, so a rescore
// without a request never filters on budget.
func maxBudgetOf(records []*model.EnrichmentRecord) float64 {
	ceiling := 1.0
	for _, r := range records {
		if r == nil {
			continue
		}
		raw, ok := r.BySource[model.SourceProperty]
		if !ok || raw == nil {
			continue
		}
		for _, key := range []string{model.FieldPriceRent, model.FieldPricePurchase} {
			if v, ok := raw.Float(key); ok && v > ceiling {
				ceiling = v
			}
		}
	}
	return ceiling
}

func init() {
	f := rescoreCmd.Flags()
	f.StringVar(&rescoreFlags.from, "from", "", "saved response or records JSON file")
	f.StringVar(&rescoreFlags.request, "request", "", "request JSON file (default: the earlier run's persona)")
	f.StringVar(&rescoreFlags.persona, "persona", "", "override the request persona")
	f.StringVarP(&rescoreFlags.out, "out", "o", "", "write the response to a file instead of stdout")
	rootCmd.AddCommand(rescoreCmd)
}
