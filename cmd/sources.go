package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/internal/source"
)

// sourceStatus is the reported state of one registered source.
type sourceStatus struct {
	ID          string             `json:"id"`
	Criticality source.Criticality `json:"criticality"`
	Kind        string             `json:"kind"`
	Breaker     string             `json:"breaker,omitempty"`
}

func describeSources(reg *source.Registry) []sourceStatus {
	bindings := reg.Bindings()
	out := make([]sourceStatus, 0, len(bindings))
	for _, b := range bindings {
		st := sourceStatus{ID: b.ID(), Criticality: b.Criticality, Kind: b.Kind}
		if g, ok := b.Client.(*source.Guard); ok {
			st.Breaker = g.Breaker().State().String()
		}
		out = append(out, st)
	}
	return out
}

// probeResult is the outcome of one live fetch against the sample area.
type probeResult struct {
	ID       string
	Fields   int
	Duration time.Duration
	Class    model.FailureClass
	Err      error
}

// probeSources fetches area from every source once, bypassing the cache.
func probeSources(ctx context.Context, reg *source.Registry, area, destination string) []probeResult {
	q := model.AreaQuery{AreaCode: area, Destination: destination, LocationType: model.LocationRent}
	var out []probeResult
	for _, b := range reg.Bindings() {
		start := time.Now()
		raw, err := b.Client.Fetch(ctx, q)
		res := probeResult{ID: b.ID(), Duration: time.Since(start), Err: err}
		if err != nil {
			res.Class = resilience.Classify(err)
		} else if raw != nil {
			res.Fields = len(raw.Fields)
		}
		out = append(out, res)
	}
	return out
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect the enrichment sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources with criticality and cache kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, "sources")
		if err != nil {
			return err
		}
		defer env.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tCRITICALITY\tKIND\tBREAKER")
		for _, s := range describeSources(env.Registry) {
			breaker := s.Breaker
			if breaker == "" {
				breaker = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Criticality, s.Kind, breaker)
		}
		return w.Flush()
	},
}

var checkDestination string

var sourcesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch the sample area from every source once",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, "sources")
		if err != nil {
			return err
		}
		defer env.Close()

		area := cfg.Sources.SampleArea
		results := probeSources(cmd.Context(), env.Registry, area, checkDestination)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tSTATUS\tFIELDS\tDURATION")
		failed := 0
		for _, r := range results {
			status := "ok"
			if r.Err != nil {
				failed++
				status = string(r.Class)
				zap.L().Warn("source check failed", zap.String("source", r.ID), zap.String("area", area), zap.Error(r.Err))
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, status, r.Fields, r.Duration.Round(time.Millisecond))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed for %s", failed, len(results), area)
		}
		return nil
	},
}

func init() {
	sourcesCheckCmd.Flags().StringVar(&checkDestination, "destination", "", "commute destination for the probe (default: none)")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesCheckCmd)
	rootCmd.AddCommand(sourcesCmd)
}
