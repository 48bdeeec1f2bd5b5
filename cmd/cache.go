package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the enrichment cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached entries per data kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, "cache")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Cache.Stats(cmd.Context())
		if err != nil {
			return err
		}

		kinds := make([]string, 0, len(st.ByKind))
		for k := range st.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "backend\t%s\n", st.Backend)
		fmt.Fprintf(w, "total\t%d\n", st.Total)
		fmt.Fprintf(w, "expired\t%d\n", st.Expired)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %s\t%d\n", k, st.ByKind[k])
		}
		return w.Flush()
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, "cache")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Cache.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("cache swept", zap.Int("deleted", n))
		fmt.Printf("deleted %d expired entries\n", n)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <key>...",
	Short: "Delete specific cache entries, e.g. crime:E1",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), cfg, "cache")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, key := range args {
			if err := env.Cache.Invalidate(cmd.Context(), key); err != nil {
				return err
			}
			zap.L().Info("cache entry invalidated", zap.String("key", key))
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
