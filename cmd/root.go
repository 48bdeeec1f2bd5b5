package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/area-advisor/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "area-advisor",
	Short: "Persona-aware London area recommendations",
	Long:  "Enriches candidate postcode areas from property, transport, crime, school and amenity sources, normalises every factor to 0-100 and ranks areas for a student, parent or developer.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
